package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// Render emits the registry in the Prometheus text exposition format.
// Families appear in first-registration order; series within a family in
// name order.
func (r *Registry) Render() string {
	type line struct {
		full string
		s    *series
	}

	r.mu.RLock()
	families := make(map[string][]line)
	var familyOrder []string
	for _, full := range r.order {
		base := baseName(full)
		if _, seen := families[base]; !seen {
			familyOrder = append(familyOrder, base)
		}
		families[base] = append(families[base], line{full, r.series[full]})
	}
	help := make(map[string]string, len(r.help))
	for k, v := range r.help {
		help[k] = v
	}
	kinds := make(map[string]kind, len(r.kinds))
	for k, v := range r.kinds {
		kinds[k] = v
	}
	r.mu.RUnlock()

	var b strings.Builder
	for _, base := range familyOrder {
		if h := help[base]; h != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", base, h)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", base, kinds[base])
		lines := families[base]
		sort.Slice(lines, func(i, j int) bool { return lines[i].full < lines[j].full })
		for _, l := range lines {
			switch l.s.kind {
			case kindCounter:
				if l.s.c != nil {
					fmt.Fprintf(&b, "%s %d\n", l.full, l.s.c.Value())
				}
			case kindGauge:
				if l.s.g != nil {
					fmt.Fprintf(&b, "%s %d\n", l.full, l.s.g.Value())
				}
			case kindHistogram:
				if l.s.h != nil {
					renderHistogram(&b, base, labelsOf(l.full), l.s.h)
				}
			}
		}
	}
	return b.String()
}

// renderHistogram writes the _bucket/_sum/_count triplet for one series.
// labels is the brace-wrapped baked label block, possibly empty.
func renderHistogram(b *strings.Builder, base, labels string, h *Histogram) {
	bounds, cumul, sum, count := h.snapshot()
	for i, bound := range bounds {
		fmt.Fprintf(b, "%s_bucket%s %d\n", base, mergeLabels(labels, fmt.Sprintf(`le="%g"`, bound)), cumul[i])
	}
	fmt.Fprintf(b, "%s_bucket%s %d\n", base, mergeLabels(labels, `le="+Inf"`), count)
	fmt.Fprintf(b, "%s_sum%s %g\n", base, labels, sum)
	fmt.Fprintf(b, "%s_count%s %d\n", base, labels, count)
}

// mergeLabels appends one extra label to a brace-wrapped block.
func mergeLabels(labels, extra string) string {
	if labels == "" {
		return "{" + extra + "}"
	}
	return labels[:len(labels)-1] + "," + extra + "}"
}
