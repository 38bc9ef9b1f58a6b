// Package similar combines semantic, phonetic, and etymological signals
// into one similarity score per entry pair.
package similar

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// PhyloPair is one row of the precomputed phylogenetic distance table.
type PhyloPair struct {
	LangA        string
	LangB        string
	TreeDistance float64
	Prior        float64
}

// PhyloTable is the cached language-pair distance table produced offline
// by the phylogenetic service. Pairs are keyed with lang_a < lang_b.
type PhyloTable struct {
	pairs map[[2]string]PhyloPair
}

// NewPhyloTable builds a table from pairs.
func NewPhyloTable(pairs []PhyloPair) *PhyloTable {
	t := &PhyloTable{pairs: make(map[[2]string]PhyloPair, len(pairs))}
	for _, p := range pairs {
		a, b := p.LangA, p.LangB
		if a > b {
			a, b = b, a
			p.LangA, p.LangB = a, b
		}
		t.pairs[[2]string{a, b}] = p
	}
	return t
}

// LoadPhyloTable reads the at-rest CSV form:
// lang_a,lang_b,tree_distance,prior with lang_a < lang_b.
func LoadPhyloTable(path string) (*PhyloTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.Ef(domain.KindResourceMissing, "similar", "open phylo table %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = 4

	var pairs []PhyloPair
	line := 0
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, domain.Ef(domain.KindFatal, "similar", "phylo table %s:%d: %w", path, line, err)
		}
		if line == 1 && strings.EqualFold(row[0], "lang_a") {
			continue // header
		}
		dist, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, domain.Ef(domain.KindFatal, "similar", "phylo table %s:%d: distance: %w", path, line, err)
		}
		prior, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, domain.Ef(domain.KindFatal, "similar", "phylo table %s:%d: prior: %w", path, line, err)
		}
		pairs = append(pairs, PhyloPair{LangA: row[0], LangB: row[1], TreeDistance: dist, Prior: prior})
	}
	return NewPhyloTable(pairs), nil
}

// Lookup returns the pair for two languages in either order.
func (t *PhyloTable) Lookup(langA, langB string) (PhyloPair, bool) {
	if t == nil {
		return PhyloPair{}, false
	}
	a, b := langA, langB
	if a > b {
		a, b = b, a
	}
	p, ok := t.pairs[[2]string{a, b}]
	return p, ok
}

// Len returns the number of cached pairs.
func (t *PhyloTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.pairs)
}
