// Command cognates builds the cognate graph: entries sharing a concept are
// scored pairwise, edges above the threshold form a graph, and its
// connected components are persisted to Neo4j as cognate clusters.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/lexigraph/lexigraph/engine/cognate"
	"github.com/lexigraph/lexigraph/engine/concept"
	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/engine/entrystore"
	"github.com/lexigraph/lexigraph/engine/rawstore"
	"github.com/lexigraph/lexigraph/engine/similar"
	"github.com/lexigraph/lexigraph/pkg/fn"
)

const (
	exitOK       = 0
	exitUsage    = 2
	exitInput    = 65
	exitInternal = 70
	exitIO       = 74
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dbPath    = flag.String("db", "lexigraph.db", "SQLite database path")
		neo4jURL  = flag.String("neo4j", "", "Neo4j bolt URL (optional; empty skips persistence)")
		neo4jUser = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass = flag.String("neo4j-pass", "", "Neo4j password")
		phyloPath = flag.String("phylo", "", "precomputed phylogenetic distance table (optional)")
		threshold = flag.Float64("threshold", 0.7, "edge threshold tau")
		intentStr = flag.String("intent", "cognate", "weight preset: balanced|cognate|semantic|historical")
		minEmbed  = flag.Int("min-cluster", 2, "minimum entries per concept to compare")
	)
	flag.Parse()

	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	intent := similar.Intent(*intentStr)
	if _, ok := similar.WeightsFor(intent); !ok {
		fmt.Fprintf(os.Stderr, "cognates: unknown intent %q\n", *intentStr)
		return exitUsage
	}

	db, err := rawstore.Open(*dbPath)
	if err != nil {
		log.Error("cognates: open database", "error", err)
		return exitIO
	}
	defer db.Close()
	entries, err := entrystore.New(db)
	if err != nil {
		log.Error("cognates: entry store", "error", err)
		return exitIO
	}

	var phylo *similar.PhyloTable
	if *phyloPath != "" {
		phylo, err = similar.LoadPhyloTable(*phyloPath)
		if err != nil {
			log.Error("cognates: phylo table", "error", err)
			return exitInput
		}
		log.Info("cognates: phylo table loaded", "pairs", phylo.Len())
	}

	// Pull every embedded entry, grouped by concept. Cross-concept pairs
	// are far too many to score; concept alignment is the blocking key.
	start := time.Now()
	var all []domain.Entry
	err = entries.Scan(ctx, entrystore.Filter{HasEmbedding: true}, 0, func(sc entrystore.Scanned) error {
		all = append(all, sc.Entry)
		return nil
	})
	if err != nil {
		log.Error("cognates: scan", "error", err)
		return exitIO
	}
	if len(all) == 0 {
		log.Info("cognates: no embedded entries, nothing to do")
		return exitOK
	}

	// Entries without a concept id are clustered on the fly.
	unassigned := fn.Filter(all, func(e domain.Entry) bool { return e.ConceptID == "" })
	if len(unassigned) > 0 {
		aligner := concept.NewAligner(concept.DefaultClusterParams(), 0.5)
		members := fn.Map(unassigned, func(e domain.Entry) concept.Member {
			return concept.Member{EntryID: e.ID, LanguageCode: e.LanguageCode, Embedding: e.Embedding}
		})
		assignments := aligner.Discover(members)
		byEntry := make(map[string]concept.Assignment, len(assignments))
		for _, a := range assignments {
			byEntry[a.EntryID] = a
		}
		updates := make(map[string]struct {
			ConceptID  string
			Confidence float64
		})
		for i := range all {
			if a, ok := byEntry[all[i].ID]; ok && a.ConceptID != "" {
				all[i].ConceptID = a.ConceptID
				all[i].ConceptConfidence = a.Confidence
				updates[all[i].ID] = struct {
					ConceptID  string
					Confidence float64
				}{a.ConceptID, a.Confidence}
			}
		}
		if err := entries.WriteConcepts(ctx, updates); err != nil {
			log.Error("cognates: write concepts", "error", err)
			return exitIO
		}
		log.Info("cognates: aligned concepts", "entries", len(updates), "concepts", len(aligner.Concepts()))
	}

	byConcept := fn.GroupBy(all, func(e domain.Entry) string { return e.ConceptID })
	delete(byConcept, "")

	composer := similar.NewComposer(phylo)
	languageOf := make(map[string]string, len(all))
	for _, e := range all {
		languageOf[e.ID] = e.LanguageCode
	}

	var edges []cognate.Edge
	var simEdges []domain.SimilarityEdge
	for _, group := range byConcept {
		if len(group) < *minEmbed {
			continue
		}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if group[i].LanguageCode == group[j].LanguageCode {
					continue // cognates live across languages
				}
				edge, err := composer.Score(group[i], group[j], intent)
				if err != nil {
					continue
				}
				if edge.Combined >= *threshold {
					edges = append(edges, cognate.Edge{U: edge.EntryA, V: edge.EntryB, W: edge.Combined})
					simEdges = append(simEdges, edge)
				}
			}
		}
	}

	g := cognate.Build(edges, *threshold)
	clusters := g.Clusters(func(id string) string { return languageOf[id] })
	log.Info("cognates: graph built",
		"entries", len(all),
		"edges", len(edges),
		"clusters", len(clusters),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if *neo4jURL != "" {
		driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
		if err != nil {
			log.Error("cognates: neo4j connect", "error", err)
			return exitIO
		}
		defer driver.Close(ctx)
		if err := driver.VerifyConnectivity(ctx); err != nil {
			log.Error("cognates: neo4j verify", "error", err)
			return exitIO
		}
		gs := cognate.NewGraphStore(driver)
		if err := gs.SaveEdges(ctx, simEdges); err != nil {
			log.Error("cognates: save edges", "error", err)
			return exitIO
		}
		if err := gs.SaveClusters(ctx, clusters); err != nil {
			log.Error("cognates: save clusters", "error", err)
			return exitIO
		}
		log.Info("cognates: persisted", "clusters", len(clusters), "edges", len(simEdges))
	}
	return exitOK
}
