package cognate

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/pkg/repo"
)

// GraphStore persists cognate clusters and similarity edges to Neo4j.
// Entries are stored as nodes referenced by stable id only; the relational
// store remains the source of truth for entry fields.
type GraphStore struct {
	driver   neo4j.DriverWithContext
	clusters *repo.Neo4jRepo[domain.CognateCluster, string]
}

// NewGraphStore creates a store over an existing driver.
func NewGraphStore(driver neo4j.DriverWithContext) *GraphStore {
	return &GraphStore{
		driver:   driver,
		clusters: newClusterRepo(driver),
	}
}

func newClusterRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[domain.CognateCluster, string] {
	return repo.NewNeo4jRepo[domain.CognateCluster, string](
		driver,
		"CognateCluster",
		clusterToMap,
		clusterFromRecord,
	)
}

func clusterToMap(c domain.CognateCluster) map[string]any {
	return map[string]any{
		"id":             c.ID,
		"concept_id":     c.ConceptID,
		"members":        strings.Join(c.Members, ","),
		"languages":      strings.Join(c.Languages, ","),
		"representative": c.Representative,
		"confidence":     c.Confidence,
		"size":           int64(c.Size()),
	}
}

func clusterFromRecord(rec *neo4j.Record) (domain.CognateCluster, error) {
	var c domain.CognateCluster
	nodeVal, ok := rec.Get("n")
	if !ok {
		return c, fmt.Errorf("cognate: record has no node")
	}
	node, ok := nodeVal.(dbtype.Node)
	if !ok {
		return c, fmt.Errorf("cognate: unexpected record type %T", nodeVal)
	}
	props := node.Props
	c.ID = strProp(props, "id")
	c.ConceptID = strProp(props, "concept_id")
	c.Representative = strProp(props, "representative")
	if v, ok := props["confidence"].(float64); ok {
		c.Confidence = v
	}
	if m := strProp(props, "members"); m != "" {
		c.Members = strings.Split(m, ",")
	}
	if l := strProp(props, "languages"); l != "" {
		c.Languages = strings.Split(l, ",")
	}
	return c, nil
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

// GetCluster returns one cluster by id.
func (s *GraphStore) GetCluster(ctx context.Context, id string) (domain.CognateCluster, error) {
	return s.clusters.Get(ctx, id)
}

// ListClusters pages through stored clusters.
func (s *GraphStore) ListClusters(ctx context.Context, offset, limit int) ([]domain.CognateCluster, error) {
	return s.clusters.List(ctx, repo.ListOpts{Offset: offset, Limit: limit})
}

// SaveClusters merges clusters, their member entry nodes, and the
// membership relations in a single transaction per batch. MERGE on stable
// ids makes the write idempotent under replay.
func (s *GraphStore) SaveClusters(ctx context.Context, clusters []domain.CognateCluster) error {
	if len(clusters) == 0 {
		return nil
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, c := range clusters {
			if _, err := tx.Run(ctx,
				`MERGE (k:CognateCluster {id: $id}) SET k += $props`,
				map[string]any{"id": c.ID, "props": clusterToMap(c)}); err != nil {
				return nil, err
			}
			for _, m := range c.Members {
				if _, err := tx.Run(ctx,
					`MERGE (e:Entry {id: $entry})
					 WITH e MATCH (k:CognateCluster {id: $cluster})
					 MERGE (e)-[:MEMBER_OF]->(k)`,
					map[string]any{"entry": m, "cluster": c.ID}); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("cognate: save %d clusters: %w", len(clusters), err)
	}
	return nil
}

// SaveEdges merges similarity edges between entry nodes. The canonical
// entry_a < entry_b ordering is the deduplication key; writing the same
// pair twice updates scores in place.
func (s *GraphStore) SaveEdges(ctx context.Context, edges []domain.SimilarityEdge) error {
	if len(edges) == 0 {
		return nil
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, e := range edges {
			e.Canonicalize()
			params := map[string]any{
				"a":            e.EntryA,
				"b":            e.EntryB,
				"semantic":     e.Semantic,
				"phonetic":     e.Phonetic,
				"etymological": e.Etymological,
				"combined":     e.Combined,
			}
			if _, err := tx.Run(ctx,
				`MERGE (a:Entry {id: $a})
				 MERGE (b:Entry {id: $b})
				 MERGE (a)-[r:SIMILAR_TO]->(b)
				 SET r.semantic = $semantic, r.phonetic = $phonetic,
				     r.etymological = $etymological, r.combined = $combined`,
				params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("cognate: save %d edges: %w", len(edges), err)
	}
	return nil
}

// CognatesOf returns the ids of entries sharing a cluster with entryID.
func (s *GraphStore) CognatesOf(ctx context.Context, entryID string) ([]string, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (e:Entry {id: $id})-[:MEMBER_OF]->(k:CognateCluster)<-[:MEMBER_OF]-(o:Entry)
		 RETURN o.id AS id ORDER BY id`,
		map[string]any{"id": entryID})
	if err != nil {
		return nil, fmt.Errorf("cognate: cognates of %s: %w", entryID, err)
	}
	var out []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("id"); ok && v != nil {
			out = append(out, fmt.Sprint(v))
		}
	}
	return out, result.Err()
}
