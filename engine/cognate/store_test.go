package cognate

import (
	"reflect"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/lexigraph/lexigraph/engine/domain"
)

func TestClusterMapRoundTrip(t *testing.T) {
	c := domain.CognateCluster{
		ID:             "cluster-1",
		ConceptID:      "concept-9",
		Members:        []string{"a", "b", "c"},
		Languages:      []string{"de", "en"},
		Representative: "a",
		Confidence:     0.82,
	}
	props := clusterToMap(c)
	if props["size"] != int64(3) {
		t.Fatalf("size prop = %v", props["size"])
	}

	rec := &neo4j.Record{
		Keys:   []string{"n"},
		Values: []any{dbtype.Node{Props: props}},
	}
	got, err := clusterFromRecord(rec)
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Fatalf("round trip: %+v != %+v", got, c)
	}
}

func TestClusterFromRecordBadShape(t *testing.T) {
	rec := &neo4j.Record{Keys: []string{"n"}, Values: []any{"not a node"}}
	if _, err := clusterFromRecord(rec); err == nil {
		t.Fatal("non-node value must error")
	}
	empty := &neo4j.Record{}
	if _, err := clusterFromRecord(empty); err == nil {
		t.Fatal("missing column must error")
	}
}
