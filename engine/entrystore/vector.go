package entrystore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// VectorIndex is the sole owner of all Qdrant operations: the cosine
// nearest-neighbor index over entry embeddings.
type VectorIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewVectorIndex connects to Qdrant at the given gRPC address.
func NewVectorIndex(addr, collection string) (*VectorIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("entrystore: dial qdrant %s: %w", addr, err)
	}
	return &VectorIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewVectorIndexWithClients builds an index over injected clients. Test hook.
func NewVectorIndexWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string) *VectorIndex {
	return &VectorIndex{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection.
func (v *VectorIndex) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (v *VectorIndex) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("entrystore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}
	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("entrystore: create collection %s: %w", v.collection, err)
	}
	return nil
}

// Point is one entry's vector plus the payload the KNN filter can match on.
type Point struct {
	EntryID   string
	Embedding []float32
	Payload   map[string]any // language_code, headword, source_id, concept_id
}

// UpsertPoints writes entry vectors into the index. Point ids are the
// deterministic entry UUIDs, so replays overwrite in place.
func (v *VectorIndex) UpsertPoints(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	pts := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]*pb.Value, len(p.Payload))
		for k, val := range p.Payload {
			switch tv := val.(type) {
			case string:
				payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
			case int:
				payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
			case int64:
				payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
			case float64:
				payload[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
			case bool:
				payload[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
			default:
				payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
			}
		}
		pts[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.EntryID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Embedding}}},
			Payload: payload,
		}
	}
	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         pts,
	})
	if err != nil {
		return fmt.Errorf("entrystore: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Hit is a single KNN result.
type Hit struct {
	EntryID string
	Score   float32
	Payload map[string]string
}

// KNN performs cosine nearest-neighbor search, optionally filtered by
// exact payload matches (language_code, source_id, concept_id).
func (v *VectorIndex) KNN(ctx context.Context, vector []float32, k int, filters map[string]string) ([]Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for key, val := range filters {
			must = append(must, &pb.Condition{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{
						Key:   key,
						Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: val}},
					},
				},
			})
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("entrystore: knn: %w", err)
	}
	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		h := Hit{
			EntryID: r.GetId().GetUuid(),
			Score:   r.GetScore(),
			Payload: make(map[string]string),
		}
		for k, val := range r.GetPayload() {
			h.Payload[k] = val.GetStringValue()
		}
		hits[i] = h
	}
	return hits, nil
}
