package vectorstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	payloadDocID      = "doc_id"
	payloadContent    = "content"
	payloadGeneration = "_generation"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// QdrantBackend wraps gRPC connections to Qdrant's collections and points services.
type QdrantBackend struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	logger      *zap.Logger
}

var _ Backend = (*QdrantBackend)(nil)

// NewQdrant dials the Qdrant gRPC endpoint.
func NewQdrant(cfg QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &QdrantBackend{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		logger:      logger,
	}, nil
}

// EnsureCollection creates the named collection if it does not already exist.
func (c *QdrantBackend) EnsureCollection(ctx context.Context, name string, dimension int) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	c.logger.Info("qdrant collection created", zap.String("collection", name), zap.Int("dimension", dimension))
	return nil
}

// PointID maps a document id to a qdrant point id. Numeric ids are used
// directly; anything else becomes a name-based UUID.
func PointID(id string) *pb.PointId {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: n}}
	}
	u := uuid.NewSHA1(uuid.NameSpaceURL, []byte(id))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func toPoint(d Document, generation string) *pb.PointStruct {
	payload := make(map[string]*pb.Value, len(d.Metadata)+3)
	for k, v := range d.Metadata {
		payload[k] = stringValue(v)
	}
	payload[payloadDocID] = stringValue(d.ID)
	payload[payloadContent] = stringValue(d.Content)
	if generation != "" {
		payload[payloadGeneration] = stringValue(generation)
	}
	return &pb.PointStruct{
		Id:      PointID(d.ID),
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: Normalize(d.Vector)}}},
		Payload: payload,
	}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
		Key:   key,
		Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
	}}}
}

func toFilter(where Filter) *pb.Filter {
	if len(where) == 0 {
		return nil
	}
	f := &pb.Filter{}
	for k, v := range where {
		f.Must = append(f.Must, keywordCondition(k, v))
	}
	return f
}

func (c *QdrantBackend) upsert(ctx context.Context, collection string, points []*pb.PointStruct) error {
	wait := true
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})
	return err
}

// Upsert inserts or overwrites points in the given collection.
func (c *QdrantBackend) Upsert(ctx context.Context, collection string, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, 0, len(docs))
	for _, d := range docs {
		points = append(points, toPoint(d, ""))
	}
	if err := c.upsert(ctx, collection, points); err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

func (c *QdrantBackend) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = PointID(id)
	}
	wait := true
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: pids},
		}},
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

// Replace writes docs under a fresh generation tag, then deletes every point
// matching where from older generations. Same-key points are overwritten in
// place, so readers never see duplicates.
func (c *QdrantBackend) Replace(ctx context.Context, collection string, where Filter, docs []Document) error {
	if len(where) == 0 {
		return fmt.Errorf("replace in %s: empty filter", collection)
	}
	gen := uuid.NewString()
	if len(docs) > 0 {
		points := make([]*pb.PointStruct, 0, len(docs))
		for _, d := range docs {
			points = append(points, toPoint(d, gen))
		}
		if err := c.upsert(ctx, collection, points); err != nil {
			return fmt.Errorf("replace in %s: upsert: %w", collection, err)
		}
	}

	stale := toFilter(where)
	stale.MustNot = []*pb.Condition{keywordCondition(payloadGeneration, gen)}
	wait := true
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: stale}},
	})
	if err != nil {
		return fmt.Errorf("replace in %s: delete stale: %w", collection, err)
	}
	return nil
}

// Query performs a filtered nearest-neighbor search and returns the top-n hits.
func (c *QdrantBackend) Query(ctx context.Context, collection string, vector []float32, n int, where Filter) ([]Hit, error) {
	if n <= 0 {
		return nil, nil
	}
	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         Normalize(vector),
		Filter:         toFilter(where),
		Limit:          uint64(n),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		meta := make(map[string]string, len(r.Payload))
		for k, v := range r.Payload {
			if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
				meta[k] = sv.StringValue
			}
		}
		h := Hit{
			ID:       meta[payloadDocID],
			Content:  meta[payloadContent],
			Distance: DistanceFromCosine(r.Score),
		}
		delete(meta, payloadDocID)
		delete(meta, payloadContent)
		delete(meta, payloadGeneration)
		h.Metadata = meta
		hits = append(hits, h)
	}
	return hits, nil
}

func (c *QdrantBackend) Has(ctx context.Context, collection, id string) (bool, error) {
	resp, err := c.points.Get(ctx, &pb.GetPoints{
		CollectionName: collection,
		Ids:            []*pb.PointId{PointID(id)},
	})
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return len(resp.Result) > 0, nil
}

func (c *QdrantBackend) Count(ctx context.Context, collection string) (int, error) {
	exact := true
	resp, err := c.points.Count(ctx, &pb.CountPoints{CollectionName: collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Close tears down the underlying gRPC connection.
func (c *QdrantBackend) Close() error {
	return c.conn.Close()
}
