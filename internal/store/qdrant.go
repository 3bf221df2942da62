package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/efebarandurmaz/mnemo/internal/logging"
)

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dimension  int

	HNSWM              int
	HNSWEfConstruction int
	SearchEf           int

	ConnectTimeout time.Duration
	Retry          RetryPolicy
}

func (c *QdrantConfig) setDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "chat_memories"
	}
	if c.HNSWM == 0 {
		c.HNSWM = 8
	}
	if c.HNSWEfConstruction == 0 {
		c.HNSWEfConstruction = 64
	}
	if c.SearchEf == 0 {
		c.SearchEf = 64
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Retry.MaxTries == 0 {
		c.Retry = DefaultRetryPolicy()
	}
}

// QdrantStore keeps memories as points of a Qdrant collection. Point ids are
// random UUIDs; the record id travels in the payload with user_id, prompt and
// reply, so two records racing for the same id are both kept.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	cfg         QdrantConfig
}

// NewQdrantStore connects over gRPC and creates the collection if absent.
// Any failure is a *ConnectError.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	cfg.setDefaults()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, &ConnectError{Backend: "qdrant", Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	s, err := newQdrantStore(ctx, pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	logging.Infof("qdrant store ready at %s collection=%s dimension=%d", addr, cfg.Collection, cfg.Dimension)
	return s, nil
}

func newQdrantStore(ctx context.Context, points pb.PointsClient, collections pb.CollectionsClient, cfg QdrantConfig) (*QdrantStore, error) {
	cfg.setDefaults()
	if cfg.Dimension <= 0 {
		return nil, &ConnectError{Backend: "qdrant", Err: fmt.Errorf("dimension must be positive, got %d", cfg.Dimension)}
	}
	s := &QdrantStore{points: points, collections: collections, cfg: cfg}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := s.ensureCollection(ctx); err != nil {
		return nil, &ConnectError{Backend: "qdrant", Err: err}
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	resp, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: s.cfg.Collection})
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}

	logging.Infof("qdrant: creating collection %s with dimension %d", s.cfg.Collection, s.cfg.Dimension)
	m, efc := uint64(s.cfg.HNSWM), uint64(s.cfg.HNSWEfConstruction)
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
			Size:     uint64(s.cfg.Dimension),
			Distance: pb.Distance_Cosine,
		}}},
		HnswConfig: &pb.HnswConfigDiff{M: &m, EfConstruct: &efc},
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

func (s *QdrantStore) Name() string { return "qdrant" }

func (s *QdrantStore) Insert(ctx context.Context, userID, prompt, reply string, embedding []float32) (string, error) {
	if len(embedding) != s.cfg.Dimension {
		return "", opErr(s.Name(), "insert", fmt.Errorf("embedding dimension %d, want %d", len(embedding), s.cfg.Dimension))
	}
	n, err := s.count(ctx, userID)
	if err != nil {
		return "", opErr(s.Name(), "count", err)
	}
	id := RecordID(userID, n+1)

	wait := true
	point := &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewString()}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: embedding}}},
		Payload: map[string]*pb.Value{
			"record_id":  stringValue(id),
			"user_id":    stringValue(userID),
			"prompt":     stringValue(prompt),
			"reply":      stringValue(reply),
			"created_at": {Kind: &pb.Value_IntegerValue{IntegerValue: time.Now().Unix()}},
		},
	}
	err = withRetryErr(ctx, s.cfg.Retry, func() error {
		_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Wait:           &wait,
			Points:         []*pb.PointStruct{point},
		})
		return err
	})
	if err != nil {
		return "", opErr(s.Name(), "insert", err)
	}
	return id, nil
}

func (s *QdrantStore) Search(ctx context.Context, userID string, query []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		return []Hit{}, nil
	}
	ef := uint64(max(s.cfg.SearchEf, limit))
	resp, err := withRetry(ctx, s.cfg.Retry, func() (*pb.SearchResponse, error) {
		return s.points.Search(ctx, &pb.SearchPoints{
			CollectionName: s.cfg.Collection,
			Vector:         query,
			Filter:         userFilter(userID),
			Limit:          uint64(limit),
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
			Params:         &pb.SearchParams{HnswEf: &ef},
		})
	})
	if err != nil {
		return nil, opErr(s.Name(), "search", err)
	}

	hits := make([]Hit, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		p := pt.GetPayload()
		hits = append(hits, Hit{
			ID:     p["record_id"].GetStringValue(),
			Prompt: p["prompt"].GetStringValue(),
			Reply:  p["reply"].GetStringValue(),
			Score:  float64(pt.GetScore()),
		})
	}
	return hits, nil
}

func (s *QdrantStore) DeleteAll(ctx context.Context, userID string) (int, error) {
	n, err := s.count(ctx, userID)
	if err != nil {
		return 0, opErr(s.Name(), "count", err)
	}
	if n == 0 {
		return 0, nil
	}
	wait := true
	err = withRetryErr(ctx, s.cfg.Retry, func() error {
		_, err := s.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: s.cfg.Collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: userFilter(userID),
			}},
		})
		return err
	})
	if err != nil {
		return 0, opErr(s.Name(), "delete", err)
	}
	return n, nil
}

// Ping checks that the collection is still reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	resp, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: s.cfg.Collection})
	if err != nil {
		return err
	}
	if !resp.GetResult().GetExists() {
		return fmt.Errorf("collection %s does not exist", s.cfg.Collection)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *QdrantStore) count(ctx context.Context, userID string) (int, error) {
	exact := true
	resp, err := withRetry(ctx, s.cfg.Retry, func() (*pb.CountResponse, error) {
		return s.points.Count(ctx, &pb.CountPoints{
			CollectionName: s.cfg.Collection,
			Filter:         userFilter(userID),
			Exact:          &exact,
		})
	})
	if err != nil {
		return 0, err
	}
	return int(resp.GetResult().GetCount()), nil
}

func userFilter(userID string) *pb.Filter {
	return &pb.Filter{Must: []*pb.Condition{{
		ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
			Key:   "user_id",
			Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: userID}},
		}},
	}}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

var _ Store = (*QdrantStore)(nil)
