package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/efebarandurmaz/mnemo/internal/logging"
)

// ErrFieldTooLong is wrapped by inserts whose text does not fit the
// collection schema. Nothing is stored.
var ErrFieldTooLong = errors.New("field exceeds schema length")

// Field size limits of the memories collection.
const (
	milvusIDMaxLen   = 100
	milvusTextMaxLen = 4096
)

// MilvusConfig configures a MilvusStore.
type MilvusConfig struct {
	Host       string
	Port       int
	Collection string
	Dimension  int

	// HNSW build and search parameters.
	HNSWM              int
	HNSWEfConstruction int
	SearchEf           int

	ConnectTimeout time.Duration
	Retry          RetryPolicy
}

func (c *MilvusConfig) setDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 19530
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

// milvusClient is the subset of client.Client the store uses.
type milvusClient interface {
	HasCollection(ctx context.Context, collName string) (bool, error)
	CreateCollection(ctx context.Context, schema *entity.Schema, shardsNum int32, opts ...client.CreateCollectionOption) error
	CreateIndex(ctx context.Context, collName string, fieldName string, idx entity.Index, async bool, opts ...client.IndexOption) error
	LoadCollection(ctx context.Context, collName string, async bool, opts ...client.LoadCollectionOption) error
	Insert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error)
	Flush(ctx context.Context, collName string, async bool, opts ...client.FlushOption) error
	Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
	Query(ctx context.Context, collectionName string, partitionNames []string, expr string, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error)
	Delete(ctx context.Context, collName string, partitionName string, expr string) error
	Close() error
}

// MilvusStore keeps memories in a Milvus collection with an HNSW cosine
// index on the embedding field.
type MilvusStore struct {
	client milvusClient
	cfg    MilvusConfig
}

// NewMilvusStore connects to Milvus and makes sure the collection exists,
// creating it with the configured dimension if absent. Any failure is a
// *ConnectError.
func NewMilvusStore(ctx context.Context, cfg MilvusConfig) (*MilvusStore, error) {
	cfg.setDefaults()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	c, err := client.NewClient(dialCtx, client.Config{Address: addr})
	if err != nil {
		return nil, &ConnectError{Backend: "milvus", Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	s, err := newMilvusStore(ctx, c, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	logging.Infof("milvus store ready at %s collection=%s dimension=%d", addr, cfg.Collection, cfg.Dimension)
	return s, nil
}

func newMilvusStore(ctx context.Context, c milvusClient, cfg MilvusConfig) (*MilvusStore, error) {
	cfg.setDefaults()
	if cfg.Dimension <= 0 {
		return nil, &ConnectError{Backend: "milvus", Err: fmt.Errorf("dimension must be positive, got %d", cfg.Dimension)}
	}
	s := &MilvusStore{client: c, cfg: cfg}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := s.ensureCollection(ctx); err != nil {
		return nil, &ConnectError{Backend: "milvus", Err: err}
	}
	return s, nil
}

func (s *MilvusStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.HasCollection(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		if err := s.client.LoadCollection(ctx, s.cfg.Collection, false); err != nil {
			return fmt.Errorf("load collection: %w", err)
		}
		return nil
	}

	logging.Infof("milvus: creating collection %s with dimension %d", s.cfg.Collection, s.cfg.Dimension)
	if err := s.client.CreateCollection(ctx, s.schema(), 1); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, s.cfg.HNSWM, s.cfg.HNSWEfConstruction)
	if err != nil {
		return fmt.Errorf("build index params: %w", err)
	}
	if err := s.client.CreateIndex(ctx, s.cfg.Collection, "embedding", idx, false); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.client.LoadCollection(ctx, s.cfg.Collection, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) schema() *entity.Schema {
	varchar := func(name string, maxLen int, pk bool) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			PrimaryKey: pk,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}
	return &entity.Schema{
		CollectionName: s.cfg.Collection,
		Description:    "Conversation memories",
		AutoID:         false,
		Fields: []*entity.Field{
			varchar("id", milvusIDMaxLen, true),
			varchar("user_id", milvusIDMaxLen, false),
			varchar("prompt", milvusTextMaxLen, false),
			varchar("reply", milvusTextMaxLen, false),
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(s.cfg.Dimension)},
			},
			{Name: "created_at", DataType: entity.FieldTypeInt64},
		},
	}
}

func (s *MilvusStore) Name() string { return "milvus" }

func (s *MilvusStore) Insert(ctx context.Context, userID, prompt, reply string, embedding []float32) (string, error) {
	if len(embedding) != s.cfg.Dimension {
		return "", opErr(s.Name(), "insert", fmt.Errorf("embedding dimension %d, want %d", len(embedding), s.cfg.Dimension))
	}
	if err := checkFieldLen("user_id", userID, milvusIDMaxLen); err != nil {
		return "", opErr(s.Name(), "insert", err)
	}
	if err := checkFieldLen("prompt", prompt, milvusTextMaxLen); err != nil {
		return "", opErr(s.Name(), "insert", err)
	}
	if err := checkFieldLen("reply", reply, milvusTextMaxLen); err != nil {
		return "", opErr(s.Name(), "insert", err)
	}
	n, err := s.count(ctx, userID)
	if err != nil {
		return "", opErr(s.Name(), "count", err)
	}
	id := RecordID(userID, n+1)
	if err := checkFieldLen("id", id, milvusIDMaxLen); err != nil {
		return "", opErr(s.Name(), "insert", err)
	}

	err = withRetryErr(ctx, s.cfg.Retry, func() error {
		_, err := s.client.Insert(ctx, s.cfg.Collection, "",
			entity.NewColumnVarChar("id", []string{id}),
			entity.NewColumnVarChar("user_id", []string{userID}),
			entity.NewColumnVarChar("prompt", []string{prompt}),
			entity.NewColumnVarChar("reply", []string{reply}),
			entity.NewColumnFloatVector("embedding", s.cfg.Dimension, [][]float32{embedding}),
			entity.NewColumnInt64("created_at", []int64{time.Now().Unix()}),
		)
		return err
	})
	if err != nil {
		return "", opErr(s.Name(), "insert", err)
	}
	if err := s.flush(ctx); err != nil {
		return "", opErr(s.Name(), "flush", err)
	}
	return id, nil
}

func (s *MilvusStore) Search(ctx context.Context, userID string, query []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		return []Hit{}, nil
	}
	sp, err := entity.NewIndexHNSWSearchParam(max(s.cfg.SearchEf, limit))
	if err != nil {
		return nil, opErr(s.Name(), "search", err)
	}

	results, err := withRetry(ctx, s.cfg.Retry, func() ([]client.SearchResult, error) {
		return s.client.Search(ctx, s.cfg.Collection, []string{}, userExpr(userID),
			[]string{"id", "prompt", "reply"},
			[]entity.Vector{entity.FloatVector(query)},
			"embedding", entity.COSINE, limit, sp,
		)
	})
	if err != nil {
		return nil, opErr(s.Name(), "search", err)
	}
	if len(results) == 0 || results[0].ResultCount == 0 {
		return []Hit{}, nil
	}

	res := results[0]
	ids := varcharColumn(res.Fields, "id")
	prompts := varcharColumn(res.Fields, "prompt")
	replies := varcharColumn(res.Fields, "reply")
	if prompts == nil || replies == nil {
		return nil, opErr(s.Name(), "search", fmt.Errorf("result is missing prompt or reply fields"))
	}

	hits := make([]Hit, 0, res.ResultCount)
	for i := 0; i < res.ResultCount && i < len(res.Scores); i++ {
		var h Hit
		if ids != nil {
			h.ID, _ = ids.ValueByIdx(i)
		}
		if h.Prompt, err = prompts.ValueByIdx(i); err != nil {
			return nil, opErr(s.Name(), "search", err)
		}
		if h.Reply, err = replies.ValueByIdx(i); err != nil {
			return nil, opErr(s.Name(), "search", err)
		}
		h.Score = float64(res.Scores[i])
		hits = append(hits, h)
	}
	return hits, nil
}

func (s *MilvusStore) DeleteAll(ctx context.Context, userID string) (int, error) {
	n, err := s.count(ctx, userID)
	if err != nil {
		return 0, opErr(s.Name(), "count", err)
	}
	if n == 0 {
		return 0, nil
	}
	err = withRetryErr(ctx, s.cfg.Retry, func() error {
		return s.client.Delete(ctx, s.cfg.Collection, "", userExpr(userID))
	})
	if err != nil {
		return 0, opErr(s.Name(), "delete", err)
	}
	if err := s.flush(ctx); err != nil {
		return 0, opErr(s.Name(), "flush", err)
	}
	return n, nil
}

// Ping checks that the collection is still reachable.
func (s *MilvusStore) Ping(ctx context.Context) error {
	ok, err := s.client.HasCollection(ctx, s.cfg.Collection)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("collection %s does not exist", s.cfg.Collection)
	}
	return nil
}

func (s *MilvusStore) Close() error { return s.client.Close() }

// count flushes pending writes and returns the user's record count.
func (s *MilvusStore) count(ctx context.Context, userID string) (int, error) {
	if err := s.flush(ctx); err != nil {
		return 0, err
	}
	rs, err := withRetry(ctx, s.cfg.Retry, func() (client.ResultSet, error) {
		return s.client.Query(ctx, s.cfg.Collection, []string{}, userExpr(userID), []string{"count(*)"})
	})
	if err != nil {
		return 0, err
	}
	col, ok := rs.GetColumn("count(*)").(*entity.ColumnInt64)
	if !ok || col.Len() == 0 {
		return 0, fmt.Errorf("count query returned no count column")
	}
	v, err := col.ValueByIdx(0)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func (s *MilvusStore) flush(ctx context.Context) error {
	return withRetryErr(ctx, s.cfg.Retry, func() error {
		return s.client.Flush(ctx, s.cfg.Collection, false)
	})
}

func varcharColumn(rs client.ResultSet, name string) *entity.ColumnVarChar {
	col, _ := rs.GetColumn(name).(*entity.ColumnVarChar)
	return col
}

// userExpr builds the boolean filter selecting one user's rows.
func userExpr(userID string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return fmt.Sprintf(`user_id == "%s"`, r.Replace(userID))
}

// checkFieldLen rejects values longer than a VARCHAR field's max_length,
// which Milvus counts in bytes.
func checkFieldLen(field, v string, limit int) error {
	if len(v) > limit {
		return fmt.Errorf("%w: %s is %d bytes, max %d", ErrFieldTooLong, field, len(v), limit)
	}
	return nil
}
