package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/efebarandurmaz/mnemo/internal/similarity"
)

var fastRetry = RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), t.TempDir()+"/mnemo.db")
	require.NoError(t, err)
	return s
}

type fakeRow struct {
	id, user, prompt, reply string
	vec                     []float32
}

// fakeMilvus is an in-memory stand-in for a Milvus server with exact cosine
// search.
type fakeMilvus struct {
	mu      sync.Mutex
	exists  bool
	loaded  bool
	created *entity.Schema
	index   entity.Index
	rows    []fakeRow
	flushes int

	hasErr    error
	insertErr error
	searchErr error
	// failures makes the next n calls of any data operation fail with failErr.
	failures int
	failErr  error
	calls    map[string]int
}

func newFakeMilvus() *fakeMilvus {
	return &fakeMilvus{calls: map[string]int{}}
}

var userExprRe = regexp.MustCompile(`^user_id == "((?:[^"\\]|\\.)*)"$`)

func exprUser(expr string) string {
	m := userExprRe.FindStringSubmatch(expr)
	if m == nil {
		return ""
	}
	return strings.NewReplacer(`\\`, `\`, `\"`, `"`).Replace(m[1])
}

func (f *fakeMilvus) fail(op string) error {
	f.calls[op]++
	if f.failures > 0 {
		f.failures--
		return f.failErr
	}
	return nil
}

func (f *fakeMilvus) HasCollection(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, f.hasErr
}

func (f *fakeMilvus) CreateCollection(_ context.Context, schema *entity.Schema, _ int32, _ ...client.CreateCollectionOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created, f.exists = schema, true
	return nil
}

func (f *fakeMilvus) CreateIndex(_ context.Context, _ string, _ string, idx entity.Index, _ bool, _ ...client.IndexOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = idx
	return nil
}

func (f *fakeMilvus) LoadCollection(context.Context, string, bool, ...client.LoadCollectionOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = true
	return nil
}

func (f *fakeMilvus) Insert(_ context.Context, _ string, _ string, cols ...entity.Column) (entity.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("insert"); err != nil {
		return nil, err
	}
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	var row fakeRow
	for _, c := range cols {
		switch col := c.(type) {
		case *entity.ColumnVarChar:
			v, _ := col.ValueByIdx(0)
			limit := milvusTextMaxLen
			if col.Name() == "id" || col.Name() == "user_id" {
				limit = milvusIDMaxLen
			}
			if len(v) > limit {
				return nil, status.Errorf(codes.InvalidArgument, "length of varchar field %s exceeds max length", col.Name())
			}
			switch col.Name() {
			case "id":
				row.id = v
			case "user_id":
				row.user = v
			case "prompt":
				row.prompt = v
			case "reply":
				row.reply = v
			}
		case *entity.ColumnFloatVector:
			row.vec = col.Data()[0]
		}
	}
	f.rows = append(f.rows, row)
	return entity.NewColumnVarChar("id", []string{row.id}), nil
}

func (f *fakeMilvus) Flush(context.Context, string, bool, ...client.FlushOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.fail("flush")
}

func (f *fakeMilvus) Search(_ context.Context, _ string, _ []string, expr string, _ []string, vectors []entity.Vector, _ string, _ entity.MetricType, topK int, _ entity.SearchParam, _ ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("search"); err != nil {
		return nil, err
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	user := exprUser(expr)
	var cands []similarity.Candidate[fakeRow]
	for _, r := range f.rows {
		if r.user == user {
			cands = append(cands, similarity.Candidate[fakeRow]{Item: r, Vector: r.vec})
		}
	}
	ranked := similarity.TopK([]float32(vectors[0].(entity.FloatVector)), cands, topK)

	var ids, prompts, replies []string
	scores := make([]float32, 0, len(ranked))
	for _, sc := range ranked {
		ids = append(ids, sc.Item.id)
		prompts = append(prompts, sc.Item.prompt)
		replies = append(replies, sc.Item.reply)
		scores = append(scores, float32(sc.Score))
	}
	return []client.SearchResult{{
		ResultCount: len(ranked),
		Scores:      scores,
		Fields: client.ResultSet{
			entity.NewColumnVarChar("id", ids),
			entity.NewColumnVarChar("prompt", prompts),
			entity.NewColumnVarChar("reply", replies),
		},
	}}, nil
}

func (f *fakeMilvus) Query(_ context.Context, _ string, _ []string, expr string, outputFields []string, _ ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("query"); err != nil {
		return nil, err
	}
	if len(outputFields) != 1 || outputFields[0] != "count(*)" {
		return nil, errors.New("fake milvus only supports count(*)")
	}
	user := exprUser(expr)
	var n int64
	for _, r := range f.rows {
		if r.user == user {
			n++
		}
	}
	return client.ResultSet{entity.NewColumnInt64("count(*)", []int64{n})}, nil
}

func (f *fakeMilvus) Delete(_ context.Context, _ string, _ string, expr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("delete"); err != nil {
		return err
	}
	user := exprUser(expr)
	kept := f.rows[:0]
	for _, r := range f.rows {
		if r.user != user {
			kept = append(kept, r)
		}
	}
	f.rows = kept
	return nil
}

func (f *fakeMilvus) Close() error { return nil }

// fakeQdrant serves the points API from memory. Unimplemented methods of the
// embedded interface panic if called.
type fakeQdrant struct {
	pb.PointsClient

	mu          sync.Mutex
	points      map[string]*pb.PointStruct
	order       []string
	collections *fakeQdrantCollections

	upsertErr error
	failures  int
	failErr   error
	upserts   int
}

type fakeQdrantCollections struct {
	pb.CollectionsClient

	mu      sync.Mutex
	exists  bool
	created *pb.CreateCollection
	err     error
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{
		points:      map[string]*pb.PointStruct{},
		collections: &fakeQdrantCollections{},
	}
}

func (c *fakeQdrantCollections) CollectionExists(_ context.Context, _ *pb.CollectionExistsRequest, _ ...grpc.CallOption) (*pb.CollectionExistsResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return &pb.CollectionExistsResponse{Result: &pb.CollectionExists{Exists: c.exists}}, nil
}

func (c *fakeQdrantCollections) Create(_ context.Context, req *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created, c.exists = req, true
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func filterUser(f *pb.Filter) string {
	for _, c := range f.GetMust() {
		if fc := c.GetField(); fc != nil && fc.GetKey() == "user_id" {
			return fc.GetMatch().GetKeyword()
		}
	}
	return ""
}

func (q *fakeQdrant) fail() error {
	if q.failures > 0 {
		q.failures--
		return q.failErr
	}
	return nil
}

func (q *fakeQdrant) Upsert(_ context.Context, req *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.upserts++
	if err := q.fail(); err != nil {
		return nil, err
	}
	if q.upsertErr != nil {
		return nil, q.upsertErr
	}
	for _, p := range req.GetPoints() {
		id := p.GetId().GetUuid()
		if _, ok := q.points[id]; !ok {
			q.order = append(q.order, id)
		}
		q.points[id] = p
	}
	return &pb.PointsOperationResponse{}, nil
}

func (q *fakeQdrant) userPoints(user string) []*pb.PointStruct {
	var out []*pb.PointStruct
	for _, id := range q.order {
		p, ok := q.points[id]
		if ok && p.GetPayload()["user_id"].GetStringValue() == user {
			out = append(out, p)
		}
	}
	return out
}

func (q *fakeQdrant) Search(_ context.Context, req *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.fail(); err != nil {
		return nil, err
	}
	var cands []similarity.Candidate[*pb.PointStruct]
	for _, p := range q.userPoints(filterUser(req.GetFilter())) {
		cands = append(cands, similarity.Candidate[*pb.PointStruct]{Item: p, Vector: p.GetVectors().GetVector().GetData()})
	}
	ranked := similarity.TopK(req.GetVector(), cands, int(req.GetLimit()))
	resp := &pb.SearchResponse{}
	for _, sc := range ranked {
		resp.Result = append(resp.Result, &pb.ScoredPoint{
			Id:      sc.Item.GetId(),
			Payload: sc.Item.GetPayload(),
			Score:   float32(sc.Score),
		})
	}
	return resp, nil
}

func (q *fakeQdrant) Count(_ context.Context, req *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.fail(); err != nil {
		return nil, err
	}
	n := len(q.userPoints(filterUser(req.GetFilter())))
	return &pb.CountResponse{Result: &pb.CountResult{Count: uint64(n)}}, nil
}

func (q *fakeQdrant) Delete(_ context.Context, req *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.fail(); err != nil {
		return nil, err
	}
	user := filterUser(req.GetPoints().GetFilter())
	for _, p := range q.userPoints(user) {
		delete(q.points, p.GetId().GetUuid())
	}
	return &pb.PointsOperationResponse{}, nil
}
