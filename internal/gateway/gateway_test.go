package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nadzzz/showrunner/internal/broadcast"
	"github.com/nadzzz/showrunner/internal/client"
	"github.com/nadzzz/showrunner/internal/events"
	"github.com/nadzzz/showrunner/internal/health"
	"github.com/nadzzz/showrunner/internal/pipeline"
	"github.com/nadzzz/showrunner/internal/session"
)

// fakeOrchestrator drives sessions straight to a fixed outcome.
type fakeOrchestrator struct {
	store   *session.MemoryStore
	finish  bool // drive sessions to succeeded before returning
	err     error
	submits atomic.Int32
}

func (f *fakeOrchestrator) Submit(ctx context.Context, params session.Params) (*session.Session, <-chan struct{}, error) {
	f.submits.Add(1)
	if f.err != nil {
		return nil, nil, f.err
	}
	s, err := f.store.Create(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan struct{})
	if f.finish {
		succeed(f.store, s.ID)
		close(done)
	}
	return s, done, nil
}

func (f *fakeOrchestrator) Cancel(ctx context.Context, id string) (*session.Session, error) {
	return f.store.RequestCancel(ctx, id)
}

func succeed(store *session.MemoryStore, id string) {
	ctx := context.Background()
	steps := []struct {
		next  session.Status
		stage session.Stage
	}{
		{session.StatusCollectingContent, ""},
		{session.StatusGeneratingScript, session.StageCollectContent},
		{session.StatusSynthesizingAudio, session.StageGenerateScript},
		{session.StatusAssemblingMedia, session.StageSynthesizeAudio},
		{session.StatusSucceeded, session.StageAssembleMedia},
	}
	cur := session.StatusQueued
	for _, st := range steps {
		patch := session.Patch{}
		if st.stage != "" {
			patch.Results = session.Results{st.stage: {ID: string(st.stage) + "-1"}}
		}
		if _, err := store.Transition(ctx, id, cur, st.next, patch); err != nil {
			panic(err)
		}
		cur = st.next
	}
}

type fakeHealth struct {
	ready   bool
	failing []string
	snap    map[string]health.ServiceHealth
}

func (f *fakeHealth) Readiness() (bool, []string)               { return f.ready, f.failing }
func (f *fakeHealth) Snapshot() map[string]health.ServiceHealth { return f.snap }

type testEnv struct {
	store  *session.MemoryStore
	orch   *fakeOrchestrator
	health *fakeHealth
	bus    *events.Bus
	router *gin.Engine
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := session.NewMemoryStore()
	orch := &fakeOrchestrator{store: store}
	h := &fakeHealth{ready: true}
	bus := events.NewBus(16, zerolog.Nop())
	t.Cleanup(bus.Close)
	srv := New(cfg, orch, store, h, bus, zerolog.Nop())
	return &testEnv{store: store, orch: orch, health: h, bus: bus, router: srv.Router()}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

var defaultCfg = Config{
	SyncWindow:  time.Second,
	SyncMaxNews: 3,
	Limits:      broadcast.RequestLimits{MaxNews: 20},
}

func TestGenerateAccepted(t *testing.T) {
	env := newTestEnv(t, defaultCfg)

	w := env.do(http.MethodPost, "/api/v1/shows/generate", GenerateRequest{NewsCount: 10, Channel: "zurich", Language: "de"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	var res AcceptedResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	assert.Equal(t, "processing", res.Status)
	assert.NotEqual(t, "", res.SessionID)

	stored, err := env.store.Get(context.Background(), res.SessionID)
	assert.Equal(t, nil, err)
	assert.Equal(t, 10, stored.Params.NewsCount)
}

func TestGenerateSynchronousSuccess(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	env.orch.finish = true

	w := env.do(http.MethodPost, "/api/v1/shows/generate", GenerateRequest{NewsCount: 1, Channel: "zurich", Language: "de"})

	assert.Equal(t, http.StatusOK, w.Code)
	var res SyncResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, session.StatusSucceeded, res.Result.Status)
	assert.Equal(t, 4, len(res.Result.Results))
}

func TestGenerateSyncWindowExpires(t *testing.T) {
	cfg := defaultCfg
	cfg.SyncWindow = 10 * time.Millisecond
	env := newTestEnv(t, cfg)

	w := env.do(http.MethodPost, "/api/v1/shows/generate", GenerateRequest{NewsCount: 1, Channel: "zurich", Language: "de"})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t, defaultCfg)

	bodies := []any{
		map[string]any{"channel": "zurich", "language": "de"},
		map[string]any{"news_count": 1, "language": "de"},
		map[string]any{"news_count": 21, "channel": "zurich", "language": "de"},
		"not an object",
	}
	for _, body := range bodies {
		w := env.do(http.MethodPost, "/api/v1/shows/generate", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
	assert.Equal(t, int32(0), env.orch.submits.Load())
}

func TestGenerateOverloaded(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	env.orch.err = pipeline.ErrOverloaded

	w := env.do(http.MethodPost, "/api/v1/shows/generate", GenerateRequest{NewsCount: 1, Channel: "zurich", Language: "de"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	s, _ := env.store.Create(context.Background(), session.Params{Channel: "zurich", Language: "de", NewsCount: 1})

	w := env.do(http.MethodGet, "/api/v1/shows/"+s.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var view SessionView
	_ = json.Unmarshal(w.Body.Bytes(), &view)
	assert.Equal(t, s.ID, view.ID)
	assert.Equal(t, session.StatusQueued, view.Status)

	w = env.do(http.MethodGet, "/api/v1/shows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetFailedSessionReportsRetryable(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	ctx := context.Background()

	fail := func(kind session.ErrorKind) string {
		s, _ := env.store.Create(ctx, session.Params{Channel: "zurich", Language: "de", NewsCount: 1})
		_, err := env.store.Transition(ctx, s.ID, session.StatusQueued, session.StatusFailed, session.Patch{
			Error: &session.Error{Stage: session.StatusQueued, Kind: kind, Message: "boom"},
		})
		assert.Equal(t, nil, err)
		return s.ID
	}
	cases := map[session.ErrorKind]bool{
		session.KindUnavailable: true,
		session.KindCircuitOpen: true,
		session.KindValidation:  false,
		session.KindCancelled:   false,
	}
	for kind, retryable := range cases {
		w := env.do(http.MethodGet, "/api/v1/shows/"+fail(kind), nil)
		assert.Equal(t, http.StatusOK, w.Code)
		var view SessionView
		_ = json.Unmarshal(w.Body.Bytes(), &view)
		assert.Equal(t, kind, view.Error.Kind)
		assert.Equal(t, retryable, view.Error.Retryable)
	}
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	ctx := context.Background()
	a, _ := env.store.Create(ctx, session.Params{Channel: "zurich", Language: "de", NewsCount: 1})
	_, _ = env.store.Create(ctx, session.Params{Channel: "bern", Language: "de", NewsCount: 1})
	succeed(env.store, a.ID)

	w := env.do(http.MethodGet, "/api/v1/shows?channel=zurich", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var res ListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, a.ID, res.Sessions[0].ID)

	w = env.do(http.MethodGet, "/api/v1/shows?status=succeeded&limit=1", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	assert.Equal(t, 1, res.Count)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/shows?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/shows?limit=0", nil).Code)
}

func TestCancelSession(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	ctx := context.Background()
	running, _ := env.store.Create(ctx, session.Params{Channel: "zurich", Language: "de", NewsCount: 1})
	done, _ := env.store.Create(ctx, session.Params{Channel: "zurich", Language: "de", NewsCount: 1})
	succeed(env.store, done.ID)

	w := env.do(http.MethodPost, "/api/v1/shows/"+running.ID+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	var res CancelResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	assert.Equal(t, true, res.CancelRequested)

	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/v1/shows/"+done.ID+"/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/v1/shows/nope/cancel", nil).Code)
}

func TestServicesStatus(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	env.health.ready = false
	env.health.failing = []string{"audio"}
	env.health.snap = map[string]health.ServiceHealth{
		"audio": {ServiceName: "audio", Status: health.StatusUnreachable, ConsecutiveFailures: 3, Mandatory: true},
	}

	w := env.do(http.MethodGet, "/services/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var res ServicesResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	assert.Equal(t, false, res.Ready)
	assert.Equal(t, health.StatusUnreachable, res.Services["audio"].Status)

	w = env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, true, strings.Contains(w.Body.String(), `"status":"unhealthy"`))
}

func TestLivenessIgnoresReadiness(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	env.health.ready = false
	env.health.failing = []string{"content"}

	w := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var res HealthResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	assert.Equal(t, "ok", res.Status)
}

// The readiness scenario runs against a real aggregator and a real client
// polling an HTTP fake of the content service.
func TestHealthFollowsContentService(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var up atomic.Bool
	contentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer contentSrv.Close()
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer okSrv.Close()

	agg := health.NewAggregator(health.Options{FailureThreshold: 3, Logger: zerolog.Nop()})
	agg.Register(client.New(client.Config{Name: "content", BaseURL: contentSrv.URL}), true)
	agg.Register(client.New(client.Config{Name: "audio", BaseURL: okSrv.URL}), true)
	agg.Register(client.New(client.Config{Name: "data", BaseURL: okSrv.URL}), true)

	store := session.NewMemoryStore()
	router := New(defaultCfg, &fakeOrchestrator{store: store}, store, agg, nil, zerolog.Nop()).Router()
	get := func() int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		return w.Code
	}

	ctx := context.Background()
	agg.CheckAll(ctx)
	for i := 0; i < 2; i++ {
		_, _ = agg.Check(ctx, "content")
	}
	assert.Equal(t, health.StatusUnreachable, agg.Snapshot()["content"].Status)
	assert.Equal(t, http.StatusServiceUnavailable, get())

	up.Store(true)
	_, _ = agg.Check(ctx, "content")
	assert.Equal(t, http.StatusOK, get())
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	s, _ := env.store.Create(context.Background(), session.Params{Channel: "zurich", Language: "de", NewsCount: 1})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/shows/" + s.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, nil, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap StreamMessage
	assert.Equal(t, nil, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, session.StatusQueued, snap.Session.Status)

	at := s.UpdatedAt.Add(time.Second)
	env.bus.Publish(session.Event{SessionID: "other", To: session.StatusFailed, At: at})
	env.bus.Publish(session.Event{SessionID: s.ID, From: session.StatusQueued, To: session.StatusCollectingContent, At: at})
	env.bus.Publish(session.Event{SessionID: s.ID, From: session.StatusCollectingContent, To: session.StatusFailed, At: at.Add(time.Second)})

	var msg StreamMessage
	assert.Equal(t, nil, conn.ReadJSON(&msg))
	assert.Equal(t, "transition", msg.Type)
	assert.Equal(t, session.StatusCollectingContent, msg.Event.To)

	assert.Equal(t, nil, conn.ReadJSON(&msg))
	assert.Equal(t, session.StatusFailed, msg.Event.To)

	_, _, err = conn.ReadMessage()
	assert.Equal(t, true, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestEventStreamUnknownSession(t *testing.T) {
	env := newTestEnv(t, defaultCfg)
	w := env.do(http.MethodGet, "/api/v1/shows/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
