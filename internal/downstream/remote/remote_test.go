package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/nadzzz/showrunner/internal/client"
	"github.com/nadzzz/showrunner/internal/downstream"
)

func noSleep(context.Context, time.Duration) error { return nil }

func serve(t *testing.T, mux *http.ServeMux) *client.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return client.New(client.Config{Name: "test", BaseURL: srv.URL, MaxRetries: 1}, client.WithSleep(noSleep))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestContentCollectAndScript(t *testing.T) {
	var collectKey, scriptKey string
	var collected collectBody
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/collect", func(w http.ResponseWriter, r *http.Request) {
		collectKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&collected)
		writeJSON(w, map[string]any{
			"bundle_id": "b-1",
			"items": []map[string]string{
				{"id": "n1", "title": "Lake Zurich freezes"},
				{"id": "n2", "title": ""},
			},
		})
	})
	mux.HandleFunc("POST /v1/scripts", func(w http.ResponseWriter, r *http.Request) {
		scriptKey = r.Header.Get("Idempotency-Key")
		writeJSON(w, map[string]any{"script_id": "s-1", "uri": "mem://s-1", "segments": 3})
	})
	svc := NewContent(serve(t, mux))

	bundle, err := svc.Collect(context.Background(), downstream.CollectRequest{SessionID: "sess", Channel: "zurich", Count: 5})
	assert.Equal(t, nil, err)
	assert.Equal(t, "b-1", bundle.ID)
	assert.Equal(t, 1, bundle.Len())
	assert.Equal(t, "sess:collect_content", collectKey)
	assert.Equal(t, 5, collected.Count)
	assert.Equal(t, "zurich", collected.Channel)

	script, err := svc.GenerateScript(context.Background(), downstream.ScriptRequest{SessionID: "sess", BundleID: "b-1", Language: "de"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "s-1", script.ID)
	assert.Equal(t, "de", script.Language)
	assert.Equal(t, "sess:generate_script", scriptKey)
}

func TestMalformedResponseIsValidationError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/synthesize", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"audio_id": "a-1"})
	})
	svc := NewAudio(serve(t, mux))

	_, err := svc.Synthesize(context.Background(), downstream.SynthesizeRequest{SessionID: "s", ScriptID: "x"})
	assert.Equal(t, client.KindValidation, client.KindOf(err))
}

func TestMediaDataAndSpeakers(t *testing.T) {
	var persisted persistBody
	var speakerQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/assemble", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"media_id": "m-1", "uri": "mem://m-1.mp3", "cover_uri": "mem://c.png", "duration_seconds": 61.0})
	})
	mux.HandleFunc("POST /v1/broadcasts", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&persisted)
		writeJSON(w, map[string]any{"id": "rec-1"})
	})
	mux.HandleFunc("GET /v1/speakers", func(w http.ResponseWriter, r *http.Request) {
		speakerQuery = r.URL.RawQuery
		writeJSON(w, map[string]any{"speakers": []map[string]string{{"id": "anna"}, {"name": "nobody"}}})
	})
	c := serve(t, mux)

	media, err := NewMedia(c).Assemble(context.Background(), downstream.AssembleRequest{SessionID: "s", AudioID: "a-1", Channel: "zurich"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "mem://c.png", media.CoverURI)

	id, err := NewData(c).Persist(context.Background(), downstream.PersistRequest{SessionID: "s", Channel: "zurich", Media: media})
	assert.Equal(t, nil, err)
	assert.Equal(t, "rec-1", string(id))
	assert.Equal(t, "m-1", persisted.MediaID)
	assert.Equal(t, 61.0, persisted.Duration)

	speakers, err := NewSpeaker(c).Resolve(context.Background(), "zurich", "de")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(speakers))
	assert.Equal(t, "channel=zurich&language=de", speakerQuery)
}

func TestAnalyticsTrack(t *testing.T) {
	var got eventBody
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	})
	a := NewAnalytics(serve(t, mux))

	err := a.Track(context.Background(), downstream.Event{
		Name:      "broadcast_succeeded",
		SessionID: "s",
		Duration:  1500 * time.Millisecond,
		At:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1500), got.DurationMS)
	assert.Equal(t, "2026-01-02T03:04:05.000Z", got.At)
}
