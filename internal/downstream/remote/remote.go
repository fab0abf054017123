// Package remote implements the downstream service contracts over HTTP
// using the shared retrying client.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nadzzz/showrunner/internal/broadcast"
	"github.com/nadzzz/showrunner/internal/client"
	"github.com/nadzzz/showrunner/internal/downstream"
	"github.com/nadzzz/showrunner/internal/session"
)

// Caller is the subset of client.Client used here.
type Caller interface {
	Call(ctx context.Context, req client.Request, out any) error
}

// rejected wraps a constructor failure as a validation error so the
// orchestrator aborts instead of retrying a malformed response.
func rejected(service string, err error) error {
	return &client.Error{Service: service, Kind: client.KindValidation, Attempts: 1, Err: err}
}

// Content talks to the content service.
type Content struct{ c Caller }

// NewContent returns a content service adapter.
func NewContent(c Caller) *Content { return &Content{c: c} }

type collectBody struct {
	Channel  string `json:"channel"`
	Language string `json:"language,omitempty"`
	Count    int    `json:"count"`
}

type collectResponse struct {
	BundleID string           `json:"bundle_id"`
	Items    []broadcast.Item `json:"items"`
}

// Collect fetches up to req.Count news items. Fewer items is not an error.
func (s *Content) Collect(ctx context.Context, req downstream.CollectRequest) (broadcast.ContentBundle, error) {
	var resp collectResponse
	err := s.c.Call(ctx, client.Request{
		Method:         http.MethodPost,
		Path:           "/v1/collect",
		Body:           collectBody{Channel: req.Channel, Language: req.Language, Count: req.Count},
		IdempotencyKey: downstream.IdempotencyKey(req.SessionID, string(session.StageCollectContent)),
	}, &resp)
	if err != nil {
		return broadcast.ContentBundle{}, err
	}
	bundle, err := broadcast.NewContentBundle(resp.BundleID, resp.Items)
	if err != nil {
		return broadcast.ContentBundle{}, rejected("content", err)
	}
	return bundle, nil
}

type scriptBody struct {
	BundleID string   `json:"bundle_id"`
	Language string   `json:"language"`
	Speakers []string `json:"speakers,omitempty"`
}

type scriptResponse struct {
	ScriptID string `json:"script_id"`
	URI      string `json:"uri"`
	Language string `json:"language"`
	Segments int    `json:"segments"`
}

// GenerateScript writes a broadcast script for a collected bundle.
func (s *Content) GenerateScript(ctx context.Context, req downstream.ScriptRequest) (broadcast.Script, error) {
	var resp scriptResponse
	err := s.c.Call(ctx, client.Request{
		Method:         http.MethodPost,
		Path:           "/v1/scripts",
		Body:           scriptBody{BundleID: req.BundleID, Language: req.Language, Speakers: req.Speakers},
		IdempotencyKey: downstream.IdempotencyKey(req.SessionID, string(session.StageGenerateScript)),
	}, &resp)
	if err != nil {
		return broadcast.Script{}, err
	}
	lang := resp.Language
	if lang == "" {
		lang = req.Language
	}
	script, err := broadcast.NewScript(resp.ScriptID, resp.URI, lang, resp.Segments)
	if err != nil {
		return broadcast.Script{}, rejected("content", err)
	}
	return script, nil
}

// Audio talks to the speech synthesis service.
type Audio struct{ c Caller }

// NewAudio returns an audio service adapter.
func NewAudio(c Caller) *Audio { return &Audio{c: c} }

type synthesizeBody struct {
	ScriptID string   `json:"script_id"`
	Language string   `json:"language"`
	Speakers []string `json:"speakers"`
}

type audioResponse struct {
	AudioID         string  `json:"audio_id"`
	URI             string  `json:"uri"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Synthesize renders the script to a single audio file.
func (s *Audio) Synthesize(ctx context.Context, req downstream.SynthesizeRequest) (broadcast.AudioArtifact, error) {
	var resp audioResponse
	err := s.c.Call(ctx, client.Request{
		Method:         http.MethodPost,
		Path:           "/v1/synthesize",
		Body:           synthesizeBody{ScriptID: req.ScriptID, Language: req.Language, Speakers: req.Speakers},
		IdempotencyKey: downstream.IdempotencyKey(req.SessionID, string(session.StageSynthesizeAudio)),
	}, &resp)
	if err != nil {
		return broadcast.AudioArtifact{}, err
	}
	audio, err := broadcast.NewAudioArtifact(resp.AudioID, resp.URI, resp.DurationSeconds)
	if err != nil {
		return broadcast.AudioArtifact{}, rejected("audio", err)
	}
	return audio, nil
}

// Media talks to the media assembly service.
type Media struct{ c Caller }

// NewMedia returns a media service adapter.
func NewMedia(c Caller) *Media { return &Media{c: c} }

type assembleBody struct {
	AudioID     string   `json:"audio_id"`
	Channel     string   `json:"channel"`
	CoverAssets []string `json:"cover_assets,omitempty"`
}

type mediaResponse struct {
	MediaID         string  `json:"media_id"`
	URI             string  `json:"uri"`
	CoverURI        string  `json:"cover_uri"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Assemble combines audio and channel assets into a video.
func (s *Media) Assemble(ctx context.Context, req downstream.AssembleRequest) (broadcast.MediaArtifact, error) {
	var resp mediaResponse
	err := s.c.Call(ctx, client.Request{
		Method:         http.MethodPost,
		Path:           "/v1/assemble",
		Body:           assembleBody{AudioID: req.AudioID, Channel: req.Channel, CoverAssets: req.CoverAssets},
		IdempotencyKey: downstream.IdempotencyKey(req.SessionID, string(session.StageAssembleMedia)),
	}, &resp)
	if err != nil {
		return broadcast.MediaArtifact{}, err
	}
	media, err := broadcast.NewMediaArtifact(resp.MediaID, resp.URI, resp.CoverURI, resp.DurationSeconds)
	if err != nil {
		return broadcast.MediaArtifact{}, rejected("media", err)
	}
	return media, nil
}

// Data talks to the persistence service.
type Data struct{ c Caller }

// NewData returns a data service adapter.
func NewData(c Caller) *Data { return &Data{c: c} }

type persistBody struct {
	SessionID string   `json:"session_id"`
	Channel   string   `json:"channel"`
	Language  string   `json:"language"`
	NewsCount int      `json:"news_count"`
	Speakers  []string `json:"speakers,omitempty"`
	BundleID  string   `json:"bundle_id"`
	ScriptID  string   `json:"script_id"`
	AudioID   string   `json:"audio_id"`
	MediaID   string   `json:"media_id"`
	MediaURI  string   `json:"media_uri"`
	CoverURI  string   `json:"cover_uri,omitempty"`
	Duration  float64  `json:"duration_seconds"`
}

// Persist stores the finished broadcast and returns its id.
func (s *Data) Persist(ctx context.Context, req downstream.PersistRequest) (broadcast.PersistedID, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := s.c.Call(ctx, client.Request{
		Method: http.MethodPost,
		Path:   "/v1/broadcasts",
		Body: persistBody{
			SessionID: req.SessionID,
			Channel:   req.Channel,
			Language:  req.Language,
			NewsCount: req.NewsCount,
			Speakers:  req.Speakers,
			BundleID:  req.BundleID,
			ScriptID:  req.ScriptID,
			AudioID:   req.AudioID,
			MediaID:   req.Media.ID,
			MediaURI:  req.Media.URI,
			CoverURI:  req.Media.CoverURI,
			Duration:  req.Media.DurationSeconds,
		},
		IdempotencyKey: downstream.IdempotencyKey(req.SessionID, string(session.StageFinalize)),
	}, &resp)
	if err != nil {
		return "", err
	}
	id, err := broadcast.NewPersistedID(resp.ID)
	if err != nil {
		return "", rejected("data", err)
	}
	return id, nil
}

// Speaker talks to the voice configuration service.
type Speaker struct{ c Caller }

// NewSpeaker returns a speaker service adapter.
func NewSpeaker(c Caller) *Speaker { return &Speaker{c: c} }

// Resolve returns the channel's configured speakers. Invalid entries are skipped.
func (s *Speaker) Resolve(ctx context.Context, channel, language string) ([]broadcast.Speaker, error) {
	var resp struct {
		Speakers []broadcast.Speaker `json:"speakers"`
	}
	err := s.c.Call(ctx, client.Request{
		Method: http.MethodGet,
		Path:   "/v1/speakers",
		Query:  url.Values{"channel": {channel}, "language": {language}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]broadcast.Speaker, 0, len(resp.Speakers))
	for _, sp := range resp.Speakers {
		v, err := broadcast.NewSpeaker(sp.ID, sp.Name, sp.Voice)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Analytics talks to the analytics service.
type Analytics struct{ c Caller }

// NewAnalytics returns an analytics service adapter.
func NewAnalytics(c Caller) *Analytics { return &Analytics{c: c} }

type eventBody struct {
	Name       string `json:"name"`
	SessionID  string `json:"session_id"`
	Channel    string `json:"channel,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	At         string `json:"at"`
}

// Track sends one lifecycle event.
func (s *Analytics) Track(ctx context.Context, ev downstream.Event) error {
	err := s.c.Call(ctx, client.Request{
		Method: http.MethodPost,
		Path:   "/v1/events",
		Body: eventBody{
			Name:       ev.Name,
			SessionID:  ev.SessionID,
			Channel:    ev.Channel,
			Status:     ev.Status,
			DurationMS: ev.Duration.Milliseconds(),
			At:         ev.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		},
		IdempotencyKey: downstream.IdempotencyKey(ev.SessionID, ev.Name),
	}, nil)
	if err != nil {
		return fmt.Errorf("tracking %s: %w", ev.Name, err)
	}
	return nil
}

// Clients holds one client per downstream service.
type Clients struct {
	Content   *client.Client
	Audio     *client.Client
	Media     *client.Client
	Data      *client.Client
	Speaker   *client.Client
	Analytics *client.Client
}

// Services builds the contract implementations. Nil optional clients leave
// the matching service unset.
func (cs Clients) Services() downstream.Services {
	svc := downstream.Services{
		Content: NewContent(cs.Content),
		Audio:   NewAudio(cs.Audio),
		Media:   NewMedia(cs.Media),
		Data:    NewData(cs.Data),
	}
	if cs.Speaker != nil {
		svc.Speaker = NewSpeaker(cs.Speaker)
	}
	if cs.Analytics != nil {
		svc.Analytics = NewAnalytics(cs.Analytics)
	}
	return svc
}
