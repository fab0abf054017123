// Package downstream defines the contracts of the services the pipeline
// orchestrates. The HTTP implementations live in downstream/remote.
//
// Every stage call carries the session ID so the remote side can derive an
// idempotency key; retrying a call must never duplicate persisted state.
package downstream

import (
	"context"
	"time"

	"github.com/nadzzz/showrunner/internal/broadcast"
)

// CollectRequest asks for up to Count fresh news items for a channel.
type CollectRequest struct {
	SessionID string
	Channel   string
	Language  string
	Count     int
}

// ScriptRequest asks for a script built from a collected bundle.
type ScriptRequest struct {
	SessionID string
	BundleID  string
	Language  string
	Speakers  []string
}

// SynthesizeRequest asks for the audio rendering of a script.
type SynthesizeRequest struct {
	SessionID string
	ScriptID  string
	Language  string
	Speakers  []string
}

// AssembleRequest asks for the final mix of the audio with channel assets.
type AssembleRequest struct {
	SessionID   string
	AudioID     string
	Channel     string
	CoverAssets []string
}

// PersistRequest is the completed session result handed to the data service.
type PersistRequest struct {
	SessionID string
	Channel   string
	Language  string
	NewsCount int
	Speakers  []string
	BundleID  string
	ScriptID  string
	AudioID   string
	Media     broadcast.MediaArtifact
}

// Event is an analytics record.
type Event struct {
	Name      string
	SessionID string
	Channel   string
	Status    string
	Duration  time.Duration
	At        time.Time
}

// ContentService collects news and writes scripts.
type ContentService interface {
	Collect(ctx context.Context, req CollectRequest) (broadcast.ContentBundle, error)
	GenerateScript(ctx context.Context, req ScriptRequest) (broadcast.Script, error)
}

// AudioService renders scripts to speech.
type AudioService interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) (broadcast.AudioArtifact, error)
}

// MediaService mixes audio with music and cover art.
type MediaService interface {
	Assemble(ctx context.Context, req AssembleRequest) (broadcast.MediaArtifact, error)
}

// DataService stores finished broadcasts.
type DataService interface {
	Persist(ctx context.Context, req PersistRequest) (broadcast.PersistedID, error)
}

// SpeakerService returns the voices configured for a channel.
type SpeakerService interface {
	Resolve(ctx context.Context, channel, language string) ([]broadcast.Speaker, error)
}

// AnalyticsService records pipeline events.
type AnalyticsService interface {
	Track(ctx context.Context, ev Event) error
}

// Services bundles every collaborator. Speaker and Analytics are optional.
type Services struct {
	Content   ContentService
	Audio     AudioService
	Media     MediaService
	Data      DataService
	Speaker   SpeakerService
	Analytics AnalyticsService
}

// IdempotencyKey is the key sent with every stage call.
func IdempotencyKey(sessionID, stage string) string {
	return sessionID + ":" + stage
}
