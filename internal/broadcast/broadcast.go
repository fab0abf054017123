// Package broadcast defines the typed artifacts that flow between pipeline
// stages. Every artifact is built through a constructor that rejects
// incomplete downstream responses, so a stage never forwards half a result.
package broadcast

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nadzzz/showrunner/internal/session"
)

// ErrInvalidArtifact is wrapped by every constructor failure.
var ErrInvalidArtifact = errors.New("invalid artifact")

func invalid(kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidArtifact, kind, fmt.Sprintf(format, args...))
}

// Request holds the caller's generation parameters.
type Request struct {
	Channel   string
	Language  string
	NewsCount int
	Speakers  []string
}

// RequestLimits bounds what a Request may ask for. Empty lists allow anything.
type RequestLimits struct {
	MaxNews   int
	Channels  []string
	Languages []string
}

// NewRequest validates and normalizes the caller's parameters.
func NewRequest(channel, language string, newsCount int, speakers []string, limits RequestLimits) (Request, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	language = strings.ToLower(strings.TrimSpace(language))

	if channel == "" {
		return Request{}, invalid("request", "channel is required")
	}
	if language == "" {
		return Request{}, invalid("request", "language is required")
	}
	if newsCount < 1 {
		return Request{}, invalid("request", "news_count must be at least 1, got %d", newsCount)
	}
	if limits.MaxNews > 0 && newsCount > limits.MaxNews {
		return Request{}, invalid("request", "news_count must be at most %d, got %d", limits.MaxNews, newsCount)
	}
	if len(limits.Channels) > 0 && !contains(limits.Channels, channel) {
		return Request{}, invalid("request", "unknown channel %q", channel)
	}
	if len(limits.Languages) > 0 && !contains(limits.Languages, language) {
		return Request{}, invalid("request", "unsupported language %q", language)
	}

	var clean []string
	seen := make(map[string]bool, len(speakers))
	for _, s := range speakers {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		clean = append(clean, s)
	}

	return Request{Channel: channel, Language: language, NewsCount: newsCount, Speakers: clean}, nil
}

// Params converts the request to the immutable session parameters.
func (r Request) Params() session.Params {
	return session.Params{
		Channel:   r.Channel,
		Language:  r.Language,
		NewsCount: r.NewsCount,
		Speakers:  append([]string(nil), r.Speakers...),
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// Item is a single news item in a content bundle.
type Item struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Summary  string `json:"summary,omitempty"`
	Source   string `json:"source,omitempty"`
	Language string `json:"language,omitempty"`
}

// ContentBundle is the output of content collection.
type ContentBundle struct {
	ID    string
	Items []Item
}

// NewContentBundle validates a collected bundle. Items without an ID or
// title are dropped; an empty bundle is valid and left to the caller's
// content policy.
func NewContentBundle(id string, items []Item) (ContentBundle, error) {
	if strings.TrimSpace(id) == "" {
		return ContentBundle{}, invalid("content bundle", "id is required")
	}
	kept := make([]Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" || strings.TrimSpace(it.Title) == "" {
			continue
		}
		kept = append(kept, it)
	}
	return ContentBundle{ID: id, Items: kept}, nil
}

// Len returns the number of usable items.
func (b ContentBundle) Len() int { return len(b.Items) }

// Ref returns the stage result reference.
func (b ContentBundle) Ref() session.Ref {
	return session.Ref{ID: b.ID, Count: len(b.Items)}
}

// Script is the generated broadcast script.
type Script struct {
	ID       string
	URI      string
	Language string
	Segments int
}

// NewScript validates a generated script.
func NewScript(id, uri, language string, segments int) (Script, error) {
	if strings.TrimSpace(id) == "" {
		return Script{}, invalid("script", "id is required")
	}
	if segments < 0 {
		return Script{}, invalid("script", "negative segment count %d", segments)
	}
	return Script{ID: id, URI: uri, Language: language, Segments: segments}, nil
}

func (s Script) Ref() session.Ref {
	return session.Ref{ID: s.ID, URI: s.URI, Count: s.Segments}
}

// Speaker is a voice used for synthesis.
type Speaker struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// NewSpeaker validates a speaker entry.
func NewSpeaker(id, name, voice string) (Speaker, error) {
	if strings.TrimSpace(id) == "" {
		return Speaker{}, invalid("speaker", "id is required")
	}
	return Speaker{ID: id, Name: name, Voice: voice}, nil
}

// SpeakerIDs returns the IDs of speakers in order.
func SpeakerIDs(speakers []Speaker) []string {
	ids := make([]string, 0, len(speakers))
	for _, s := range speakers {
		ids = append(ids, s.ID)
	}
	return ids
}

// AudioArtifact is the synthesized broadcast audio.
type AudioArtifact struct {
	ID              string
	URI             string
	DurationSeconds float64
}

// NewAudioArtifact validates a synthesized audio reference.
func NewAudioArtifact(id, uri string, duration float64) (AudioArtifact, error) {
	switch {
	case strings.TrimSpace(id) == "":
		return AudioArtifact{}, invalid("audio", "id is required")
	case strings.TrimSpace(uri) == "":
		return AudioArtifact{}, invalid("audio", "uri is required")
	case duration <= 0:
		return AudioArtifact{}, invalid("audio", "duration must be positive, got %v", duration)
	}
	return AudioArtifact{ID: id, URI: uri, DurationSeconds: duration}, nil
}

func (a AudioArtifact) Ref() session.Ref {
	return session.Ref{ID: a.ID, URI: a.URI, DurationSeconds: a.DurationSeconds}
}

// MediaArtifact is the final mixed broadcast.
type MediaArtifact struct {
	ID              string
	URI             string
	CoverURI        string
	DurationSeconds float64
}

// NewMediaArtifact validates an assembled media reference.
func NewMediaArtifact(id, uri, coverURI string, duration float64) (MediaArtifact, error) {
	if strings.TrimSpace(id) == "" {
		return MediaArtifact{}, invalid("media", "id is required")
	}
	if strings.TrimSpace(uri) == "" {
		return MediaArtifact{}, invalid("media", "uri is required")
	}
	if duration < 0 {
		return MediaArtifact{}, invalid("media", "negative duration %v", duration)
	}
	return MediaArtifact{ID: id, URI: uri, CoverURI: coverURI, DurationSeconds: duration}, nil
}

func (m MediaArtifact) Ref() session.Ref {
	return session.Ref{ID: m.ID, URI: m.URI, DurationSeconds: m.DurationSeconds}
}

// PersistedID identifies the stored broadcast record.
type PersistedID string

// NewPersistedID validates the data service's record id.
func NewPersistedID(id string) (PersistedID, error) {
	if strings.TrimSpace(id) == "" {
		return "", invalid("persisted id", "id is required")
	}
	return PersistedID(id), nil
}

func (p PersistedID) Ref() session.Ref {
	return session.Ref{ID: string(p)}
}
