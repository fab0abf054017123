package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nadzzz/showrunner/internal/broadcast"
	"github.com/nadzzz/showrunner/internal/client"
	"github.com/nadzzz/showrunner/internal/downstream"
	"github.com/nadzzz/showrunner/internal/session"
)

var (
	errInsufficientContent = errors.New("insufficient content")
	errMissingInput        = errors.New("missing stage input")
)

// execute runs the work owed by the session's current status and returns
// the transition that records it.
func (o *Orchestrator) execute(ctx context.Context, log zerolog.Logger, s *session.Session) (session.Status, session.Patch, error) {
	switch s.Status {
	case session.StatusQueued:
		return session.StatusCollectingContent, session.Patch{}, nil

	case session.StatusCollectingContent:
		bundle, err := o.collect(ctx, log, s)
		if err != nil {
			return "", session.Patch{}, err
		}
		return session.StatusGeneratingScript, resultPatch(session.StageCollectContent, bundle.Ref()), nil

	case session.StatusGeneratingScript:
		script, err := o.script(ctx, s)
		if err != nil {
			return "", session.Patch{}, err
		}
		return session.StatusSynthesizingAudio, resultPatch(session.StageGenerateScript, script.Ref()), nil

	case session.StatusSynthesizingAudio:
		audio, err := o.synthesize(ctx, log, s)
		if err != nil {
			return "", session.Patch{}, err
		}
		return session.StatusAssemblingMedia, resultPatch(session.StageSynthesizeAudio, audio.Ref()), nil

	case session.StatusAssemblingMedia:
		media, err := o.assemble(ctx, s)
		if err != nil {
			return "", session.Patch{}, err
		}
		id, err := o.finalize(ctx, s, media)
		if err != nil {
			return "", session.Patch{}, fmt.Errorf("finalize: %w", err)
		}
		return session.StatusSucceeded, session.Patch{Results: session.Results{
			session.StageAssembleMedia: media.Ref(),
			session.StageFinalize:      id.Ref(),
		}}, nil
	}
	return "", session.Patch{}, fmt.Errorf("no stage for status %q", s.Status)
}

func resultPatch(stage session.Stage, ref session.Ref) session.Patch {
	return session.Patch{Results: session.Results{stage: ref}}
}

func input(s *session.Session, stage session.Stage) (session.Ref, error) {
	ref, ok := s.Results[stage]
	if !ok || ref.ID == "" {
		return session.Ref{}, fmt.Errorf("%w: %s", errMissingInput, stage)
	}
	return ref, nil
}

func (o *Orchestrator) collect(ctx context.Context, log zerolog.Logger, s *session.Session) (broadcast.ContentBundle, error) {
	var bundle broadcast.ContentBundle
	err := o.retry(ctx, func(ctx context.Context) error {
		var err error
		bundle, err = o.svc.Content.Collect(ctx, downstream.CollectRequest{
			SessionID: s.ID,
			Channel:   s.Params.Channel,
			Language:  s.Params.Language,
			Count:     s.Params.NewsCount,
		})
		return err
	})
	if err != nil {
		return bundle, err
	}

	if bundle.Len() < s.Params.NewsCount {
		log.Info().Int("requested", s.Params.NewsCount).Int("collected", bundle.Len()).Msg("partial content collected")
	}
	if o.policy.ContentMandatory && bundle.Len() < o.policy.MinContentItems {
		return bundle, fmt.Errorf("%w: collected %d items, need at least %d",
			errInsufficientContent, bundle.Len(), o.policy.MinContentItems)
	}
	return bundle, nil
}

func (o *Orchestrator) script(ctx context.Context, s *session.Session) (broadcast.Script, error) {
	bundle, err := input(s, session.StageCollectContent)
	if err != nil {
		return broadcast.Script{}, err
	}
	var script broadcast.Script
	err = o.retry(ctx, func(ctx context.Context) error {
		var err error
		script, err = o.svc.Content.GenerateScript(ctx, downstream.ScriptRequest{
			SessionID: s.ID,
			BundleID:  bundle.ID,
			Language:  s.Params.Language,
			Speakers:  s.Params.Speakers,
		})
		return err
	})
	return script, err
}

func (o *Orchestrator) synthesize(ctx context.Context, log zerolog.Logger, s *session.Session) (broadcast.AudioArtifact, error) {
	script, err := input(s, session.StageGenerateScript)
	if err != nil {
		return broadcast.AudioArtifact{}, err
	}
	speakers := o.speakers(ctx, log, s)

	var audio broadcast.AudioArtifact
	err = o.retry(ctx, func(ctx context.Context) error {
		var err error
		audio, err = o.svc.Audio.Synthesize(ctx, downstream.SynthesizeRequest{
			SessionID: s.ID,
			ScriptID:  script.ID,
			Language:  s.Params.Language,
			Speakers:  speakers,
		})
		return err
	})
	return audio, err
}

// speakers picks the voices for synthesis: the request's own, then the
// speaker service, then the configured defaults.
func (o *Orchestrator) speakers(ctx context.Context, log zerolog.Logger, s *session.Session) []string {
	if len(s.Params.Speakers) > 0 {
		return s.Params.Speakers
	}
	if o.svc.Speaker != nil {
		resolved, err := o.svc.Speaker.Resolve(ctx, s.Params.Channel, s.Params.Language)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("speaker lookup failed, using defaults")
		case len(resolved) > 0:
			return broadcast.SpeakerIDs(resolved)
		}
	}
	return o.policy.DefaultSpeakers
}

func (o *Orchestrator) assemble(ctx context.Context, s *session.Session) (broadcast.MediaArtifact, error) {
	audio, err := input(s, session.StageSynthesizeAudio)
	if err != nil {
		return broadcast.MediaArtifact{}, err
	}
	var media broadcast.MediaArtifact
	err = o.retry(ctx, func(ctx context.Context) error {
		var err error
		media, err = o.svc.Media.Assemble(ctx, downstream.AssembleRequest{
			SessionID:   s.ID,
			AudioID:     audio.ID,
			Channel:     s.Params.Channel,
			CoverAssets: o.policy.CoverAssets[s.Params.Channel],
		})
		return err
	})
	return media, err
}

func (o *Orchestrator) finalize(ctx context.Context, s *session.Session, media broadcast.MediaArtifact) (broadcast.PersistedID, error) {
	req := downstream.PersistRequest{
		SessionID: s.ID,
		Channel:   s.Params.Channel,
		Language:  s.Params.Language,
		NewsCount: s.Params.NewsCount,
		Speakers:  s.Params.Speakers,
		BundleID:  s.Results[session.StageCollectContent].ID,
		ScriptID:  s.Results[session.StageGenerateScript].ID,
		AudioID:   s.Results[session.StageSynthesizeAudio].ID,
		Media:     media,
	}
	var id broadcast.PersistedID
	err := o.retry(ctx, func(ctx context.Context) error {
		var err error
		id, err = o.svc.Data.Persist(ctx, req)
		return err
	})
	return id, err
}

// retry runs fn, re-attempting only Unavailable failures within the
// stage retry budget.
func (o *Orchestrator) retry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if client.KindOf(err) != client.KindUnavailable || attempt >= o.policy.StageRetries || ctx.Err() != nil {
			return err
		}
		delay := client.Backoff(attempt, o.policy.StageBackoffBase, o.policy.StageBackoffMax, o.jitter)
		if serr := o.sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

// classify maps a stage error to the kind recorded on the session.
func (o *Orchestrator) classify(runCtx context.Context, err error) session.ErrorKind {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return session.KindDeadlineExceeded
	}
	switch client.KindOf(err) {
	case client.KindUnavailable:
		return session.KindUnavailable
	case client.KindCircuitOpen:
		return session.KindCircuitOpen
	case client.KindValidation:
		return session.KindValidation
	}
	switch {
	case errors.Is(err, errInsufficientContent):
		return session.KindInsufficient
	case errors.Is(err, broadcast.ErrInvalidArtifact):
		return session.KindValidation
	case errors.Is(err, context.DeadlineExceeded):
		return session.KindDeadlineExceeded
	}
	return session.KindInternal
}
