// Package archive writes a JSON manifest of every successful broadcast to S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/rs/zerolog"

	"github.com/nadzzz/showrunner/internal/session"
)

// Config locates the archive bucket.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible stores
	Prefix   string

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Manifest is the archived record of a finished broadcast.
type Manifest struct {
	SessionID  string                 `json:"session_id"`
	Params     session.Params         `json:"request_params"`
	Results    map[string]session.Ref `json:"stage_results"`
	CreatedAt  time.Time              `json:"created_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// S3Archiver uploads manifests with PutObject.
type S3Archiver struct {
	s3     s3iface.S3API
	bucket string
	prefix string
	logger zerolog.Logger
}

// New builds an archiver with its own AWS session.
func New(cfg Config, logger zerolog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	sess, err := awssession.NewSessionWithOptions(awssession.Options{
		Config:            *awsCfg,
		SharedConfigState: awssession.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return NewWithClient(s3.New(sess), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient wraps an existing S3 client.
func NewWithClient(client s3iface.S3API, bucket, prefix string, logger zerolog.Logger) *S3Archiver {
	return &S3Archiver{
		s3:     client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Key returns the object key of a session's manifest.
func (a *S3Archiver) Key(s *session.Session) string {
	return path.Join(a.prefix, s.Params.Channel, s.ID+".json")
}

// Archive uploads the manifest of a succeeded session. Other sessions are ignored.
func (a *S3Archiver) Archive(ctx context.Context, s *session.Session) error {
	if s.Status != session.StatusSucceeded {
		return nil
	}
	m := Manifest{
		SessionID:  s.ID,
		Params:     s.Params,
		Results:    make(map[string]session.Ref, len(s.Results)),
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.UpdatedAt,
	}
	for stage, ref := range s.Results {
		m.Results[string(stage)] = ref
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	key := a.Key(s)
	_, err = a.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		a.logger.Error().Err(err).Str("bucket", a.bucket).Str("key", key).Msg("failed to upload manifest")
		return fmt.Errorf("uploading manifest %s: %w", key, err)
	}
	a.logger.Debug().Str("bucket", a.bucket).Str("key", key).Msg("manifest archived")
	return nil
}
