// Package archive uploads rendered record documents to object storage so
// reviewers can read any version without touching the database.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// Service writes one markdown object per version, keyed
// <owner>/<label>/v<seq>.md.
type Service struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool, log zerolog.Logger) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	return &Service{
		client: client,
		bucket: bucket,
		log:    log.With().Str("component", "archive").Logger(),
	}, nil
}

// EnsureBucket creates the archive bucket when missing.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// PutDocument stores one rendered document. Failures are logged by the
// caller's queue worker; versions are already durable in the log table.
func (s *Service) PutDocument(ctx context.Context, owner, label string, seq int64, doc []byte) error {
	key := fmt.Sprintf("%s/%s/v%d.md", owner, label, seq)
	putCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := s.client.PutObject(putCtx, s.bucket, key, bytes.NewReader(doc), int64(len(doc)), minio.PutObjectOptions{
		ContentType: "text/markdown",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Msg("archived document")
	return nil
}
