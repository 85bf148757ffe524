// Package archive exports terminal queue entries to object storage once
// their retention window ends, then stamps them archived so dashboard
// queries and the processor stop seeing them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"missed-call-recovery/internal/config"
	"missed-call-recovery/internal/models"
)

const batchSize = 200

// Store is the slice of the Postgres layer the archiver needs.
type Store interface {
	ArchiveCandidates(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error)
	MarkArchived(ctx context.Context, id string, at time.Time) error
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver drains retention-expired entries into an S3 bucket as one JSON
// document per entry, keyed by tenant.
type Archiver struct {
	store  Store
	upload uploader
	now    func() time.Time
}

// New builds an archiver against the configured bucket. It errors when no
// bucket is configured; callers skip the archive loop in that case.
func New(ctx context.Context, cfg config.Config, st Store) (*Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is not configured")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Archiver{
		store:  st,
		upload: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket},
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Run archives one batch of candidates. Per-entry failures are logged and
// skipped; the entry stays a candidate for the next pass.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	now := a.now()
	entries, err := a.store.ArchiveCandidates(ctx, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("archive candidates: %w", err)
	}

	archived := 0
	for _, entry := range entries {
		if err := a.archiveEntry(ctx, entry, now); err != nil {
			log.Printf("[archive] entry=%s: %v", entry.ID, err)
			continue
		}
		archived++
	}
	return archived, nil
}

func (a *Archiver) archiveEntry(ctx context.Context, entry models.QueueEntry, now time.Time) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	key := fmt.Sprintf("%s/%s.json", entry.TenantID, entry.ID)
	if _, err := a.upload.Upload(ctx, key, body, "application/json"); err != nil {
		return err
	}
	// Archived_at is the record of a durable export; only stamp it after
	// the object landed.
	if err := a.store.MarkArchived(ctx, entry.ID, now); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
