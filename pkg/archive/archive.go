// Package archive periodically writes full state snapshots to S3, giving
// operators a history of the mirrored node state outside the live wire.
package archive

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/chainview-dev/chainview/pkg/protocol"
)

// Source produces the snapshot to archive. The hub satisfies it.
type Source interface {
	Snapshot(ctx context.Context) (protocol.Message, error)
}

// Uploader is the slice of the S3 client the archiver uses; tests
// substitute a recorder.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds archiver settings.
type Config struct {
	Bucket string
	// Prefix is prepended to every object key. Default: "snapshots/".
	Prefix string
	// Interval between snapshots. Default: 5 minutes.
	Interval time.Duration
	Logger   *slog.Logger
}

// Archiver uploads one snapshot per interval under a timestamped key.
type Archiver struct {
	client   Uploader
	source   Source
	bucket   string
	prefix   string
	interval time.Duration
	logger   *slog.Logger

	now func() time.Time
}

// New builds an archiver over an existing S3 client.
func New(client Uploader, source Source, cfg Config) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "snapshots/"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client:   client,
		source:   source,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		interval: cfg.Interval,
		logger:   logger.With("component", "archive"),
		now:      time.Now,
	}
}

// NewFromEnvironment builds an archiver with an S3 client from the
// default AWS credential chain. Region overrides the environment when
// non-empty.
func NewFromEnvironment(ctx context.Context, source Source, region string, cfg Config) (*Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return New(s3.NewFromConfig(awsCfg), source, cfg), nil
}

// Run archives on the configured interval until ctx is canceled. A failed
// snapshot or upload is logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("archiver started", "bucket", a.bucket, "interval", a.interval)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return
		case <-ticker.C:
			if err := a.ArchiveOnce(ctx); err != nil {
				a.logger.Error("snapshot archive failed", "error", err)
			}
		}
	}
}

// ArchiveOnce takes one snapshot and uploads it.
func (a *Archiver) ArchiveOnce(ctx context.Context) error {
	snapshot, err := a.source.Snapshot(ctx)
	if err != nil {
		return err
	}
	raw, err := snapshot.Encode()
	if err != nil {
		return err
	}

	key := a.objectKey(a.now().UTC())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return err
	}

	a.logger.Debug("snapshot archived", "key", key, "bytes", len(raw))
	return nil
}

// objectKey partitions snapshots by day so lifecycle rules and listing
// stay cheap.
func (a *Archiver) objectKey(ts time.Time) string {
	return a.prefix + ts.Format("2006/01/02/150405") + ".json"
}
