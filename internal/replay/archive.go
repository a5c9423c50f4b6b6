// Package replay keeps failed dispatch payloads so an operator can re-publish them.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cron-dispatch/internal/config"
)

// Record is one dispatch that could not be published.
type Record struct {
	Job          string    `json:"job"`
	EnqueueError string    `json:"enqueueError"`
	Dispatch     any       `json:"dispatch"`
	Event        any       `json:"event"`
	ArchivedAt   time.Time `json:"archivedAt"`
}

type writer interface {
	Write(ctx context.Context, key string, body []byte) (string, error)
}

// Archive stores records in S3 when a bucket is configured, otherwise on disk.
type Archive struct {
	w writer
}

// New picks the backend from config.
func New(ctx context.Context, cfg config.Config) (*Archive, error) {
	if cfg.ReplayS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archive{w: &s3Writer{client: client, bucket: cfg.ReplayS3Bucket}}, nil
	}
	return NewLocal(cfg.ReplayDir), nil
}

// NewLocal archives under dir.
func NewLocal(dir string) *Archive {
	if dir == "" {
		dir = "./replay"
	}
	return &Archive{w: &localWriter{baseDir: dir}}
}

// Save writes rec to "replay/{job}/{dispatchKey}.json" and returns its location.
func (a *Archive) Save(ctx context.Context, dispatchKey string, rec Record) (string, error) {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay record: %w", err)
	}
	return a.w.Write(ctx, Key(rec.Job, dispatchKey), body)
}

// Key is the object key for a job's dispatch.
func Key(job, dispatchKey string) string {
	return path.Join("replay", safe(job), safe(dispatchKey)+".json")
}

func safe(s string) string {
	return strings.NewReplacer("/", "_", ":", "_", "\\", "_", "..", "_").Replace(s)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReplayS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReplayS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReplayS3Endpoint)
		}
		o.UsePathStyle = cfg.ReplayS3PathStyle
	}), nil
}

type localWriter struct {
	baseDir string
}

func (l *localWriter) Write(_ context.Context, key string, body []byte) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Writer struct {
	client *s3.Client
	bucket string
}

func (s *s3Writer) Write(ctx context.Context, key string, body []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
