// Package report stores a JSON record of every batch run, locally or in S3.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"salon-waitlist/internal/config"
)

// Run is one batch invocation.
type Run struct {
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	Processor  string    `json:"processor"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Result     any       `json:"result"`
}

// Key is the object key of a run: runs/<job>/<yyyy-mm-dd>/<run_id>.json.
func (r Run) Key() string {
	return fmt.Sprintf("runs/%s/%s/%s.json", r.Job, r.StartedAt.UTC().Format("2006-01-02"), r.RunID)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Writer persists run reports. A nil *Writer discards them.
type Writer struct {
	up uploader
}

// NewWriter picks S3 when REPORT_S3_BUCKET is set, else REPORT_DIR. With
// neither configured it returns nil.
func NewWriter(ctx context.Context, cfg config.Config) (*Writer, error) {
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Writer{up: &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}}, nil
	}
	if cfg.ReportDir != "" {
		return NewLocalWriter(cfg.ReportDir), nil
	}
	return nil, nil
}

// NewLocalWriter writes reports under dir.
func NewLocalWriter(dir string) *Writer {
	return &Writer{up: &localUploader{baseDir: dir}}
}

// Write stores the report and returns its location.
func (w *Writer) Write(ctx context.Context, r Run) (string, error) {
	if w == nil || w.up == nil {
		return "", nil
	}
	if r.RunID == "" || r.Job == "" {
		return "", errors.New("run report needs run_id and job")
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run report: %w", err)
	}
	loc, err := w.up.Upload(ctx, r.Key(), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload run report: %w", err)
	}
	return loc, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ReportS3Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
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
