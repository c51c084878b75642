package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"orca/pkg/models"
)

// LogStore archives the captured output of execution units.
type LogStore interface {
	// Store saves a unit's output and returns a reference path or URL.
	Store(ctx context.Context, unit models.ExecutionUnit) (string, error)
	// Retrieve fetches archived output by reference.
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// FormatOutput renders a unit's streams as one plain text document.
func FormatOutput(unit models.ExecutionUnit) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# unit %s job %s system %s\n", unit.ID, unit.JobID, unit.SystemID)
	fmt.Fprintf(&b, "# command: %s\n", unit.Command)
	fmt.Fprintf(&b, "# status: %s", unit.Status)
	if unit.ExitCode != nil {
		fmt.Fprintf(&b, " exit_code: %d", *unit.ExitCode)
	}
	if unit.OutputTruncated {
		b.WriteString(" (output truncated, tail kept)")
	}
	b.WriteString("\n--- stdout ---\n")
	b.WriteString(unit.Stdout)
	b.WriteString("\n--- stderr ---\n")
	b.WriteString(unit.Stderr)
	return b.Bytes()
}

func outputKey(unit models.ExecutionUnit) string {
	day := unit.CreatedAt
	if unit.CompletedAt != nil {
		day = *unit.CompletedAt
	}
	return fmt.Sprintf("%s/%s/%s.log", day.UTC().Format("2006/01/02"), unit.JobID, unit.ID)
}

// S3LogStore stores output in S3-compatible storage
type S3LogStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3LogStoreConfig holds S3 configuration
type S3LogStoreConfig struct {
	Bucket          string
	Prefix          string // e.g., "orca/output/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3LogStore creates a new S3-backed log store
func NewS3LogStore(ctx context.Context, cfg S3LogStoreConfig) (*S3LogStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 log store: bucket is required")
	}
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// Custom credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3LogStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Store uploads a unit's output
func (s *S3LogStore) Store(ctx context.Context, unit models.ExecutionUnit) (string, error) {
	key := s.prefix + outputKey(unit)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(FormatOutput(unit)),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"job-id":    unit.JobID.String(),
			"system-id": unit.SystemID.String(),
			"status":    string(unit.Status),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload output to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches output from S3
func (s *S3LogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key, err := s.extractKey(reference)
	if err != nil {
		return nil, err
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get output from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return data, nil
}

func (s *S3LogStore) extractKey(reference string) (string, error) {
	rest, ok := strings.CutPrefix(reference, "s3://")
	if !ok {
		return reference, nil
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket != s.bucket {
		return "", fmt.Errorf("reference %q is not in bucket %s: %w", reference, s.bucket, ErrNotFound)
	}
	return key, nil
}

// LocalLogStore stores output on the local filesystem (for development/single-node)
type LocalLogStore struct {
	basePath string
}

// NewLocalLogStore creates a local filesystem log store
func NewLocalLogStore(basePath string) (*LocalLogStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &LocalLogStore{basePath: basePath}, nil
}

// Store writes a unit's output below the base path
func (l *LocalLogStore) Store(ctx context.Context, unit models.ExecutionUnit) (string, error) {
	path := filepath.Join(l.basePath, filepath.FromSlash(outputKey(unit)))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, FormatOutput(unit), 0644); err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	return path, nil
}

// Retrieve reads output back, refusing paths outside the base path
func (l *LocalLogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	rel, err := filepath.Rel(l.basePath, reference)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("reference %q outside log store: %w", reference, ErrNotFound)
	}
	data, err := os.ReadFile(reference)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}
