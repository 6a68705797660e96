// Package archive keeps zstd-compressed copies of destroyed blueprint
// documents in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"
)

// ErrNotArchived is returned by Fetch for an unknown blueprint ID.
var ErrNotArchived = errors.New("blueprint document is not archived")

// Archiver stores and retrieves the final document of a destroyed blueprint.
type Archiver interface {
	Archive(ctx context.Context, id string, document []byte) error
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// Compress zstd-encodes data.
func Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archived document: %w", err)
	}
	return out, nil
}

// Memory is an in-process Archiver.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

var _ Archiver = (*Memory)(nil)

// NewMemory creates an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Archive(_ context.Context, id string, document []byte) error {
	packed, err := Compress(document)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id] = packed
	return nil
}

func (m *Memory) Fetch(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	packed, ok := m.objects[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", id, ErrNotArchived)
	}
	return Decompress(packed)
}

// S3Options configures NewS3.
type S3Options struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3 archives documents as "<prefix><id>.json.zst" objects.
type S3 struct {
	api    *s3.Client
	bucket string
	prefix string
}

var _ Archiver = (*S3)(nil)

// NewS3 builds the S3 client. Static credentials are used when both keys are
// set, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("create archive: bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3{api: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// Key returns the object key of id.
func (a *S3) Key(id string) string {
	return a.prefix + id + ".json.zst"
}

func (a *S3) Archive(ctx context.Context, id string, document []byte) error {
	packed, err := Compress(document)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(document)
	key := a.Key(id)
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(packed),
		ContentLength:   aws.Int64(int64(len(packed))),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("zstd"),
		Metadata: map[string]string{
			"blueprint-id": id,
			"sha256":       hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return fmt.Errorf("archive blueprint %s to s3://%s/%s: %w", id, a.bucket, key, err)
	}
	return nil
}

func (a *S3) Fetch(ctx context.Context, id string) ([]byte, error) {
	key := a.Key(id)
	out, err := a.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("fetch %s: %w", id, ErrNotArchived)
		}
		return nil, fmt.Errorf("fetch s3://%s/%s: %w", a.bucket, key, err)
	}
	defer out.Body.Close()
	packed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", a.bucket, key, err)
	}
	return Decompress(packed)
}
