package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"
)

// DefaultMaxGetSize bounds Get; sweep reports are a few hundred bytes.
const DefaultMaxGetSize int64 = 1 << 20

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store keeps the cleanup job's audit documents.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (Object, error)
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string
	// MaxGetSize defaults to DefaultMaxGetSize when <= 0.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

// S3Client is the subset of *s3.Client the store calls.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	ks := keyspace{
		prefix:  strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		maxSize: cfg.MaxGetSize,
	}
	if ks.maxSize <= 0 {
		ks.maxSize = DefaultMaxGetSize
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case DriverMemory:
		return &memoryStore{keyspace: ks, objects: make(map[string]Object)}, nil
	case "", DriverS3:
		bucket := strings.TrimSpace(cfg.Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		}
		if cfg.S3Client == nil {
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		return &s3Store{keyspace: ks, client: cfg.S3Client, bucket: bucket}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// keyspace maps logical keys like "sweeps/latest.json" to stored keys under the prefix.
type keyspace struct {
	prefix  string
	maxSize int64
}

func (k keyspace) resolve(key string) (logical, stored string, err error) {
	if key != strings.TrimSpace(key) {
		return "", "", fmt.Errorf("%w: surrounding whitespace", ErrInvalidKey)
	}
	logical = strings.TrimLeft(key, "/")
	if logical == "" {
		return "", "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsFunc(logical, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return "", "", fmt.Errorf("%w: control characters", ErrInvalidKey)
	}
	if k.prefix == "" {
		return logical, logical, nil
	}
	return logical, k.prefix + "/" + logical, nil
}

func (k keyspace) checkSize(logical string, n int64) error {
	if n > k.maxSize {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, logical, k.maxSize)
	}
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}

type memoryStore struct {
	keyspace

	mu      sync.RWMutex
	objects map[string]Object
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	logical, stored, err := m.resolve(key)
	if err != nil {
		return err
	}
	obj := Object{
		Key:          logical,
		Data:         bytes.Clone(payload),
		ContentType:  opts.ContentType,
		Metadata:     copyMetadata(opts.Metadata),
		LastModified: time.Now().UTC(),
	}

	m.mu.Lock()
	m.objects[stored] = obj
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	logical, stored, err := m.resolve(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[stored]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
	}
	if err := m.checkSize(logical, int64(len(obj.Data))); err != nil {
		return Object{}, err
	}
	obj.Data = bytes.Clone(obj.Data)
	obj.Metadata = copyMetadata(obj.Metadata)
	return obj, nil
}

type s3Store struct {
	keyspace

	client S3Client
	bucket string
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	logical, stored, err := s.resolve(key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(stored),
		Body:     bytes.NewReader(payload),
		Metadata: copyMetadata(opts.Metadata),
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("blobstore/s3: put %s: %w", logical, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	logical, stored, err := s.resolve(key)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stored),
	})
	if err != nil {
		if isMissingObject(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %s: %w", logical, err)
	}
	defer func() { _ = out.Body.Close() }()

	// One byte past the limit is enough to tell an oversized object apart.
	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %s: %w", logical, err)
	}
	if err := s.checkSize(logical, int64(len(data))); err != nil {
		return Object{}, err
	}
	return Object{
		Key:          logical,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     copyMetadata(out.Metadata),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func isMissingObject(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "NoSuchKey" || code == "NotFound"
}
