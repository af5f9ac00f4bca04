package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "lock-audit"}, wantErr: true},
		{name: "default driver is s3", cfg: Config{Bucket: "lock-audit", S3Client: &fakeS3Client{}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if store == nil {
				t.Fatalf("New returned nil store")
			}
		})
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory, Prefix: "site-a/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := []byte(`{"version":"lock.sweep.v1","purged":3}`)
	if err := store.Put(context.Background(), "/sweeps/1.json", payload, PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"purged": "3"},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := store.Get(context.Background(), "sweeps/1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Key != "sweeps/1.json" || !bytes.Equal(obj.Data, payload) || obj.ContentType != "application/json" {
		t.Fatalf("unexpected object: %+v", obj)
	}

	// Returned slices/maps are copies.
	obj.Data[0] = 'X'
	obj.Metadata["purged"] = "changed"
	reload, err := store.Get(context.Background(), "sweeps/1.json")
	if err != nil {
		t.Fatalf("Get reload: %v", err)
	}
	if reload.Data[0] != '{' || reload.Metadata["purged"] != "3" {
		t.Fatalf("stored object was mutated through a returned copy")
	}

	if _, err := store.Get(context.Background(), "sweeps/2.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []string{"", "   ", "\x00bad", "\nnewline"} {
		if err := store.Put(context.Background(), key, []byte("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q): expected ErrInvalidKey, got %v", key, err)
		}
		if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Get(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestS3StorePutGet(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		putFn: func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			if got, want := aws.ToString(in.Bucket), "lock-audit"; got != want {
				return nil, errors.New("bucket mismatch: " + got)
			}
			if got, want := aws.ToString(in.Key), "prod/sweeps/1.json"; got != want {
				return nil, errors.New("key mismatch: " + got)
			}
			if got, want := aws.ToString(in.ContentType), "application/json"; got != want {
				return nil, errors.New("content type mismatch: " + got)
			}
			return &s3.PutObjectOutput{}, nil
		},
		getFn: func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			if got, want := aws.ToString(in.Key), "prod/sweeps/1.json"; got != want {
				return nil, errors.New("key mismatch: " + got)
			}
			return &s3.GetObjectOutput{
				Body:        io.NopCloser(strings.NewReader(`{"purged":1}`)),
				ContentType: aws.String("application/json"),
				Metadata:    map[string]string{"purged": "1"},
			}, nil
		},
	}
	store, err := New(Config{
		Driver:   DriverS3,
		Bucket:   "lock-audit",
		Prefix:   "/prod/",
		S3Client: client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := store.Put(context.Background(), "sweeps/1.json", []byte(`{"purged":1}`), PutOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	obj, err := store.Get(context.Background(), "sweeps/1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(obj.Data) != `{"purged":1}` || obj.Metadata["purged"] != "1" {
		t.Fatalf("unexpected object: %+v", obj)
	}
}

func TestS3StoreMapsNotFoundAndSize(t *testing.T) {
	t.Parallel()

	missing, err := New(Config{
		Bucket: "lock-audit",
		S3Client: &fakeS3Client{
			getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
				return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := missing.Get(context.Background(), "sweeps/x.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	large, err := New(Config{
		Bucket:     "lock-audit",
		MaxGetSize: 8,
		S3Client: &fakeS3Client{
			getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
				return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("this payload is too large"))}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := large.Get(context.Background(), "sweeps/x.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.msg }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code + ": " + f.msg }

func TestMemoryStoreEnforcesMaxGetSize(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory, MaxGetSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.Put(context.Background(), "sweeps/latest.json", []byte("12345"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Get(context.Background(), "sweeps/latest.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}
