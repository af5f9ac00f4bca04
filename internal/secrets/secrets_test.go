package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	gotID string
	out   *secretsmanager.GetSecretValueOutput
	err   error
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.gotID = *in.SecretId
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "LOCKTOKENS_TEST_POSTGRES_DSN"
	t.Setenv(key, "  postgres://locks@db/locks  ")

	got, err := NewEnv().Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "postgres://locks@db/locks" {
		t.Fatalf("value mismatch: got %q", got)
	}
	if _, err := NewEnv().Get(context.Background(), "LOCKTOKENS_MISSING_ENV_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	client := &fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{SecretString: strPtr(" postgres://x ")}}
	p, err := NewAWSWithClient(client)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), " locks/postgres-dsn ")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "postgres://x" || client.gotID != "locks/postgres-dsn" {
		t.Fatalf("got %q id=%q", got, client.gotID)
	}

	empty, _ := NewAWSWithClient(&fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{}})
	if _, err := empty.Get(context.Background(), "locks/empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	failing, _ := NewAWSWithClient(&fakeAWSClient{err: errors.New("access denied")})
	if _, err := failing.Get(context.Background(), "locks/x"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	const key = "LOCKTOKENS_TEST_RESOLVE_DSN"
	t.Setenv(key, "from-env")

	p, err := New(context.Background(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, err := Resolve(context.Background(), p, " literal ", key); err != nil || got != "literal" {
		t.Fatalf("literal: got %q err=%v", got, err)
	}
	if got, err := Resolve(context.Background(), p, "", key); err != nil || got != "from-env" {
		t.Fatalf("env: got %q err=%v", got, err)
	}
	if _, err := Resolve(context.Background(), p, "", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(context.Background(), "vault"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unknown driver, got %v", err)
	}
}

func strPtr(v string) *string { return &v }
