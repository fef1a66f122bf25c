package secretref

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bazaarvoice/qtype/dsl"
)

func TestResolveField_Literal(t *testing.T) {
	got, err := ResolveField(context.Background(), nil, dsl.SecretField{Literal: "plain"})
	if err != nil {
		t.Fatalf("ResolveField: %v", err)
	}
	if got != "plain" {
		t.Errorf("got %q, want plain", got)
	}
}

func TestResolveField_NoResolver(t *testing.T) {
	_, err := ResolveField(context.Background(), nil, dsl.SecretField{Ref: &dsl.SecretReference{SecretName: "X"}})
	if err == nil {
		t.Fatal("ResolveField succeeded with nil resolver, want error")
	}
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("QTYPE_SECRET", "s3cr3t")
	got, err := EnvResolver{}.Resolve(context.Background(), dsl.SecretReference{SecretName: "QTYPE_SECRET"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "s3cr3t" {
		t.Errorf("got %q, want s3cr3t", got)
	}

	if _, err := (EnvResolver{}).Resolve(context.Background(), dsl.SecretReference{SecretName: "QTYPE_SECRET_UNSET"}); err == nil {
		t.Error("Resolve of unset variable succeeded, want error")
	}
}

func TestEnvResolver_KeyExtraction(t *testing.T) {
	t.Setenv("QTYPE_SECRET_JSON", `{"username": "alice", "password": "hunter2"}`)
	got, err := EnvResolver{}.Resolve(context.Background(), dsl.SecretReference{SecretName: "QTYPE_SECRET_JSON", Key: "password"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("got %q, want hunter2", got)
	}
}

func TestFileResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	content := `{"api_key": "k-123", "db": {"user": "svc", "pass": "p"}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing secrets: %v", err)
	}
	r := &FileResolver{Path: path}

	got, err := r.Resolve(context.Background(), dsl.SecretReference{SecretName: "api_key"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "k-123" {
		t.Errorf("got %q, want k-123", got)
	}

	got, err = r.Resolve(context.Background(), dsl.SecretReference{SecretName: "db", Key: "pass"})
	if err != nil {
		t.Fatalf("Resolve with key: %v", err)
	}
	if got != "p" {
		t.Errorf("got %q, want p", got)
	}

	if _, err := r.Resolve(context.Background(), dsl.SecretReference{SecretName: "missing"}); err == nil {
		t.Error("Resolve of missing secret succeeded, want error")
	}
}

func TestChain_Precedence(t *testing.T) {
	t.Setenv("SHARED_NAME", "from-env")
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte(`{"SHARED_NAME": "from-file", "ONLY_FILE": "file-val"}`), 0o600); err != nil {
		t.Fatalf("writing secrets: %v", err)
	}
	chain := Default(path)

	got, err := chain.Resolve(context.Background(), dsl.SecretReference{SecretName: "SHARED_NAME"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "from-env" {
		t.Errorf("got %q, want env to win over file", got)
	}

	got, err = chain.Resolve(context.Background(), dsl.SecretReference{SecretName: "ONLY_FILE"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "file-val" {
		t.Errorf("got %q, want file fallback", got)
	}
}
