// Package secretref resolves declarative secret references. The
// document layer only carries the reference shape
// (dsl.SecretReference); this package owns resolution, behind a
// pluggable Resolver so the core never bakes in a specific secret
// backend. The default chain layers resolvers highest precedence first:
// environment variables, then an optional secrets file.
package secretref

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/bazaarvoice/qtype/dsl"
)

// Resolver turns a SecretReference into its secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref dsl.SecretReference) (string, error)
}

// ResolveField resolves a SecretField: literals pass through untouched,
// references go through r. A nil r with a reference-form field is an
// error, not an empty string, so misconfiguration fails loudly.
func ResolveField(ctx context.Context, r Resolver, f dsl.SecretField) (string, error) {
	if f.Ref == nil {
		return f.Literal, nil
	}
	if r == nil {
		return "", fmt.Errorf("secretref: no resolver configured for secret %q", f.Ref.SecretName)
	}
	return r.Resolve(ctx, *f.Ref)
}

// EnvResolver resolves secret_name as an environment variable. A key
// selects a field out of a JSON-object-valued variable.
type EnvResolver struct{}

func (EnvResolver) Resolve(_ context.Context, ref dsl.SecretReference) (string, error) {
	val, ok := os.LookupEnv(ref.SecretName)
	if !ok {
		return "", fmt.Errorf("secretref: environment variable %q is not set", ref.SecretName)
	}
	return extractKey(val, ref)
}

// FileResolver reads secrets from a JSON file mapping secret names to
// string values or JSON objects (selected into with ref.Key). The file
// is read once and cached.
type FileResolver struct {
	Path string

	once    sync.Once
	loadErr error
	secrets map[string]json.RawMessage
}

func (r *FileResolver) Resolve(_ context.Context, ref dsl.SecretReference) (string, error) {
	r.once.Do(func() {
		data, err := os.ReadFile(r.Path) // #nosec G304 -- path is operator-supplied configuration
		if err != nil {
			r.loadErr = fmt.Errorf("secretref: reading %s: %w", r.Path, err)
			return
		}
		r.loadErr = json.Unmarshal(data, &r.secrets)
	})
	if r.loadErr != nil {
		return "", r.loadErr
	}
	raw, ok := r.secrets[ref.SecretName]
	if !ok {
		return "", fmt.Errorf("secretref: secret %q not found in %s", ref.SecretName, r.Path)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return extractKey(s, ref)
	}
	return extractKey(string(raw), ref)
}

// Chain tries each resolver in order, highest precedence first,
// returning the first successful resolution.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, ref dsl.SecretReference) (string, error) {
	var lastErr error
	for _, r := range c {
		val, err := r.Resolve(ctx, ref)
		if err == nil {
			return val, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("secretref: empty resolver chain")
	}
	return "", lastErr
}

// Default returns the standard chain: environment variables first, then
// an optional JSON secrets file.
func Default(secretsFile string) Resolver {
	chain := Chain{EnvResolver{}}
	if secretsFile != "" {
		chain = append(chain, &FileResolver{Path: secretsFile})
	}
	return chain
}

// extractKey applies ref.Key against a JSON-object-shaped value. Without
// a key the value passes through as is.
func extractKey(val string, ref dsl.SecretReference) (string, error) {
	if ref.Key == "" {
		return val, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(val), &obj); err != nil {
		return "", fmt.Errorf("secretref: secret %q is not a JSON object but key %q was requested", ref.SecretName, ref.Key)
	}
	field, ok := obj[ref.Key]
	if !ok {
		return "", fmt.Errorf("secretref: secret %q has no key %q", ref.SecretName, ref.Key)
	}
	if s, ok := field.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", field), nil
}
