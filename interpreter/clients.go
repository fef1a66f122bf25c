package interpreter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/index"
	"github.com/bazaarvoice/qtype/model"
	"github.com/bazaarvoice/qtype/secretref"
	"github.com/bazaarvoice/qtype/tool"
)

// clientCache holds model/index/tool clients by id with a
// time-to-live since last use. Entries past the TTL are rebuilt on
// next access; the cache itself never dials anything.
type clientCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	value    any
	lastUsed time.Time
}

func newClientCache(ttl time.Duration) *clientCache {
	return &clientCache{ttl: ttl, entries: map[string]*cacheEntry{}}
}

func (c *clientCache) get(key string, build func() (any, error)) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if e, ok := c.entries[key]; ok && now.Sub(e.lastUsed) < c.ttl {
		e.lastUsed = now
		return e.value, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	c.entries[key] = &cacheEntry{value: v, lastUsed: now}
	return v, nil
}

// providerFor resolves the model entity behind ref and the live
// Provider bound to it. Providers are looked up by the entity's
// provider name first, then by model id.
func (env *runEnv) providerFor(ref *dsl.Ref) (model.Provider, *dsl.Model, error) {
	m, ok := env.interp.sem.Model(ref)
	if !ok {
		return nil, nil, &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: "model reference did not survive checking"}
	}
	if p, ok := env.interp.cfg.Providers[m.Provider]; ok {
		return p, m, nil
	}
	if p, ok := env.interp.cfg.Providers[m.ID]; ok {
		return p, m, nil
	}
	return nil, nil, &core.RuntimeError{
		Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation,
		Message: fmt.Sprintf("no provider bound for model %q (provider %q)", m.ID, m.Provider),
	}
}

// indexFor resolves the index entity behind ref and its live client.
// Unbound indexes get a process-local in-memory client so ingestion and
// query flows in one process share state.
func (env *runEnv) indexFor(ref *dsl.Ref) (index.Index, *dsl.Index, error) {
	idx, ok := env.interp.sem.Index(ref)
	if !ok {
		return nil, nil, &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: "index reference did not survive checking"}
	}
	if client, ok := env.interp.cfg.Indexes[idx.ID]; ok {
		return client, idx, nil
	}
	it := env.interp
	it.mu.Lock()
	defer it.mu.Unlock()
	mem, ok := it.memIndexes[idx.ID]
	if !ok {
		mem = index.NewMemIndex()
		it.memIndexes[idx.ID] = mem
	}
	return mem, idx, nil
}

// adapterFor resolves the transport adapter for a tool, caching HTTP
// adapters (with resolved auth headers) by tool id.
func (env *runEnv) adapterFor(ctx context.Context, t *dsl.Tool) (tool.Adapter, error) {
	switch t.Kind {
	case dsl.ToolNative:
		impl, ok := env.interp.cfg.NativeTools.Lookup(t.FunctionName)
		if !ok {
			return nil, &core.RuntimeError{
				Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation,
				Message: fmt.Sprintf("native tool function %q is not registered", t.FunctionName),
			}
		}
		return tool.NewNativeAdapter(impl), nil
	case dsl.ToolAPI:
		v, err := env.interp.clients.get("tool:"+t.ID, func() (any, error) {
			headers := make(map[string]string, len(t.Headers)+1)
			for k, hv := range t.Headers {
				headers[k] = hv
			}
			if auth, ok := env.interp.sem.Auth(t.Auth); ok {
				if err := applyAuthHeader(ctx, env.interp.cfg.Secrets, auth, headers); err != nil {
					return nil, err
				}
			}
			return tool.NewHTTPAdapter(t.Endpoint, t.Method, headers), nil
		})
		if err != nil {
			return nil, err
		}
		return v.(tool.Adapter), nil
	default:
		return nil, &core.RuntimeError{Class: core.RuntimeFatal, Code: core.RuntimeInvariantViolation, Message: fmt.Sprintf("unknown tool kind %q", t.Kind)}
	}
}

// applyAuthHeader resolves an AuthorizationProvider into request
// headers. API-key and bearer providers are handled by the core HTTP
// adapter; oauth2 and AWS signing need a transport this module does not
// carry and fail loudly instead of silently sending unsigned requests.
func applyAuthHeader(ctx context.Context, secrets secretref.Resolver, auth *dsl.AuthorizationProvider, headers map[string]string) error {
	switch auth.Kind {
	case dsl.AuthAPIKey:
		key, err := secretref.ResolveField(ctx, secrets, auth.APIKey)
		if err != nil {
			return err
		}
		headers[auth.HeaderName] = key
	case dsl.AuthBearer:
		token, err := secretref.ResolveField(ctx, secrets, auth.Token)
		if err != nil {
			return err
		}
		headers["Authorization"] = "Bearer " + token
	default:
		return fmt.Errorf("interpreter: auth provider %q kind %q is not supported by the HTTP tool adapter", auth.ID, auth.Kind)
	}
	return nil
}
