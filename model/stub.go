package model

import (
	"context"
	"crypto/sha1" //nolint:gosec // deterministic fixture hashing, not cryptographic use
	"encoding/binary"
	"fmt"
	"strings"
)

// StubProvider is a deterministic in-memory Provider used by tests and the
// seed example documents. It has no network dependency: Complete echoes a
// templated reply derived from the last user message (optionally looked up
// in Replies by exact match), and Embed derives a stable pseudo-vector from
// the text's hash so repeated runs are reproducible.
type StubProvider struct {
	// Replies maps an exact last-user-message string to a canned response
	// text. If absent, Complete falls back to a generic echo reply.
	Replies map[string]string
}

// NewStubProvider creates a StubProvider with the given canned replies.
func NewStubProvider(replies map[string]string) *StubProvider {
	if replies == nil {
		replies = map[string]string{}
	}
	return &StubProvider{Replies: replies}
}

// Complete implements Provider. It never calls a tool and always produces
// exactly one final Delta, the minimal streaming sequence a model turn
// with no tool use produces.
func (p *StubProvider) Complete(ctx context.Context, messages []Message, params Params, tools []ToolSpec) (<-chan Delta, error) {
	text := p.reply(messages)
	ch := make(chan Delta, 2)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	ch <- Delta{TextDelta: text}
	ch <- Delta{
		Done: true,
		Final: &Response{
			Text:  text,
			Usage: Usage{InputTokens: approxTokens(messages), OutputTokens: approxWords(text), TotalTokens: approxTokens(messages) + approxWords(text)},
		},
	}
	close(ch)
	return ch, nil
}

// Embed implements Provider with a deterministic hash-derived vector so
// tests can assert stable cosine similarity without a real embedding model.
func (p *StubProvider) Embed(ctx context.Context, texts []string, dims int) ([][]float64, error) {
	if dims <= 0 {
		dims = 8
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, dims)
	}
	return out, nil
}

func (p *StubProvider) reply(messages []Message) string {
	var lastUser string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			lastUser = messages[i].Content
			break
		}
	}
	if reply, ok := p.Replies[lastUser]; ok {
		return reply
	}
	// Recall-by-substring: lets a stubbed "what's my name" style query
	// reuse a previously-seen "my name is X" turn from the same Replies
	// map, which is how the seed conversational-memory scenario is wired.
	lower := strings.ToLower(lastUser)
	if strings.Contains(lower, "name") {
		for _, m := range messages {
			if m.Role != RoleUser {
				continue
			}
			if idx := strings.Index(strings.ToLower(m.Content), "my name is "); idx >= 0 {
				name := strings.TrimSpace(m.Content[idx+len("my name is "):])
				name = strings.TrimSuffix(strings.TrimSuffix(name, "."), "!")
				return fmt.Sprintf("Your name is %s.", name)
			}
		}
	}
	return "stub response to: " + lastUser
}

func approxWords(s string) int {
	return len(strings.Fields(s))
}

func approxTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += approxWords(m.Content)
	}
	return total
}

func hashVector(text string, dims int) []float64 {
	sum := sha1.Sum([]byte(text)) //nolint:gosec
	vec := make([]float64, dims)
	for i := 0; i < dims; i++ {
		b := sum[i%len(sum):]
		var buf [4]byte
		copy(buf[:], b)
		v := binary.BigEndian.Uint32(buf[:])
		vec[i] = (float64(v%2000) - 1000) / 1000.0
	}
	return vec
}

var _ Provider = (*StubProvider)(nil)
