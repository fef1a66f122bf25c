// Package memory implements the per-session chat-history store: an
// append-only sequence of (role, content, token_count) turns keyed by
// (session_id, memory_id), with token-based eviction in token_flush_size
// multiples and a read path that assembles a context window under the
// chat_history_token_ratio budget. It is the interpreter's only mutable
// shared surface; implementations serialize per-key mutation.
package memory

import (
	"context"

	"github.com/bazaarvoice/qtype/dsl"
)

// Turn is one stored chat exchange half: a user, assistant, tool, or
// system message with its token cost.
type Turn struct {
	Role    string
	Content string
	Tokens  int
}

// Store is the shared chat-history contract. Append commits a turn and
// applies eviction against mem's token_limit; History returns the newest
// turns fitting in mem's chat-history budget, oldest first. Both must be
// safe under concurrent executor dispatch; mutation is serialized per
// (session_id, memory_id).
type Store interface {
	Append(ctx context.Context, sessionID string, mem *dsl.Memory, turn Turn) error
	History(ctx context.Context, sessionID string, mem *dsl.Memory) ([]Turn, error)
}

// historyBudget is the portion of the memory's token limit reserved for
// chat history on read.
func historyBudget(mem *dsl.Memory) int {
	return int(float64(mem.TokenLimit) * mem.ChatHistoryTokenRatio)
}

// evictionPlan returns how many of the oldest turns to drop so the total
// comes back under the limit, removing whole turns in multiples of
// token_flush_size tokens. turns is oldest first.
func evictionPlan(turns []Turn, mem *dsl.Memory) int {
	total := 0
	for _, t := range turns {
		total += t.Tokens
	}
	if total <= mem.TokenLimit {
		return 0
	}
	flush := mem.TokenFlushSize
	if flush <= 0 {
		flush = dsl.DefaultTokenFlushSize
	}
	drop, freed := 0, 0
	for drop < len(turns) && total-freed > mem.TokenLimit {
		// Free at least one whole flush unit per round, whole turns only.
		target := freed + flush
		for drop < len(turns) && freed < target {
			freed += turns[drop].Tokens
			drop++
		}
	}
	return drop
}

// trimToBudget returns the longest suffix of turns whose token sum fits
// in budget, preserving order.
func trimToBudget(turns []Turn, budget int) []Turn {
	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		if total+turns[i].Tokens > budget {
			break
		}
		total += turns[i].Tokens
		start = i
	}
	out := make([]Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}
