package history

import (
	"fmt"

	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

type modeKind int

const (
	modeKeepAll modeKind = iota
	modeKeepLastN
	modeSummarizeOver
)

// Mode bounds how much raw history is replayed into model calls.
//
// Three variants:
//   - KeepAll: no compression, the full log is replayed.
//   - KeepLastN(n): the newest n turns stay raw; older turns are folded
//     into a running summary.
//   - SummarizeOver(threshold): turns stay raw until their estimated
//     token size exceeds threshold; the overflow is folded into a
//     running summary.
//
// A Mode also acts as the persistence key for checkpoints, so changing
// a pipeline's mode starts a fresh checkpoint lineage rather than
// reinterpreting an old one.
type Mode struct {
	kind modeKind
	n    int
}

// KeepAll returns the mode that never compresses.
func KeepAll() Mode {
	return Mode{kind: modeKeepAll}
}

// KeepLastN returns the mode that keeps the newest n turns raw.
// n must be at least 1.
func KeepLastN(n int) Mode {
	if n < 1 {
		n = 1
	}
	return Mode{kind: modeKeepLastN, n: n}
}

// SummarizeOver returns the mode that compresses once the replayed
// history exceeds roughly threshold tokens.
func SummarizeOver(threshold int) Mode {
	if threshold < 1 {
		threshold = 1
	}
	return Mode{kind: modeSummarizeOver, n: threshold}
}

// Key returns the stable string identifying this mode in checkpoint
// storage.
func (m Mode) Key() string {
	switch m.kind {
	case modeKeepLastN:
		return fmt.Sprintf("keep_last_%d", m.n)
	case modeSummarizeOver:
		return fmt.Sprintf("summarize_over_%d", m.n)
	default:
		return "keep_all"
	}
}

// compresses reports whether this mode ever writes checkpoints.
func (m Mode) compresses() bool {
	return m.kind != modeKeepAll
}

// keepCount returns how many of the newest turns stay raw under this
// mode. The remainder is the compression candidate set.
func (m Mode) keepCount(turns []repo.Turn) int {
	switch m.kind {
	case modeKeepLastN:
		if m.n > len(turns) {
			return len(turns)
		}
		return m.n
	case modeSummarizeOver:
		// Walk newest-first until the token estimate is spent. At least
		// one turn always stays raw.
		budget := m.n
		keep := 0
		for i := len(turns) - 1; i >= 0; i-- {
			cost := estimateTokens(turns[i])
			if keep > 0 && cost > budget {
				break
			}
			budget -= cost
			keep++
		}
		return keep
	default:
		return len(turns)
	}
}

// estimateTokens approximates the token cost of one turn. Four bytes
// per token is a coarse but serviceable heuristic for bounding context.
func estimateTokens(t repo.Turn) int {
	n := (len(t.Human) + len(t.AI)) / 4
	if n < 1 {
		n = 1
	}
	return n
}
