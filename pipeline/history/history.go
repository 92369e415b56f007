// Package history manages the three conversational memory scopes of a
// pipeline run and their compression checkpoints.
//
// Scopes:
//   - Global: the session's canonical message log.
//   - Scoped: a (historyType, name)-keyed sub-history so distinct nodes
//     keep independent memory within the same session.
//   - Ephemeral: held only in the run's state, never persisted; this
//     package does not touch it.
//
// Compression folds turns older than the active Mode's bound into a
// running summary stored on the newest covered turn. Checkpoints are
// monotonic: once a turn is covered by a summary it is never expanded
// back to raw form under the same mode.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

// Service composes the repository with a summarizer model. All
// persistence flows through the repository port; the summarizer is only
// consulted when a compression actually rewrites a summary.
type Service struct {
	Repo       repo.Repository
	Summarizer model.ChatModel
}

// NewService creates a history Service. The summarizer may be nil, in
// which case compression falls back to a plain-text digest of the
// dropped turns.
func NewService(r repo.Repository, summarizer model.ChatModel) *Service {
	return &Service{Repo: r, Summarizer: summarizer}
}

// LoadGlobal returns the replayable context of the session's global
// history: the latest checkpoint summary (if any) as a system message,
// followed by the raw turns after it.
func (s *Service) LoadGlobal(ctx context.Context, sessionID string) ([]model.Message, error) {
	turns, err := s.Repo.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	return replayable(turns), nil
}

// LoadScoped returns the replayable context of the (historyType, name)
// scoped history, creating the scope on first use. The scope record is
// returned for subsequent appends and checkpoints.
func (s *Service) LoadScoped(ctx context.Context, sessionID, historyType, name string) ([]model.Message, repo.ScopedHistory, error) {
	scope, err := s.Repo.GetOrCreateScopedHistory(ctx, sessionID, historyType, name)
	if err != nil {
		return nil, repo.ScopedHistory{}, fmt.Errorf("failed to resolve scoped history: %w", err)
	}
	turns, err := s.Repo.GetScopedMessages(ctx, scope.ID)
	if err != nil {
		return nil, repo.ScopedHistory{}, fmt.Errorf("failed to load scoped history: %w", err)
	}
	return replayable(turns), scope, nil
}

// AppendGlobal records one completed exchange on the global scope.
func (s *Service) AppendGlobal(ctx context.Context, sessionID, human, ai string) (repo.Turn, error) {
	return s.Repo.SaveSessionMessage(ctx, sessionID, human, ai)
}

// AppendScoped records one completed exchange on a scoped history.
func (s *Service) AppendScoped(ctx context.Context, historyID int64, human, ai string) (repo.Turn, error) {
	return s.Repo.SaveScopedMessage(ctx, historyID, human, ai)
}

// CheckpointGlobal applies the compression algorithm to the global
// scope under the given mode.
//
// If the log is within the mode's bound, or the boundary has not moved
// since the last checkpoint, only checkpoint metadata is written (the
// marker path). Otherwise the summary covering everything up to the new
// boundary is recomputed from the previous summary plus the newly
// dropped turns, and written through the summary path. Running twice
// with no new messages takes the marker path the second time.
//
// The returned bool reports whether a summary was actually rewritten.
func (s *Service) CheckpointGlobal(ctx context.Context, sessionID string, mode Mode) (bool, error) {
	if !mode.compresses() {
		return false, nil
	}

	turns, err := s.Repo.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to load session history: %w", err)
	}

	var prev repo.CompressionCheckpoint
	prev, err = s.Repo.GetCompressionCheckpoint(ctx, sessionID, mode.Key())
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, fmt.Errorf("failed to load compression checkpoint: %w", err)
	}

	boundary, result, err := s.compress(ctx, turns, prev.TurnID, mode)
	if err != nil {
		return false, err
	}
	if err := s.Repo.SaveCompressionCheckpoint(ctx, sessionID, boundary, mode.Key(), result); err != nil {
		return false, fmt.Errorf("failed to save compression checkpoint: %w", err)
	}
	return !result.IsMarker(), nil
}

// CheckpointScoped applies the compression algorithm to a scoped
// history, mirroring CheckpointGlobal. The scope record is the one
// returned by LoadScoped; its CheckpointTurn field anchors idempotence.
func (s *Service) CheckpointScoped(ctx context.Context, scope repo.ScopedHistory, mode Mode) (bool, error) {
	if !mode.compresses() {
		return false, nil
	}

	turns, err := s.Repo.GetScopedMessages(ctx, scope.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load scoped history: %w", err)
	}

	boundary, result, err := s.compress(ctx, turns, scope.CheckpointTurn, mode)
	if err != nil {
		return false, err
	}
	if err := s.Repo.UpdateScopedCompression(ctx, scope.ID, boundary, mode.Key(), result); err != nil {
		return false, fmt.Errorf("failed to update scoped compression: %w", err)
	}
	return !result.IsMarker(), nil
}

// compress computes the new boundary turn id and the tagged result.
// prevBoundary is the id of the newest turn covered by the previous
// checkpoint, zero when none exists.
func (s *Service) compress(ctx context.Context, turns []repo.Turn, prevBoundary int64, mode Mode) (int64, repo.Compression, error) {
	keep := mode.keepCount(turns)
	drop := len(turns) - keep
	if drop <= 0 {
		// Within bound: metadata-only write.
		return prevBoundary, repo.CompressionMarker(), nil
	}

	boundary := turns[drop-1].ID
	if boundary <= prevBoundary {
		// Boundary unchanged since the last checkpoint.
		return prevBoundary, repo.CompressionMarker(), nil
	}

	prevSummary := ""
	var fresh []repo.Turn
	for _, t := range turns[:drop] {
		if t.ID <= prevBoundary {
			if t.Summary != "" {
				prevSummary = t.Summary
			}
			continue
		}
		fresh = append(fresh, t)
	}

	text, err := s.summarize(ctx, prevSummary, fresh)
	if err != nil {
		return 0, repo.Compression{}, fmt.Errorf("failed to summarize history: %w", err)
	}
	return boundary, repo.CompressionSummary(text), nil
}

const summarizerPrompt = "You condense conversation history. Merge the existing summary " +
	"with the new exchanges into one short factual summary. Keep names, " +
	"decisions and open questions. Reply with the summary only."

// summarize folds the previous summary and the newly dropped turns into
// a replacement summary.
func (s *Service) summarize(ctx context.Context, prevSummary string, dropped []repo.Turn) (string, error) {
	if s.Summarizer == nil {
		return digest(prevSummary, dropped), nil
	}

	var b strings.Builder
	if prevSummary != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(prevSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("New exchanges:\n")
	for _, t := range dropped {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.Human, t.AI)
	}

	out, err := s.Summarizer.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: summarizerPrompt},
		{Role: model.RoleUser, Content: b.String()},
	}, nil)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Text) == "" {
		return digest(prevSummary, dropped), nil
	}
	return out.Text, nil
}

// digest is the summarizer-free fallback: a truncated transcript of the
// dropped content appended to the previous summary.
func digest(prevSummary string, dropped []repo.Turn) string {
	var parts []string
	if prevSummary != "" {
		parts = append(parts, prevSummary)
	}
	for _, t := range dropped {
		parts = append(parts, "User said: "+truncate(t.Human, 120)+" Assistant said: "+truncate(t.AI, 120))
	}
	return strings.Join(parts, " ")
}

// truncate cuts s to at most n runes, never splitting a multi-byte
// character.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// replayable converts stored turns into the message list handed to a
// model: the newest summary as a system message, then raw turns after
// it.
func replayable(turns []repo.Turn) []model.Message {
	last := -1
	for i, t := range turns {
		if t.Summary != "" {
			last = i
		}
	}

	var msgs []model.Message
	if last >= 0 {
		msgs = append(msgs, model.Message{
			Role:    model.RoleSystem,
			Content: "Summary of the earlier conversation: " + turns[last].Summary,
		})
	}
	for _, t := range turns[last+1:] {
		msgs = append(msgs,
			model.Message{Role: model.RoleUser, Content: t.Human},
			model.Message{Role: model.RoleAssistant, Content: t.AI},
		)
	}
	return msgs
}
