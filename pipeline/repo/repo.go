// Package repo defines the persistence port for the pipeline engine.
//
// Every database-touching operation the engine performs goes through the
// Repository interface. Nodes and services never open their own connections
// or reach for a globally-scoped store; the executor injects the active
// Repository into each node before it runs. This keeps the engine's logic
// runnable against the production adapters (SQLite, MySQL) and the
// in-memory test double interchangeably, and keeps every side effect
// auditable in one place.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
)

// ErrNotFound is returned when a requested persisted entity does not exist.
//
// Every fetch-by-id method on Repository either returns a materialized value
// or an error wrapping ErrNotFound. No method returns a zero value as a
// "not found" sentinel; callers detect misses with errors.Is.
var ErrNotFound = errors.New("not found")

// SessionRef is an opaque handle to the conversation session a pipeline run
// operates against. The session itself is owned by an external collaborator;
// the engine only reads the identifiers and persists history through the
// Repository.
type SessionRef struct {
	// ID uniquely identifies the session.
	ID string

	// ParticipantID identifies the human participant behind the session.
	ParticipantID string
}

// Turn is a single conversational exchange: one human message paired with
// the assistant message that answered it.
//
// Turns appear in two storage scopes with the same shape:
//   - global: the session's canonical message log
//   - scoped: a (historyType, name)-keyed sub-history local to one node
//
// Summary, when non-empty, marks this turn as a compression checkpoint: it
// replaces this turn and everything before it when history is replayed into
// a model call.
type Turn struct {
	ID        int64
	Human     string
	AI        string
	Summary   string
	CreatedAt time.Time
}

// ScopedHistory is a named sub-history keyed by (historyType, name) within a
// session. Different nodes, or repeated instances of the same node type with
// distinct names, keep independent conversational memory here.
type ScopedHistory struct {
	ID        int64
	SessionID string
	Type      string
	Name      string

	// Marker records the compression marker for this scope (the history
	// mode that last checkpointed it). Empty until the first checkpoint.
	Marker string

	// CheckpointTurn is the ID of the newest turn covered by the current
	// compression checkpoint. Zero until the first checkpoint.
	CheckpointTurn int64
}

// CompressionCheckpoint records how far a session's global history has been
// compressed under a given history mode.
type CompressionCheckpoint struct {
	SessionID string
	Mode      string
	TurnID    int64
}

// Compression is the tagged result of a history compression computation.
//
// It is either a marker ("history is already within the mode's bound, no
// rewrite needed") or a real replacement summary for content above the
// threshold. The two variants drive different write paths: a marker updates
// checkpoint metadata only, while a summary additionally overwrites the
// Summary field of the checkpointed turn. A tagged type is used rather than
// comparing summary text against a sentinel string, so a legitimate summary
// can never be mistaken for the marker.
type Compression struct {
	summary   string
	isSummary bool
}

// CompressionMarker returns the marker variant: the record set is already
// within the mode's bound and no summary rewrite is needed.
func CompressionMarker() Compression {
	return Compression{}
}

// CompressionSummary returns the summary variant carrying the replacement
// text for content above the compression threshold.
func CompressionSummary(text string) Compression {
	return Compression{summary: text, isSummary: true}
}

// IsMarker reports whether this result is the marker variant.
func (c Compression) IsMarker() bool {
	return !c.isSummary
}

// SummaryText returns the replacement summary. Empty for the marker variant.
func (c Compression) SummaryText() string {
	return c.summary
}

// Provider identifies a configured LLM provider account.
type Provider struct {
	ID     int64
	Kind   string // "openai", "anthropic", "google", "mock"
	Model  string
	APIKey string
}

// Assistant is a pre-configured assistant resource resolved by the
// deprecated assistant node. Kept for backward compatibility.
type Assistant struct {
	ID           int64
	Name         string
	Instructions string
	ProviderID   int64
}

// SourceMaterial is a named block of reference text injected into
// response-generation prompts.
type SourceMaterial struct {
	ID      int64
	Name    string
	Content string
}

// Collection is a searchable group of indexed files.
type Collection struct {
	ID          int64
	Name        string
	Description string
	Searchable  bool
}

// CollectionFile describes one indexed file within a collection, including
// the index summary used for prompt context and search.
type CollectionFile struct {
	ID           int64
	CollectionID int64
	Name         string
	Summary      string
	URI          string
}

// File is a binary artifact produced during a run (for example by a tool
// call) and attached to the session.
type File struct {
	ID          string
	Name        string
	ContentType string
	Data        []byte
}

// Schedule is a participant-owned scheduled event readable by script nodes.
type Schedule struct {
	ID            int64
	ParticipantID string
	Label         string
	At            time.Time
}

// Repository groups every persistence operation the pipeline engine needs.
//
// Methods are either fetch-by-id (returning an error wrapping ErrNotFound on
// a miss) or commands (create/attach/save, returning the created record or
// nothing). The port performs no caching and no retries; adding a read-through
// cache in front of an adapter is a future optimization, not a guarantee of
// this contract.
//
// Adapters are shared read-mostly across all nodes of one run. The
// production adapters are safe across concurrent runs; MemRepo is not and
// must only be used single-threaded in tests.
type Repository interface {
	// GetSessionMessages returns the session's canonical message log in
	// chronological order, including any compression summaries recorded on
	// checkpointed turns.
	GetSessionMessages(ctx context.Context, sessionID string) ([]Turn, error)

	// SaveSessionMessage appends a human/assistant turn pair to the
	// session's global history and returns the stored record.
	SaveSessionMessage(ctx context.Context, sessionID, human, ai string) (Turn, error)

	// GetCompressionCheckpoint returns the current global-history checkpoint
	// for the given history mode.
	GetCompressionCheckpoint(ctx context.Context, sessionID, mode string) (CompressionCheckpoint, error)

	// SaveCompressionCheckpoint records the outcome of a global-history
	// compression computation. The marker variant updates checkpoint
	// metadata only; the summary variant additionally overwrites the
	// Summary field of the turn identified by turnID. The two paths must
	// never be collapsed: writing marker metadata into live summary content
	// (or the reverse) silently corrupts history.
	SaveCompressionCheckpoint(ctx context.Context, sessionID string, turnID int64, mode string, result Compression) error

	// GetOrCreateScopedHistory returns the (historyType, name)-keyed
	// sub-history for the session, creating it on first use.
	GetOrCreateScopedHistory(ctx context.Context, sessionID, historyType, name string) (ScopedHistory, error)

	// GetScopedMessages returns the turns of a scoped history in
	// chronological order.
	GetScopedMessages(ctx context.Context, historyID int64) ([]Turn, error)

	// SaveScopedMessage appends a turn pair to a scoped history.
	SaveScopedMessage(ctx context.Context, historyID int64, human, ai string) (Turn, error)

	// UpdateScopedCompression records a compression outcome for a scoped
	// history. Both variants update the scope's Marker and CheckpointTurn;
	// the summary variant additionally overwrites the Summary field of the
	// turn identified by turnID.
	UpdateScopedCompression(ctx context.Context, historyID, turnID int64, mode string, result Compression) error

	// GetProvider returns a configured LLM provider.
	GetProvider(ctx context.Context, id int64) (Provider, error)

	// GetChatService resolves a provider and constructs a ready-to-call
	// chat service for it. Both the provider fetch and the service
	// construction happen behind this single port call so every DB touch
	// stays on the port.
	GetChatService(ctx context.Context, providerID int64) (model.ChatModel, error)

	// GetAssistant returns a pre-configured assistant resource.
	GetAssistant(ctx context.Context, id int64) (Assistant, error)

	// GetSourceMaterial returns a source material block.
	GetSourceMaterial(ctx context.Context, id int64) (SourceMaterial, error)

	// GetCollection returns a collection by id.
	GetCollection(ctx context.Context, id int64) (Collection, error)

	// GetCollectionsForSearch returns the subset of the given collections
	// that are flagged searchable. IDs that do not exist produce an error
	// wrapping ErrNotFound.
	GetCollectionsForSearch(ctx context.Context, ids []int64) ([]Collection, error)

	// GetCollectionIndexSummaries returns the index summaries of all files
	// in a collection.
	GetCollectionIndexSummaries(ctx context.Context, collectionID int64) ([]CollectionFile, error)

	// GetCollectionFileInfo returns metadata for a single indexed file.
	GetCollectionFileInfo(ctx context.Context, fileID int64) (CollectionFile, error)

	// CreateFile persists a new file record and returns it with its
	// assigned ID.
	CreateFile(ctx context.Context, f File) (File, error)

	// AttachFilesToSession links previously created files to a session.
	AttachFilesToSession(ctx context.Context, sessionID string, fileIDs []string) error

	// GetParticipantGlobalData returns the participant's key/value data.
	// A participant with no data yields an empty map, not an error.
	GetParticipantGlobalData(ctx context.Context, participantID string) (map[string]string, error)

	// SetParticipantGlobalData writes one key/value pair of participant data.
	SetParticipantGlobalData(ctx context.Context, participantID, key, value string) error

	// GetParticipantSchedules returns the participant's scheduled events.
	GetParticipantSchedules(ctx context.Context, participantID string) ([]Schedule, error)
}
