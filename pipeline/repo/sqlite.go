package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
)

// SQLiteRepo is a SQLite-backed implementation of Repository.
//
// It stores sessions, history, resources, files, and participant data in a
// single-file database. Designed for:
//   - single-tenant deployments and local development
//   - zero-setup persistence before migrating to MySQL
//
// SQLiteRepo uses WAL mode for concurrent reads and transactional writes.
// The schema is auto-migrated on first use. Safe across concurrent pipeline
// runs: the only writes the engine performs are id-scoped appends.
type SQLiteRepo struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteRepo opens (and if necessary creates) a SQLite-backed repository
// at the given path. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	r := &SQLiteRepo{db: db}
	if err := r.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return r, nil
}

// Close releases the underlying database connection.
func (r *SQLiteRepo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

func (r *SQLiteRepo) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			participant_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			human TEXT NOT NULL,
			ai TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS compression_checkpoints (
			session_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			turn_id INTEGER NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, mode)
		)`,
		`CREATE TABLE IF NOT EXISTS scoped_histories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			marker TEXT NOT NULL DEFAULT '',
			checkpoint_turn INTEGER NOT NULL DEFAULT 0,
			UNIQUE(session_id, type, name)
		)`,
		`CREATE TABLE IF NOT EXISTS scoped_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			history_id INTEGER NOT NULL REFERENCES scoped_histories(id),
			human TEXT NOT NULL,
			ai TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scoped_messages_history ON scoped_messages(history_id)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS assistants (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			provider_id INTEGER NOT NULL REFERENCES providers(id)
		)`,
		`CREATE TABLE IF NOT EXISTS source_materials (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			content TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			searchable INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS collection_files (
			id INTEGER PRIMARY KEY,
			collection_id INTEGER NOT NULL REFERENCES collections(id),
			name TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			uri TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			data BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS session_files (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			file_id TEXT NOT NULL REFERENCES files(id),
			PRIMARY KEY (session_id, file_id)
		)`,
		`CREATE TABLE IF NOT EXISTS participant_data (
			participant_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (participant_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			participant_id TEXT NOT NULL,
			label TEXT NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateSession registers a session. Session lifecycle is owned by the
// external session collaborator; this exists so that collaborator (and
// tests) can provision sessions through the same adapter.
func (r *SQLiteRepo) CreateSession(ctx context.Context, ref SessionRef) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, participant_id) VALUES (?, ?)",
		ref.ID, ref.ParticipantID)
	return err
}

func (r *SQLiteRepo) sessionExists(ctx context.Context, sessionID string) error {
	var one int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return err
}

// GetSessionMessages implements Repository.
func (r *SQLiteRepo) GetSessionMessages(ctx context.Context, sessionID string) ([]Turn, error) {
	if err := r.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, human, ai, summary, created_at FROM session_messages WHERE session_id = ? ORDER BY id",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var t Turn
		var created sql.NullTime
		if err := rows.Scan(&t.ID, &t.Human, &t.AI, &t.Summary, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if created.Valid {
			t.CreatedAt = created.Time
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// SaveSessionMessage implements Repository.
func (r *SQLiteRepo) SaveSessionMessage(ctx context.Context, sessionID, human, ai string) (Turn, error) {
	if err := r.sessionExists(ctx, sessionID); err != nil {
		return Turn{}, err
	}
	now := time.Now()
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO session_messages (session_id, human, ai, created_at) VALUES (?, ?, ?, ?)",
		sessionID, human, ai, now)
	if err != nil {
		return Turn{}, fmt.Errorf("failed to save session message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Turn{}, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return Turn{ID: id, Human: human, AI: ai, CreatedAt: now}, nil
}

// GetCompressionCheckpoint implements Repository.
func (r *SQLiteRepo) GetCompressionCheckpoint(ctx context.Context, sessionID, mode string) (CompressionCheckpoint, error) {
	var cp CompressionCheckpoint
	err := r.db.QueryRowContext(ctx,
		"SELECT session_id, mode, turn_id FROM compression_checkpoints WHERE session_id = ? AND mode = ?",
		sessionID, mode).Scan(&cp.SessionID, &cp.Mode, &cp.TurnID)
	if errors.Is(err, sql.ErrNoRows) {
		return CompressionCheckpoint{}, fmt.Errorf("checkpoint %q/%q: %w", sessionID, mode, ErrNotFound)
	}
	if err != nil {
		return CompressionCheckpoint{}, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return cp, nil
}

// SaveCompressionCheckpoint implements Repository.
//
// Marker results touch checkpoint metadata only. Summary results also
// overwrite the summary column of the checkpointed turn, in the same
// transaction so the two writes cannot diverge.
func (r *SQLiteRepo) SaveCompressionCheckpoint(ctx context.Context, sessionID string, turnID int64, mode string, result Compression) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO compression_checkpoints (session_id, mode, turn_id, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(session_id, mode) DO UPDATE SET turn_id = excluded.turn_id, updated_at = CURRENT_TIMESTAMP`,
		sessionID, mode, turnID)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if !result.IsMarker() {
		res, err := tx.ExecContext(ctx,
			"UPDATE session_messages SET summary = ? WHERE id = ? AND session_id = ?",
			result.SummaryText(), turnID, sessionID)
		if err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("turn %d in session %q: %w", turnID, sessionID, ErrNotFound)
		}
	}

	return tx.Commit()
}

// GetOrCreateScopedHistory implements Repository.
func (r *SQLiteRepo) GetOrCreateScopedHistory(ctx context.Context, sessionID, historyType, name string) (ScopedHistory, error) {
	if err := r.sessionExists(ctx, sessionID); err != nil {
		return ScopedHistory{}, err
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO scoped_histories (session_id, type, name) VALUES (?, ?, ?)",
		sessionID, historyType, name)
	if err != nil {
		return ScopedHistory{}, fmt.Errorf("failed to create scoped history: %w", err)
	}
	var sh ScopedHistory
	err = r.db.QueryRowContext(ctx,
		"SELECT id, session_id, type, name, marker, checkpoint_turn FROM scoped_histories WHERE session_id = ? AND type = ? AND name = ?",
		sessionID, historyType, name).Scan(&sh.ID, &sh.SessionID, &sh.Type, &sh.Name, &sh.Marker, &sh.CheckpointTurn)
	if err != nil {
		return ScopedHistory{}, fmt.Errorf("failed to load scoped history: %w", err)
	}
	return sh, nil
}

// GetScopedMessages implements Repository.
func (r *SQLiteRepo) GetScopedMessages(ctx context.Context, historyID int64) ([]Turn, error) {
	if err := r.scopedHistoryExists(ctx, historyID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, human, ai, summary, created_at FROM scoped_messages WHERE history_id = ? ORDER BY id",
		historyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scoped messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTurns(rows)
}

func (r *SQLiteRepo) scopedHistoryExists(ctx context.Context, historyID int64) error {
	var one int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM scoped_histories WHERE id = ?", historyID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("scoped history %d: %w", historyID, ErrNotFound)
	}
	return err
}

// SaveScopedMessage implements Repository.
func (r *SQLiteRepo) SaveScopedMessage(ctx context.Context, historyID int64, human, ai string) (Turn, error) {
	if err := r.scopedHistoryExists(ctx, historyID); err != nil {
		return Turn{}, err
	}
	now := time.Now()
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO scoped_messages (history_id, human, ai, created_at) VALUES (?, ?, ?, ?)",
		historyID, human, ai, now)
	if err != nil {
		return Turn{}, fmt.Errorf("failed to save scoped message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Turn{}, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return Turn{ID: id, Human: human, AI: ai, CreatedAt: now}, nil
}

// UpdateScopedCompression implements Repository.
func (r *SQLiteRepo) UpdateScopedCompression(ctx context.Context, historyID, turnID int64, mode string, result Compression) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE scoped_histories SET marker = ?, checkpoint_turn = ? WHERE id = ?",
		mode, turnID, historyID)
	if err != nil {
		return fmt.Errorf("failed to update scoped compression: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("scoped history %d: %w", historyID, ErrNotFound)
	}

	if !result.IsMarker() {
		res, err := tx.ExecContext(ctx,
			"UPDATE scoped_messages SET summary = ? WHERE id = ? AND history_id = ?",
			result.SummaryText(), turnID, historyID)
		if err != nil {
			return fmt.Errorf("failed to write scoped summary: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("turn %d in scoped history %d: %w", turnID, historyID, ErrNotFound)
		}
	}

	return tx.Commit()
}

// GetProvider implements Repository.
func (r *SQLiteRepo) GetProvider(ctx context.Context, id int64) (Provider, error) {
	var p Provider
	err := r.db.QueryRowContext(ctx,
		"SELECT id, kind, model, api_key FROM providers WHERE id = ?", id).
		Scan(&p.ID, &p.Kind, &p.Model, &p.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, fmt.Errorf("provider %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Provider{}, fmt.Errorf("failed to query provider: %w", err)
	}
	return p, nil
}

// GetChatService implements Repository.
func (r *SQLiteRepo) GetChatService(ctx context.Context, providerID int64) (model.ChatModel, error) {
	p, err := r.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return newChatService(p)
}

// GetAssistant implements Repository.
func (r *SQLiteRepo) GetAssistant(ctx context.Context, id int64) (Assistant, error) {
	var a Assistant
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, instructions, provider_id FROM assistants WHERE id = ?", id).
		Scan(&a.ID, &a.Name, &a.Instructions, &a.ProviderID)
	if errors.Is(err, sql.ErrNoRows) {
		return Assistant{}, fmt.Errorf("assistant %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Assistant{}, fmt.Errorf("failed to query assistant: %w", err)
	}
	return a, nil
}

// GetSourceMaterial implements Repository.
func (r *SQLiteRepo) GetSourceMaterial(ctx context.Context, id int64) (SourceMaterial, error) {
	var sm SourceMaterial
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, content FROM source_materials WHERE id = ?", id).
		Scan(&sm.ID, &sm.Name, &sm.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return SourceMaterial{}, fmt.Errorf("source material %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return SourceMaterial{}, fmt.Errorf("failed to query source material: %w", err)
	}
	return sm, nil
}

// GetCollection implements Repository.
func (r *SQLiteRepo) GetCollection(ctx context.Context, id int64) (Collection, error) {
	var c Collection
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, description, searchable FROM collections WHERE id = ?", id).
		Scan(&c.ID, &c.Name, &c.Description, &c.Searchable)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, fmt.Errorf("collection %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Collection{}, fmt.Errorf("failed to query collection: %w", err)
	}
	return c, nil
}

// GetCollectionsForSearch implements Repository.
func (r *SQLiteRepo) GetCollectionsForSearch(ctx context.Context, ids []int64) ([]Collection, error) {
	var out []Collection
	for _, id := range ids {
		c, err := r.GetCollection(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Searchable {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetCollectionIndexSummaries implements Repository.
func (r *SQLiteRepo) GetCollectionIndexSummaries(ctx context.Context, collectionID int64) ([]CollectionFile, error) {
	if _, err := r.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, collection_id, name, summary, uri FROM collection_files WHERE collection_id = ? ORDER BY id",
		collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []CollectionFile
	for rows.Next() {
		var f CollectionFile
		if err := rows.Scan(&f.ID, &f.CollectionID, &f.Name, &f.Summary, &f.URI); err != nil {
			return nil, fmt.Errorf("failed to scan collection file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetCollectionFileInfo implements Repository.
func (r *SQLiteRepo) GetCollectionFileInfo(ctx context.Context, fileID int64) (CollectionFile, error) {
	var f CollectionFile
	err := r.db.QueryRowContext(ctx,
		"SELECT id, collection_id, name, summary, uri FROM collection_files WHERE id = ?", fileID).
		Scan(&f.ID, &f.CollectionID, &f.Name, &f.Summary, &f.URI)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionFile{}, fmt.Errorf("collection file %d: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return CollectionFile{}, fmt.Errorf("failed to query collection file: %w", err)
	}
	return f, nil
}

// CreateFile implements Repository.
func (r *SQLiteRepo) CreateFile(ctx context.Context, f File) (File, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO files (id, name, content_type, data) VALUES (?, ?, ?, ?)",
		f.ID, f.Name, f.ContentType, f.Data)
	if err != nil {
		return File{}, fmt.Errorf("failed to create file: %w", err)
	}
	return f, nil
}

// AttachFilesToSession implements Repository.
func (r *SQLiteRepo) AttachFilesToSession(ctx context.Context, sessionID string, fileIDs []string) error {
	if err := r.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range fileIDs {
		var one int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM files WHERE id = ?", id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("file %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO session_files (session_id, file_id) VALUES (?, ?)",
			sessionID, id); err != nil {
			return fmt.Errorf("failed to attach file: %w", err)
		}
	}
	return tx.Commit()
}

// GetParticipantGlobalData implements Repository.
func (r *SQLiteRepo) GetParticipantGlobalData(ctx context.Context, participantID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT key, value FROM participant_data WHERE participant_id = ?", participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participant data: %w", err)
	}
	defer func() { _ = rows.Close() }()

	data := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan participant data: %w", err)
		}
		data[k] = v
	}
	return data, rows.Err()
}

// SetParticipantGlobalData implements Repository.
func (r *SQLiteRepo) SetParticipantGlobalData(ctx context.Context, participantID, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO participant_data (participant_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(participant_id, key) DO UPDATE SET value = excluded.value`,
		participantID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set participant data: %w", err)
	}
	return nil
}

// GetParticipantSchedules implements Repository.
func (r *SQLiteRepo) GetParticipantSchedules(ctx context.Context, participantID string) ([]Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, participant_id, label, at FROM schedules WHERE participant_id = ? ORDER BY at",
		participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Schedule
	for rows.Next() {
		var s Schedule
		if err := rows.Scan(&s.ID, &s.ParticipantID, &s.Label, &s.At); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
