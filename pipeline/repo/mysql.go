package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
)

// MySQLRepo is a MySQL-backed implementation of Repository.
//
// This is the adapter for multi-tenant production deployments where many
// dispatcher workers run pipelines concurrently against a shared database.
// It wraps a connection-pooled *sql.DB and is safe across concurrent runs.
//
// DSN format (go-sql-driver/mysql):
//
//	user:password@tcp(localhost:3306)/chatgraph?parseTime=true
//
// parseTime=true is required so TIMESTAMP columns scan into time.Time.
type MySQLRepo struct {
	db *sql.DB
}

// NewMySQLRepo connects to MySQL, verifies the connection, and auto-migrates
// the schema.
func NewMySQLRepo(dsn string) (*MySQLRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	r := &MySQLRepo{db: db}
	if err := r.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return r, nil
}

// Close releases the connection pool.
func (r *MySQLRepo) Close() error {
	return r.db.Close()
}

func (r *MySQLRepo) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(191) PRIMARY KEY,
			participant_id VARCHAR(191) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(191) NOT NULL,
			human TEXT NOT NULL,
			ai TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_session_messages_session (session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS compression_checkpoints (
			session_id VARCHAR(191) NOT NULL,
			mode VARCHAR(64) NOT NULL,
			turn_id BIGINT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, mode)
		)`,
		`CREATE TABLE IF NOT EXISTS scoped_histories (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(191) NOT NULL,
			type VARCHAR(64) NOT NULL,
			name VARCHAR(191) NOT NULL,
			marker VARCHAR(64) NOT NULL DEFAULT '',
			checkpoint_turn BIGINT NOT NULL DEFAULT 0,
			UNIQUE KEY uniq_scope (session_id, type, name)
		)`,
		`CREATE TABLE IF NOT EXISTS scoped_messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			history_id BIGINT NOT NULL,
			human TEXT NOT NULL,
			ai TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_scoped_messages_history (history_id)
		)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id BIGINT PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			model VARCHAR(191) NOT NULL DEFAULT '',
			api_key VARCHAR(191) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS assistants (
			id BIGINT PRIMARY KEY,
			name VARCHAR(191) NOT NULL,
			instructions TEXT NOT NULL,
			provider_id BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS source_materials (
			id BIGINT PRIMARY KEY,
			name VARCHAR(191) NOT NULL,
			content MEDIUMTEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			id BIGINT PRIMARY KEY,
			name VARCHAR(191) NOT NULL,
			description TEXT NOT NULL,
			searchable TINYINT(1) NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS collection_files (
			id BIGINT PRIMARY KEY,
			collection_id BIGINT NOT NULL,
			name VARCHAR(191) NOT NULL,
			summary TEXT NOT NULL,
			uri VARCHAR(512) NOT NULL DEFAULT '',
			INDEX idx_collection_files_collection (collection_id)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(191) NOT NULL,
			content_type VARCHAR(128) NOT NULL DEFAULT '',
			data LONGBLOB
		)`,
		`CREATE TABLE IF NOT EXISTS session_files (
			session_id VARCHAR(191) NOT NULL,
			file_id VARCHAR(36) NOT NULL,
			PRIMARY KEY (session_id, file_id)
		)`,
		`CREATE TABLE IF NOT EXISTS participant_data (
			participant_id VARCHAR(191) NOT NULL,
			` + "`key`" + ` VARCHAR(191) NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (participant_id, ` + "`key`" + `)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			participant_id VARCHAR(191) NOT NULL,
			label VARCHAR(191) NOT NULL,
			at TIMESTAMP NOT NULL,
			INDEX idx_schedules_participant (participant_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateSession registers a session; see SQLiteRepo.CreateSession.
func (r *MySQLRepo) CreateSession(ctx context.Context, ref SessionRef) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT IGNORE INTO sessions (id, participant_id) VALUES (?, ?)",
		ref.ID, ref.ParticipantID)
	return err
}

func (r *MySQLRepo) sessionExists(ctx context.Context, sessionID string) error {
	var one int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return err
}

// GetSessionMessages implements Repository.
func (r *MySQLRepo) GetSessionMessages(ctx context.Context, sessionID string) ([]Turn, error) {
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

// SaveSessionMessage implements Repository.
func (r *MySQLRepo) SaveSessionMessage(ctx context.Context, sessionID, human, ai string) (Turn, error) {
	if err := r.sessionExists(ctx, sessionID); err != nil {
		return Turn{}, err
	}
	now := time.Now()
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO session_messages (session_id, human, ai, summary, created_at) VALUES (?, ?, ?, '', ?)",
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
func (r *MySQLRepo) GetCompressionCheckpoint(ctx context.Context, sessionID, mode string) (CompressionCheckpoint, error) {
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

// SaveCompressionCheckpoint implements Repository. Same two write paths as
// the SQLite adapter, with MySQL upsert syntax.
func (r *MySQLRepo) SaveCompressionCheckpoint(ctx context.Context, sessionID string, turnID int64, mode string, result Compression) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO compression_checkpoints (session_id, mode, turn_id)
		 VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE turn_id = VALUES(turn_id)`,
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
		// RowsAffected is 0 both for a missing row and for an unchanged
		// summary; distinguish with an existence probe.
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var one int
			probe := tx.QueryRowContext(ctx,
				"SELECT 1 FROM session_messages WHERE id = ? AND session_id = ?", turnID, sessionID)
			if errors.Is(probe.Scan(&one), sql.ErrNoRows) {
				return fmt.Errorf("turn %d in session %q: %w", turnID, sessionID, ErrNotFound)
			}
		}
	}

	return tx.Commit()
}

// GetOrCreateScopedHistory implements Repository.
func (r *MySQLRepo) GetOrCreateScopedHistory(ctx context.Context, sessionID, historyType, name string) (ScopedHistory, error) {
	if err := r.sessionExists(ctx, sessionID); err != nil {
		return ScopedHistory{}, err
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT IGNORE INTO scoped_histories (session_id, type, name) VALUES (?, ?, ?)",
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

func (r *MySQLRepo) scopedHistoryExists(ctx context.Context, historyID int64) error {
	var one int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM scoped_histories WHERE id = ?", historyID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("scoped history %d: %w", historyID, ErrNotFound)
	}
	return err
}

// GetScopedMessages implements Repository.
func (r *MySQLRepo) GetScopedMessages(ctx context.Context, historyID int64) ([]Turn, error) {
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

// SaveScopedMessage implements Repository.
func (r *MySQLRepo) SaveScopedMessage(ctx context.Context, historyID int64, human, ai string) (Turn, error) {
	if err := r.scopedHistoryExists(ctx, historyID); err != nil {
		return Turn{}, err
	}
	now := time.Now()
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO scoped_messages (history_id, human, ai, summary, created_at) VALUES (?, ?, ?, '', ?)",
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
func (r *MySQLRepo) UpdateScopedCompression(ctx context.Context, historyID, turnID int64, mode string, result Compression) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE scoped_histories SET marker = ?, checkpoint_turn = ? WHERE id = ?",
		mode, turnID, historyID); err != nil {
		return fmt.Errorf("failed to update scoped compression: %w", err)
	}
	var one int
	if errors.Is(tx.QueryRowContext(ctx,
		"SELECT 1 FROM scoped_histories WHERE id = ?", historyID).Scan(&one), sql.ErrNoRows) {
		return fmt.Errorf("scoped history %d: %w", historyID, ErrNotFound)
	}

	if !result.IsMarker() {
		if _, err := tx.ExecContext(ctx,
			"UPDATE scoped_messages SET summary = ? WHERE id = ? AND history_id = ?",
			result.SummaryText(), turnID, historyID); err != nil {
			return fmt.Errorf("failed to write scoped summary: %w", err)
		}
		if errors.Is(tx.QueryRowContext(ctx,
			"SELECT 1 FROM scoped_messages WHERE id = ? AND history_id = ?", turnID, historyID).Scan(&one), sql.ErrNoRows) {
			return fmt.Errorf("turn %d in scoped history %d: %w", turnID, historyID, ErrNotFound)
		}
	}

	return tx.Commit()
}

// GetProvider implements Repository.
func (r *MySQLRepo) GetProvider(ctx context.Context, id int64) (Provider, error) {
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
func (r *MySQLRepo) GetChatService(ctx context.Context, providerID int64) (model.ChatModel, error) {
	p, err := r.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return newChatService(p)
}

// GetAssistant implements Repository.
func (r *MySQLRepo) GetAssistant(ctx context.Context, id int64) (Assistant, error) {
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
func (r *MySQLRepo) GetSourceMaterial(ctx context.Context, id int64) (SourceMaterial, error) {
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
func (r *MySQLRepo) GetCollection(ctx context.Context, id int64) (Collection, error) {
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
func (r *MySQLRepo) GetCollectionsForSearch(ctx context.Context, ids []int64) ([]Collection, error) {
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
func (r *MySQLRepo) GetCollectionIndexSummaries(ctx context.Context, collectionID int64) ([]CollectionFile, error) {
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
func (r *MySQLRepo) GetCollectionFileInfo(ctx context.Context, fileID int64) (CollectionFile, error) {
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
func (r *MySQLRepo) CreateFile(ctx context.Context, f File) (File, error) {
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
func (r *MySQLRepo) AttachFilesToSession(ctx context.Context, sessionID string, fileIDs []string) error {
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
			"INSERT IGNORE INTO session_files (session_id, file_id) VALUES (?, ?)",
			sessionID, id); err != nil {
			return fmt.Errorf("failed to attach file: %w", err)
		}
	}
	return tx.Commit()
}

// GetParticipantGlobalData implements Repository.
func (r *MySQLRepo) GetParticipantGlobalData(ctx context.Context, participantID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT `key`, value FROM participant_data WHERE participant_id = ?", participantID)
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
func (r *MySQLRepo) SetParticipantGlobalData(ctx context.Context, participantID, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO participant_data (participant_id, `key`, value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)",
		participantID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set participant data: %w", err)
	}
	return nil
}

// GetParticipantSchedules implements Repository.
func (r *MySQLRepo) GetParticipantSchedules(ctx context.Context, participantID string) ([]Schedule, error) {
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
