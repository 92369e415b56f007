package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
)

// MemRepo is an in-memory implementation of Repository for tests and
// single-process development.
//
// Unconfigured lookups return ErrNotFound instead of silently succeeding,
// which makes repository isolation verifiable: a pipeline run against a
// MemRepo either touches only the records the test seeded or fails loudly.
//
// MemRepo is not safe for use across concurrent pipeline runs. One run is
// fine (within a run the engine only appends id-scoped records), but tests
// must not share a MemRepo between parallel runs.
type MemRepo struct {
	sessions     map[string][]Turn                    // sessionID -> global turns
	checkpoints  map[string]CompressionCheckpoint     // sessionID+"\x00"+mode
	scoped       map[string]*ScopedHistory            // sessionID+"\x00"+type+"\x00"+name
	scopedByID   map[int64]*ScopedHistory             // historyID -> scope
	scopedTurns  map[int64][]Turn                     // historyID -> turns
	providers    map[int64]Provider                   //
	services     map[int64]model.ChatModel            // providerID -> chat service
	assistants   map[int64]Assistant                  //
	materials    map[int64]SourceMaterial             //
	collections  map[int64]Collection                 //
	files        map[int64][]CollectionFile           // collectionID -> indexed files
	filesByID    map[int64]CollectionFile             //
	created      map[string]File                      // fileID -> file
	attached     map[string][]string                  // sessionID -> fileIDs
	participants map[string]map[string]string         // participantID -> data
	schedules    map[string][]Schedule                // participantID -> schedules
	nextTurnID   int64
	nextScopeID  int64
}

// NewMemRepo creates an empty in-memory repository. Seed it with the Add*
// and Set* helpers before running a pipeline against it.
func NewMemRepo() *MemRepo {
	return &MemRepo{
		sessions:     make(map[string][]Turn),
		checkpoints:  make(map[string]CompressionCheckpoint),
		scoped:       make(map[string]*ScopedHistory),
		scopedByID:   make(map[int64]*ScopedHistory),
		scopedTurns:  make(map[int64][]Turn),
		providers:    make(map[int64]Provider),
		services:     make(map[int64]model.ChatModel),
		assistants:   make(map[int64]Assistant),
		materials:    make(map[int64]SourceMaterial),
		collections:  make(map[int64]Collection),
		files:        make(map[int64][]CollectionFile),
		filesByID:    make(map[int64]CollectionFile),
		created:      make(map[string]File),
		attached:     make(map[string][]string),
		participants: make(map[string]map[string]string),
		schedules:    make(map[string][]Schedule),
	}
}

// Seeding helpers.

// AddSession registers a session so history operations against it succeed.
func (m *MemRepo) AddSession(sessionID string) {
	if _, ok := m.sessions[sessionID]; !ok {
		m.sessions[sessionID] = []Turn{}
	}
}

// AddProvider registers a provider record and the chat service that
// GetChatService resolves for it.
func (m *MemRepo) AddProvider(p Provider, svc model.ChatModel) {
	m.providers[p.ID] = p
	if svc != nil {
		m.services[p.ID] = svc
	}
}

// AddAssistant registers a pre-configured assistant resource.
func (m *MemRepo) AddAssistant(a Assistant) { m.assistants[a.ID] = a }

// AddSourceMaterial registers a source material block.
func (m *MemRepo) AddSourceMaterial(sm SourceMaterial) { m.materials[sm.ID] = sm }

// AddCollection registers a collection and its indexed files.
func (m *MemRepo) AddCollection(c Collection, files ...CollectionFile) {
	m.collections[c.ID] = c
	for _, f := range files {
		f.CollectionID = c.ID
		m.files[c.ID] = append(m.files[c.ID], f)
		m.filesByID[f.ID] = f
	}
}

// AddSchedule registers a participant schedule entry.
func (m *MemRepo) AddSchedule(s Schedule) {
	m.schedules[s.ParticipantID] = append(m.schedules[s.ParticipantID], s)
}

// AttachedFiles returns the file IDs attached to a session, for assertions.
func (m *MemRepo) AttachedFiles(sessionID string) []string { return m.attached[sessionID] }

// CreatedFile returns a file created during a run, for assertions.
func (m *MemRepo) CreatedFile(fileID string) (File, bool) {
	f, ok := m.created[fileID]
	return f, ok
}

func scopeKey(sessionID, historyType, name string) string {
	return sessionID + "\x00" + historyType + "\x00" + name
}

func checkpointKey(sessionID, mode string) string {
	return sessionID + "\x00" + mode
}

// GetSessionMessages implements Repository.
func (m *MemRepo) GetSessionMessages(_ context.Context, sessionID string) ([]Turn, error) {
	turns, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// SaveSessionMessage implements Repository.
func (m *MemRepo) SaveSessionMessage(_ context.Context, sessionID, human, ai string) (Turn, error) {
	if _, ok := m.sessions[sessionID]; !ok {
		return Turn{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	m.nextTurnID++
	t := Turn{ID: m.nextTurnID, Human: human, AI: ai, CreatedAt: time.Now()}
	m.sessions[sessionID] = append(m.sessions[sessionID], t)
	return t, nil
}

// GetCompressionCheckpoint implements Repository.
func (m *MemRepo) GetCompressionCheckpoint(_ context.Context, sessionID, mode string) (CompressionCheckpoint, error) {
	cp, ok := m.checkpoints[checkpointKey(sessionID, mode)]
	if !ok {
		return CompressionCheckpoint{}, fmt.Errorf("checkpoint %q/%q: %w", sessionID, mode, ErrNotFound)
	}
	return cp, nil
}

// SaveCompressionCheckpoint implements Repository.
//
// The marker variant updates checkpoint metadata only. The summary variant
// also rewrites the Summary field of the checkpointed turn.
func (m *MemRepo) SaveCompressionCheckpoint(_ context.Context, sessionID string, turnID int64, mode string, result Compression) error {
	turns, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}

	m.checkpoints[checkpointKey(sessionID, mode)] = CompressionCheckpoint{
		SessionID: sessionID,
		Mode:      mode,
		TurnID:    turnID,
	}

	if result.IsMarker() {
		return nil
	}

	for i := range turns {
		if turns[i].ID == turnID {
			turns[i].Summary = result.SummaryText()
			return nil
		}
	}
	return fmt.Errorf("turn %d in session %q: %w", turnID, sessionID, ErrNotFound)
}

// GetOrCreateScopedHistory implements Repository.
func (m *MemRepo) GetOrCreateScopedHistory(_ context.Context, sessionID, historyType, name string) (ScopedHistory, error) {
	if _, ok := m.sessions[sessionID]; !ok {
		return ScopedHistory{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	key := scopeKey(sessionID, historyType, name)
	if sh, ok := m.scoped[key]; ok {
		return *sh, nil
	}
	m.nextScopeID++
	sh := &ScopedHistory{
		ID:        m.nextScopeID,
		SessionID: sessionID,
		Type:      historyType,
		Name:      name,
	}
	m.scoped[key] = sh
	m.scopedByID[sh.ID] = sh
	m.scopedTurns[sh.ID] = []Turn{}
	return *sh, nil
}

// GetScopedMessages implements Repository.
func (m *MemRepo) GetScopedMessages(_ context.Context, historyID int64) ([]Turn, error) {
	turns, ok := m.scopedTurns[historyID]
	if !ok {
		return nil, fmt.Errorf("scoped history %d: %w", historyID, ErrNotFound)
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// SaveScopedMessage implements Repository.
func (m *MemRepo) SaveScopedMessage(_ context.Context, historyID int64, human, ai string) (Turn, error) {
	if _, ok := m.scopedTurns[historyID]; !ok {
		return Turn{}, fmt.Errorf("scoped history %d: %w", historyID, ErrNotFound)
	}
	m.nextTurnID++
	t := Turn{ID: m.nextTurnID, Human: human, AI: ai, CreatedAt: time.Now()}
	m.scopedTurns[historyID] = append(m.scopedTurns[historyID], t)
	return t, nil
}

// UpdateScopedCompression implements Repository.
func (m *MemRepo) UpdateScopedCompression(_ context.Context, historyID, turnID int64, mode string, result Compression) error {
	sh, ok := m.scopedByID[historyID]
	if !ok {
		return fmt.Errorf("scoped history %d: %w", historyID, ErrNotFound)
	}

	sh.Marker = mode
	sh.CheckpointTurn = turnID

	if result.IsMarker() {
		return nil
	}

	turns := m.scopedTurns[historyID]
	for i := range turns {
		if turns[i].ID == turnID {
			turns[i].Summary = result.SummaryText()
			return nil
		}
	}
	return fmt.Errorf("turn %d in scoped history %d: %w", turnID, historyID, ErrNotFound)
}

// GetProvider implements Repository.
func (m *MemRepo) GetProvider(_ context.Context, id int64) (Provider, error) {
	p, ok := m.providers[id]
	if !ok {
		return Provider{}, fmt.Errorf("provider %d: %w", id, ErrNotFound)
	}
	return p, nil
}

// GetChatService implements Repository.
//
// Resolves the provider record and then the registered service, mirroring
// the production adapters where both steps are DB-backed.
func (m *MemRepo) GetChatService(ctx context.Context, providerID int64) (model.ChatModel, error) {
	if _, err := m.GetProvider(ctx, providerID); err != nil {
		return nil, err
	}
	svc, ok := m.services[providerID]
	if !ok {
		return nil, fmt.Errorf("chat service for provider %d: %w", providerID, ErrNotFound)
	}
	return svc, nil
}

// GetAssistant implements Repository.
func (m *MemRepo) GetAssistant(_ context.Context, id int64) (Assistant, error) {
	a, ok := m.assistants[id]
	if !ok {
		return Assistant{}, fmt.Errorf("assistant %d: %w", id, ErrNotFound)
	}
	return a, nil
}

// GetSourceMaterial implements Repository.
func (m *MemRepo) GetSourceMaterial(_ context.Context, id int64) (SourceMaterial, error) {
	sm, ok := m.materials[id]
	if !ok {
		return SourceMaterial{}, fmt.Errorf("source material %d: %w", id, ErrNotFound)
	}
	return sm, nil
}

// GetCollection implements Repository.
func (m *MemRepo) GetCollection(_ context.Context, id int64) (Collection, error) {
	c, ok := m.collections[id]
	if !ok {
		return Collection{}, fmt.Errorf("collection %d: %w", id, ErrNotFound)
	}
	return c, nil
}

// GetCollectionsForSearch implements Repository.
func (m *MemRepo) GetCollectionsForSearch(ctx context.Context, ids []int64) ([]Collection, error) {
	var out []Collection
	for _, id := range ids {
		c, err := m.GetCollection(ctx, id)
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
func (m *MemRepo) GetCollectionIndexSummaries(ctx context.Context, collectionID int64) ([]CollectionFile, error) {
	if _, err := m.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}
	files := m.files[collectionID]
	out := make([]CollectionFile, len(files))
	copy(out, files)
	return out, nil
}

// GetCollectionFileInfo implements Repository.
func (m *MemRepo) GetCollectionFileInfo(_ context.Context, fileID int64) (CollectionFile, error) {
	f, ok := m.filesByID[fileID]
	if !ok {
		return CollectionFile{}, fmt.Errorf("collection file %d: %w", fileID, ErrNotFound)
	}
	return f, nil
}

// CreateFile implements Repository.
func (m *MemRepo) CreateFile(_ context.Context, f File) (File, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	m.created[f.ID] = f
	return f, nil
}

// AttachFilesToSession implements Repository.
func (m *MemRepo) AttachFilesToSession(_ context.Context, sessionID string, fileIDs []string) error {
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	for _, id := range fileIDs {
		if _, ok := m.created[id]; !ok {
			return fmt.Errorf("file %q: %w", id, ErrNotFound)
		}
	}
	m.attached[sessionID] = append(m.attached[sessionID], fileIDs...)
	return nil
}

// GetParticipantGlobalData implements Repository.
func (m *MemRepo) GetParticipantGlobalData(_ context.Context, participantID string) (map[string]string, error) {
	data := m.participants[participantID]
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out, nil
}

// SetParticipantGlobalData implements Repository.
func (m *MemRepo) SetParticipantGlobalData(_ context.Context, participantID, key, value string) error {
	if m.participants[participantID] == nil {
		m.participants[participantID] = make(map[string]string)
	}
	m.participants[participantID][key] = value
	return nil
}

// GetParticipantSchedules implements Repository.
func (m *MemRepo) GetParticipantSchedules(_ context.Context, participantID string) ([]Schedule, error) {
	out := make([]Schedule, len(m.schedules[participantID]))
	copy(out, m.schedules[participantID])
	return out, nil
}
