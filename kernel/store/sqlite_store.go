package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coregx/ahocorasick"
	"github.com/google/uuid"
	"github.com/orsinium-labs/stopwords"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	// sqlite-vec-go-bindings registers the vec0 extension with the driver.
	// Nothing in this package creates a vec0 virtual table or issues a
	// vec_distance query yet; the registration is kept, matching the
	// teacher's blank-import-for-side-effect pattern, so an ANN index can be
	// added later without a driver-level change. See DESIGN.md.
	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// schema defines every table the kernel persists to. Foreign-key
// enforcement is turned on per-connection in NewSQLiteStoreWithDSN, never
// left to the default (spec §4.1: "Foreign-key enforcement is always on").
const schema = `
CREATE TABLE IF NOT EXISTS entities (
    id   TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS bonds (
    id         TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    from_id    TEXT NOT NULL,
    to_id      TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'active',
    confidence REAL NOT NULL DEFAULT 1.0,
    data       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_bonds_from ON bonds(from_id);
CREATE INDEX IF NOT EXISTS idx_bonds_to ON bonds(to_id);
CREATE INDEX IF NOT EXISTS idx_bonds_type ON bonds(type);

CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    clock_actor TEXT NOT NULL,
    clock_seq   INTEGER NOT NULL,
    type        TEXT NOT NULL,
    op          TEXT NOT NULL,
    persona_id  TEXT,
    signature   TEXT,
    payload     TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_order ON events(clock_actor, clock_seq);

CREATE TABLE IF NOT EXISTS states (
    id          TEXT PRIMARY KEY,
    protocol_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_states_protocol ON states(protocol_id);

CREATE TABLE IF NOT EXISTS embeddings (
    entity_id  TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
    model_name TEXT NOT NULL,
    vector     BLOB NOT NULL,
    dimension  INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS archive (
    archive_id    TEXT PRIMARY KEY,
    original_id   TEXT NOT NULL,
    original_type TEXT NOT NULL,
    data          TEXT NOT NULL,
    archived_at   INTEGER NOT NULL,
    archived_by   TEXT,
    reason        TEXT,
    learning_id   TEXT
);
CREATE INDEX IF NOT EXISTS idx_archive_original ON archive(original_id);
`

// searchDoc is one entry of the degraded free-text search index: the
// flattened (title, body) projection of an entity's JSON payload.
type searchDoc struct {
	id, typ, title, body string
}

// SQLiteStore is the embedded-relational backing store (C1). A single
// sync.RWMutex serializes writes and lets reads proceed concurrently,
// matching spec §5's single-writer/many-reader discipline.
type SQLiteStore struct {
	mu  sync.RWMutex
	db  *sql.DB
	log zerolog.Logger

	hooksMu sync.Mutex
	hooks   map[int]EntityHook
	nextHID int

	ftsEnabled bool

	searchMu   sync.Mutex
	searchDirty bool
	searchDocs []searchDoc
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens an in-memory store. Intended for tests.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// NewSQLiteStoreWithDSN opens (creating if absent) a SQLite-backed store at
// dsn, applies the schema, and attempts to stand up the optional FTS5
// surface described in spec §3/§6. If the driver's FTS5 module is
// unavailable, search degrades to a compiled Aho-Corasick scan over an
// in-process index built from the same (title, body) projection — the
// public SearchEntities contract does not change either way.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("kernel/store: open %q: %w", dsn, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("kernel/store: enable foreign_keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kernel/store: apply schema: %w", err)
	}

	s := &SQLiteStore{
		db:         db,
		log:        log.With().Str("component", "kernel/store").Logger(),
		hooks:      make(map[int]EntityHook),
		searchDirty: true,
	}

	if _, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS entity_fts USING fts5(id, type, title, body)`); err == nil {
		s.ftsEnabled = true
	} else {
		s.log.Warn().Err(err).Msg("fts5 unavailable, degrading to in-process aho-corasick search index")
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SaveEntity(id, typ string, data json.RawMessage) error {
	if err := s.saveEntityLocked(id, typ, data); err != nil {
		return err
	}
	s.fireEntityHooks(id, typ, data)
	return nil
}

// saveEntityLocked performs the upsert, embedding invalidation, and search
// index bookkeeping as one atomic operation, then releases the lock before
// hooks run (hooks must never hold the store's write lock).
func (s *SQLiteStore) saveEntityLocked(id, typ string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveEntityTx(id, typ, data)
}

func (s *SQLiteStore) saveEntityTx(id, typ string, data json.RawMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("kernel/store: begin save_entity(%s): %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO entities (id, type, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET type = excluded.type, data = excluded.data
	`, id, typ, string(data)); err != nil {
		return fmt.Errorf("kernel/store: upsert entity %s: %w", id, err)
	}

	// Every save invalidates any prior embedding for this id.
	if _, err := tx.Exec(`DELETE FROM embeddings WHERE entity_id = ?`, id); err != nil {
		return fmt.Errorf("kernel/store: invalidate embedding for %s: %w", id, err)
	}

	if s.ftsEnabled {
		title, body := extractTitleBody(data)
		if _, err := tx.Exec(`DELETE FROM entity_fts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("kernel/store: fts delete %s: %w", id, err)
		}
		if _, err := tx.Exec(`INSERT INTO entity_fts (id, type, title, body) VALUES (?, ?, ?, ?)`, id, typ, title, body); err != nil {
			return fmt.Errorf("kernel/store: fts insert %s: %w", id, err)
		}
	}

	if err := s.appendEventTx(tx, "entity_saved", "success", map[string]any{"id": id, "type": typ}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kernel/store: commit save_entity(%s): %w", id, err)
	}

	s.markSearchDirty()
	return nil
}

// fireEntityHooks runs every registered hook, in registration order, after
// the commit. A hook's error is logged and otherwise ignored: hooks are
// observation only and must not affect the save or each other.
func (s *SQLiteStore) fireEntityHooks(id, typ string, data json.RawMessage) {
	s.hooksMu.Lock()
	ids := make([]int, 0, len(s.hooks))
	for hid := range s.hooks {
		ids = append(ids, hid)
	}
	sort.Ints(ids)
	hooks := make([]EntityHook, 0, len(ids))
	for _, hid := range ids {
		hooks = append(hooks, s.hooks[hid])
	}
	s.hooksMu.Unlock()

	for _, h := range hooks {
		if err := h(id, typ, data); err != nil {
			s.log.Warn().Err(err).Str("entity_id", id).Msg("entity hook failed")
		}
	}
}

func (s *SQLiteStore) AddEntityHook(h EntityHook) (remove func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	id := s.nextHID
	s.nextHID++
	s.hooks[id] = h
	return func() {
		s.hooksMu.Lock()
		defer s.hooksMu.Unlock()
		delete(s.hooks, id)
	}
}

func (s *SQLiteStore) LoadEntity(id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var typ, data string
	err := s.db.QueryRow(`SELECT type, data FROM entities WHERE id = ?`, id).Scan(&typ, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kernel/store: load_entity(%s): %w", id, err)
	}
	return &Entity{ID: id, Type: typ, Data: json.RawMessage(data)}, nil
}

func (s *SQLiteStore) ListEntitiesByType(typ string) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, type, data FROM entities WHERE type = ?`, typ)
	if err != nil {
		return nil, fmt.Errorf("kernel/store: list_entities_by_type(%s): %w", typ, err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var e Entity
		var data string
		if err := rows.Scan(&e.ID, &e.Type, &data); err != nil {
			return nil, fmt.Errorf("kernel/store: scan entity: %w", err)
		}
		e.Data = json.RawMessage(data)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Bonds
// ---------------------------------------------------------------------------

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

type relationshipPayload struct {
	BondType   string          `json:"bond_type"`
	FromID     string          `json:"from_id"`
	ToID       string          `json:"to_id"`
	Status     string          `json:"status"`
	Confidence float64         `json:"confidence"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

func (s *SQLiteStore) SaveBond(id, typ, fromID, toID, status string, confidence float64, data json.RawMessage) error {
	confidence = clampConfidence(confidence)
	if status == "" {
		status = "active"
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	rel := relationshipPayload{BondType: typ, FromID: fromID, ToID: toID, Status: status, Confidence: confidence, Extra: data}
	relData, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("kernel/store: marshal relationship mirror for bond %s: %w", id, err)
	}

	s.mu.Lock()
	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("kernel/store: begin save_bond(%s): %w", id, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO bonds (id, type, from_id, to_id, status, confidence, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type, from_id = excluded.from_id, to_id = excluded.to_id,
			status = excluded.status, confidence = excluded.confidence, data = excluded.data
	`, id, typ, fromID, toID, status, confidence, string(data)); err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return fmt.Errorf("kernel/store: upsert bond %s: %w", id, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO entities (id, type, data) VALUES (?, 'relationship', ?)
		ON CONFLICT(id) DO UPDATE SET type = 'relationship', data = excluded.data
	`, id, string(relData)); err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return fmt.Errorf("kernel/store: mirror bond %s as relationship entity: %w", id, err)
	}
	_, _ = tx.Exec(`DELETE FROM embeddings WHERE entity_id = ?`, id)

	if err := s.appendEventTx(tx, "bond_saved", "success", map[string]any{
		"id": id, "type": typ, "from_id": fromID, "to_id": toID,
	}); err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return err
	}

	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("kernel/store: commit save_bond(%s): %w", id, err)
	}
	s.mu.Unlock()

	s.markSearchDirty()
	s.fireEntityHooks(id, "relationship", relData)
	return nil
}

func (s *SQLiteStore) scanBondRow(row *sql.Row) (*Bond, error) {
	var b Bond
	var data string
	err := row.Scan(&b.ID, &b.Type, &b.FromID, &b.ToID, &b.Status, &b.Confidence, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Data = json.RawMessage(data)
	return &b, nil
}

func (s *SQLiteStore) GetBond(id string) (*Bond, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.scanBondRow(s.db.QueryRow(`SELECT id, type, from_id, to_id, status, confidence, data FROM bonds WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("kernel/store: get_bond(%s): %w", id, err)
	}
	return b, nil
}

func (s *SQLiteStore) queryBonds(query, key string) ([]*Bond, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Bond
	for rows.Next() {
		var b Bond
		var data string
		if err := rows.Scan(&b.ID, &b.Type, &b.FromID, &b.ToID, &b.Status, &b.Confidence, &data); err != nil {
			return nil, err
		}
		b.Data = json.RawMessage(data)
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetBondsFrom(id string) ([]*Bond, error) {
	out, err := s.queryBonds(`SELECT id, type, from_id, to_id, status, confidence, data FROM bonds WHERE from_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("kernel/store: get_bonds_from(%s): %w", id, err)
	}
	return out, nil
}

func (s *SQLiteStore) GetBondsTo(id string) ([]*Bond, error) {
	out, err := s.queryBonds(`SELECT id, type, from_id, to_id, status, confidence, data FROM bonds WHERE to_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("kernel/store: get_bonds_to(%s): %w", id, err)
	}
	return out, nil
}

func (s *SQLiteStore) GetConstellation(id string) (*Constellation, error) {
	out, err := s.GetBondsFrom(id)
	if err != nil {
		return nil, err
	}
	in, err := s.GetBondsTo(id)
	if err != nil {
		return nil, err
	}
	c := &Constellation{Incoming: []Bond{}, Outgoing: []Bond{}}
	for _, b := range out {
		c.Outgoing = append(c.Outgoing, *b)
	}
	for _, b := range in {
		c.Incoming = append(c.Incoming, *b)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateBondConfidence(id string, value float64) (*BondConfidenceUpdate, error) {
	value = clampConfidence(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	var previous float64
	var relData string
	err := s.db.QueryRow(`SELECT confidence FROM bonds WHERE id = ?`, id).Scan(&previous)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kernel/store: update_bond_confidence(%s) read: %w", id, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("kernel/store: begin update_bond_confidence(%s): %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE bonds SET confidence = ? WHERE id = ?`, value, id); err != nil {
		return nil, fmt.Errorf("kernel/store: update bond confidence %s: %w", id, err)
	}

	if err := tx.QueryRow(`SELECT data FROM entities WHERE id = ? AND type = 'relationship'`, id).Scan(&relData); err == nil {
		var rel relationshipPayload
		if jerr := json.Unmarshal([]byte(relData), &rel); jerr == nil {
			rel.Confidence = value
			if updated, merr := json.Marshal(rel); merr == nil {
				if _, err := tx.Exec(`UPDATE entities SET data = ? WHERE id = ?`, string(updated), id); err != nil {
					return nil, fmt.Errorf("kernel/store: mirror confidence update %s: %w", id, err)
				}
			}
		}
	}

	if err := s.appendEventTx(tx, "bond_confidence_updated", "success", map[string]any{
		"id": id, "previous_confidence": previous, "new_confidence": value,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("kernel/store: commit update_bond_confidence(%s): %w", id, err)
	}

	return &BondConfidenceUpdate{Previous: previous, New: value}, nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// defaultActor is the clock actor used for events appended by this process.
// Multi-actor sync is explicitly out of scope (spec §1's sync/crypto
// exclusion); every event this store appends on its own behalf shares one
// actor, so ordering within it reduces to a plain monotonic counter.
const defaultActor = "local"

// appendEventTx appends one event inside an already-open transaction,
// assigning the next clock_seq for defaultActor. It assumes the caller
// already holds s.mu — unlike the public AppendEvent, it must never
// re-acquire the lock, since it runs nested inside save_entity/save_bond/
// update_bond_confidence's own locked transactions (spec's supplemented
// "one event per successful save" policy, SPEC_FULL.md §C item 2).
func (s *SQLiteStore) appendEventTx(tx *sql.Tx, typ, op string, payload any) error {
	var seq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(clock_seq), 0) + 1 FROM events WHERE clock_actor = ?`, defaultActor).Scan(&seq); err != nil {
		return fmt.Errorf("kernel/store: next event seq: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kernel/store: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO events (id, clock_actor, clock_seq, type, op, persona_id, signature, payload)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?)
	`, "event-"+uuid.NewString(), defaultActor, seq, typ, op, string(raw)); err != nil {
		return fmt.Errorf("kernel/store: append event in tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := e.ID
	if id == "" {
		id = "event-" + uuid.NewString()
	}
	payload := e.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}

	_, err := s.db.Exec(`
		INSERT INTO events (id, clock_actor, clock_seq, type, op, persona_id, signature, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, e.Clock.Actor, e.Clock.Seq, e.Type, e.Op, nullable(e.PersonaID), nullable(e.Signature), string(payload))
	if err != nil {
		return fmt.Errorf("kernel/store: append_event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IterEvents() ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, clock_actor, clock_seq, type, op, persona_id, signature, payload FROM events ORDER BY clock_actor, clock_seq`)
	if err != nil {
		return nil, fmt.Errorf("kernel/store: iter_events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var persona, sig sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.Clock.Actor, &e.Clock.Seq, &e.Type, &e.Op, &persona, &sig, &payload); err != nil {
			return nil, fmt.Errorf("kernel/store: scan event: %w", err)
		}
		if persona.Valid {
			e.PersonaID = persona.String
		}
		if sig.Valid {
			e.Signature = sig.String
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// States
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SaveState(st *State) error {
	data, err := json.Marshal(st.Data)
	if err != nil {
		return fmt.Errorf("kernel/store: marshal state %s: %w", st.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO states (id, protocol_id, status, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET protocol_id = excluded.protocol_id, status = excluded.status, data = excluded.data
	`, st.ID, st.ProtocolID, string(st.Status), string(data))
	if err != nil {
		return fmt.Errorf("kernel/store: save_state(%s): %w", st.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadState(id string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st State
	var status, data string
	err := s.db.QueryRow(`SELECT id, protocol_id, status, data FROM states WHERE id = ?`, id).Scan(&st.ID, &st.ProtocolID, &status, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kernel/store: load_state(%s): %w", id, err)
	}
	st.Status = StateStatus(status)
	if err := json.Unmarshal([]byte(data), &st.Data); err != nil {
		return nil, fmt.Errorf("kernel/store: unmarshal state %s: %w", id, err)
	}
	return &st, nil
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SaveEmbedding(entityID, model string, vector []byte, dimension int) error {
	now := time.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO embeddings (entity_id, model_name, vector, dimension, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			model_name = excluded.model_name, vector = excluded.vector,
			dimension = excluded.dimension, updated_at = excluded.updated_at
	`, entityID, model, vector, dimension, now, now)
	if err != nil {
		return fmt.Errorf("kernel/store: save_embedding(%s): %w", entityID, err)
	}
	return nil
}

func (s *SQLiteStore) GetEmbedding(entityID string) (*Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e Embedding
	e.EntityID = entityID
	err := s.db.QueryRow(`SELECT model_name, vector, dimension, created_at, updated_at FROM embeddings WHERE entity_id = ?`, entityID).
		Scan(&e.Model, &e.Vector, &e.Dimension, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kernel/store: get_embedding(%s): %w", entityID, err)
	}
	return &e, nil
}

func (s *SQLiteStore) DeleteEmbedding(entityID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM embeddings WHERE entity_id = ?`, entityID)
	if err != nil {
		return false, fmt.Errorf("kernel/store: delete_embedding(%s): %w", entityID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) HasEmbedding(entityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM embeddings WHERE entity_id = ?`, entityID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kernel/store: has_embedding(%s): %w", entityID, err)
	}
	return true, nil
}

func (s *SQLiteStore) GetAllEmbeddings(model string, limit int) ([]*Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT entity_id, model_name, vector, dimension, created_at, updated_at FROM embeddings`
	args := []any{}
	if model != "" {
		query += ` WHERE model_name = ?`
		args = append(args, model)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("kernel/store: get_all_embeddings: %w", err)
	}
	defer rows.Close()

	var out []*Embedding
	for rows.Next() {
		var e Embedding
		if err := rows.Scan(&e.EntityID, &e.Model, &e.Vector, &e.Dimension, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("kernel/store: scan embedding: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Archive
// ---------------------------------------------------------------------------

func (s *SQLiteStore) ArchiveEntity(id, reason, archivedBy, learningID string) (*ArchiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var typ, data string
	err := s.db.QueryRow(`SELECT type, data FROM entities WHERE id = ?`, id).Scan(&typ, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kernel/store: archive_entity(%s) read: %w", id, err)
	}

	rec := &ArchiveRecord{
		ArchiveID:    "archive-" + shortUUID(),
		OriginalID:   id,
		OriginalType: typ,
		Data:         json.RawMessage(data),
		ArchivedAt:   time.Now().Unix(),
		ArchivedBy:   archivedBy,
		Reason:       reason,
		LearningID:   learningID,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("kernel/store: begin archive_entity(%s): %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO archive (archive_id, original_id, original_type, data, archived_at, archived_by, reason, learning_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ArchiveID, rec.OriginalID, rec.OriginalType, string(rec.Data), rec.ArchivedAt, nullable(archivedBy), nullable(reason), nullable(learningID)); err != nil {
		return nil, fmt.Errorf("kernel/store: insert archive row for %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("kernel/store: delete archived entity %s: %w", id, err)
	}
	if s.ftsEnabled {
		_, _ = tx.Exec(`DELETE FROM entity_fts WHERE id = ?`, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("kernel/store: commit archive_entity(%s): %w", id, err)
	}
	s.markSearchDirty()
	return rec, nil
}

func (s *SQLiteStore) ArchiveBond(id, reason, archivedBy, learningID string) (*ArchiveRecord, error) {
	s.mu.Lock()
	var typ, fromID, toID, status string
	var confidence float64
	var data string
	err := s.db.QueryRow(`SELECT type, from_id, to_id, status, confidence, data FROM bonds WHERE id = ?`, id).
		Scan(&typ, &fromID, &toID, &status, &confidence, &data)
	if err == sql.ErrNoRows {
		s.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("kernel/store: archive_bond(%s) read: %w", id, err)
	}

	bondPayload, _ := json.Marshal(Bond{ID: id, Type: typ, FromID: fromID, ToID: toID, Status: status, Confidence: confidence, Data: json.RawMessage(data)})

	rec := &ArchiveRecord{
		ArchiveID:    "archive-bond-" + shortUUID(),
		OriginalID:   id,
		OriginalType: "bond",
		Data:         bondPayload,
		ArchivedAt:   time.Now().Unix(),
		ArchivedBy:   archivedBy,
		Reason:       reason,
		LearningID:   learningID,
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("kernel/store: begin archive_bond(%s): %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO archive (archive_id, original_id, original_type, data, archived_at, archived_by, reason, learning_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ArchiveID, rec.OriginalID, rec.OriginalType, string(rec.Data), rec.ArchivedAt, nullable(archivedBy), nullable(reason), nullable(learningID)); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("kernel/store: insert archive row for bond %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM bonds WHERE id = ?`, id); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("kernel/store: delete archived bond %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM entities WHERE id = ? AND type = 'relationship'`, id); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("kernel/store: delete mirrored relationship entity %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("kernel/store: commit archive_bond(%s): %w", id, err)
	}
	s.mu.Unlock()
	s.markSearchDirty()
	return rec, nil
}

func (s *SQLiteStore) ResurrectEntity(archiveID string) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var originalID, originalType, data string
	err := s.db.QueryRow(`SELECT original_id, original_type, data FROM archive WHERE archive_id = ?`, archiveID).
		Scan(&originalID, &originalType, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kernel/store: resurrect_entity(%s) read: %w", archiveID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("kernel/store: begin resurrect_entity(%s): %w", archiveID, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO entities (id, type, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET type = excluded.type, data = excluded.data
	`, originalID, originalType, data); err != nil {
		return nil, fmt.Errorf("kernel/store: reinsert resurrected entity %s: %w", originalID, err)
	}
	if _, err := tx.Exec(`DELETE FROM archive WHERE archive_id = ?`, archiveID); err != nil {
		return nil, fmt.Errorf("kernel/store: remove archive row %s: %w", archiveID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("kernel/store: commit resurrect_entity(%s): %w", archiveID, err)
	}

	s.markSearchDirty()
	return &Entity{ID: originalID, Type: originalType, Data: json.RawMessage(data)}, nil
}

func (s *SQLiteStore) GetArchived(originalID, originalType string) ([]*ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT archive_id, original_id, original_type, data, archived_at, archived_by, reason, learning_id FROM archive WHERE 1=1`
	var args []any
	if originalID != "" {
		query += ` AND original_id = ?`
		args = append(args, originalID)
	}
	if originalType != "" {
		query += ` AND original_type = ?`
		args = append(args, originalType)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("kernel/store: get_archived: %w", err)
	}
	defer rows.Close()

	var out []*ArchiveRecord
	for rows.Next() {
		var rec ArchiveRecord
		var by, reason, learning sql.NullString
		var data string
		if err := rows.Scan(&rec.ArchiveID, &rec.OriginalID, &rec.OriginalType, &data, &rec.ArchivedAt, &by, &reason, &learning); err != nil {
			return nil, fmt.Errorf("kernel/store: scan archive row: %w", err)
		}
		rec.Data = json.RawMessage(data)
		if by.Valid {
			rec.ArchivedBy = by.String
		}
		if reason.Valid {
			rec.Reason = reason.String
		}
		if learning.Valid {
			rec.LearningID = learning.String
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Search (FTS5, degrading to Aho-Corasick)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) markSearchDirty() {
	s.searchMu.Lock()
	s.searchDirty = true
	s.searchMu.Unlock()
}

// SearchEntities implements the FTS surface described in spec §3/§6. When
// FTS5 is available it issues a MATCH query; otherwise every query term
// (after stripping English stopwords) is compiled into a single
// Aho-Corasick automaton and scanned once against each indexed document,
// which is the multi-pattern replacement for a LIKE-per-term scan.
func (s *SQLiteStore) SearchEntities(query string, limit int) ([]*Entity, error) {
	if s.ftsEnabled {
		return s.searchFTS(query, limit)
	}
	return s.searchDegraded(query, limit)
}

func (s *SQLiteStore) searchFTS(query string, limit int) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT e.id, e.type, e.data FROM entity_fts f JOIN entities e ON e.id = f.id WHERE entity_fts MATCH ?`
	args := []any{query}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("kernel/store: search_entities(fts): %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var e Entity
		var data string
		if err := rows.Scan(&e.ID, &e.Type, &data); err != nil {
			return nil, fmt.Errorf("kernel/store: scan fts result: %w", err)
		}
		e.Data = json.RawMessage(data)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) searchDegraded(query string, limit int) ([]*Entity, error) {
	docs, err := s.ensureSearchIndex()
	if err != nil {
		return nil, err
	}

	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}

	ac, err := ahocorasick.NewBuilder().
		AddStrings(terms).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, fmt.Errorf("kernel/store: build degraded search automaton: %w", err)
	}

	var ids []string
	for _, d := range docs {
		haystack := strings.ToLower(d.title + " " + d.body)
		if len(ac.FindAllOverlapping([]byte(haystack))) > 0 {
			ids = append(ids, d.id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}

	var out []*Entity
	for _, id := range ids {
		e, err := s.LoadEntity(id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// ensureSearchIndex rebuilds the in-process degraded-search index from the
// entities table if a write has happened since the last rebuild.
func (s *SQLiteStore) ensureSearchIndex() ([]searchDoc, error) {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()

	if !s.searchDirty {
		return s.searchDocs, nil
	}

	s.mu.RLock()
	rows, err := s.db.Query(`SELECT id, type, data FROM entities`)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("kernel/store: rebuild search index: %w", err)
	}
	defer rows.Close()

	var docs []searchDoc
	for rows.Next() {
		var id, typ, data string
		if err := rows.Scan(&id, &typ, &data); err != nil {
			return nil, fmt.Errorf("kernel/store: scan entity for search index: %w", err)
		}
		title, body := extractTitleBody(json.RawMessage(data))
		docs = append(docs, searchDoc{id: id, typ: typ, title: title, body: body})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.searchDocs = docs
	s.searchDirty = false
	return docs, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func shortUUID() string {
	full := uuid.NewString()
	return strings.ReplaceAll(full, "-", "")[:8]
}

// extractTitleBody projects an entity's opaque JSON payload down to the
// (title, body) shape the FTS surface and its degraded fallback both index.
// The store has no schema, so this is a best-effort heuristic over common
// field names, not a contract.
func extractTitleBody(data json.RawMessage) (title, body string) {
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", string(data)
	}
	for _, key := range []string{"title", "name", "label"} {
		if v, ok := generic[key].(string); ok {
			title = v
			break
		}
	}
	for _, key := range []string{"body", "content", "description", "text"} {
		if v, ok := generic[key].(string); ok {
			body = v
			break
		}
	}
	if title == "" && body == "" {
		body = flattenStrings(generic)
	}
	return title, body
}

func flattenStrings(v any) string {
	var parts []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			parts = append(parts, t)
		case map[string]any:
			for _, vv := range t {
				walk(vv)
			}
		case []any:
			for _, vv := range t {
				walk(vv)
			}
		}
	}
	walk(v)
	return strings.Join(parts, " ")
}

var queryStopwords = stopwords.MustGet("en")

func tokenizeQuery(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?\"'")
		if f == "" || queryStopwords.Contains(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}
