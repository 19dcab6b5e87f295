// Package storage persists visitors, their entry/exit events and face embeddings in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"time"

	"github.com/LdDl/mot-visitors/visitors"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var (
	// ErrVisitorNotFound is returned for unknown identities
	ErrVisitorNotFound = errors.New("visitor not found")
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// DB is SQLite-backed visitors.VisitorStore
type DB struct {
	*sql.DB
}

// Visitor is a persisted unique visitor
type Visitor struct {
	ID         string    `json:"face_id"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	VisitCount int       `json:"visit_count"`
}

// EventRecord is a persisted event with its row ID
type EventRecord struct {
	ID int64 `json:"id"`
	visitors.Event
}

// Embedding is a stored face descriptor
type Embedding struct {
	Identity string
	Vector   []float32
}

// Open opens database at path and applies pending migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", path)
	}
	// Single writer. Keeps pragmas valid for the whole lifetime
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, errors.Wrapf(err, "can't apply %q", pragma)
		}
	}
	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Exists reports whether visitor was registered
func (db *DB) Exists(ctx context.Context, identity string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM visitors WHERE face_id = ?`, identity).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "exists")
	}
	return true, nil
}

// AddVisitor registers visitor. Registering the same identity again is a no-op.
func (db *DB) AddVisitor(ctx context.Context, identity string, at time.Time) error {
	ms := toMillis(at)
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO visitors (face_id, first_seen, last_seen, visit_count)
		VALUES (?, ?, ?, 0)`, identity, ms, ms)
	return errors.Wrapf(err, "add visitor %s", identity)
}

// TouchLastSeen moves last seen time of visitor forward. Unknown identities are ignored.
func (db *DB) TouchLastSeen(ctx context.Context, identity string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE visitors SET last_seen = MAX(last_seen, ?) WHERE face_id = ?`, toMillis(at), identity)
	return errors.Wrapf(err, "touch %s", identity)
}

// LogEvent stores event. Entry events also bump visit count and create
// visitor row when it is missing.
func (db *DB) LogEvent(ctx context.Context, event visitors.Event) error {
	if event.Type != visitors.EventEntry && event.Type != visitors.EventExit {
		return errors.Errorf("unknown event type %q", event.Type)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	ms := toMillis(event.Timestamp)
	var imagePath sql.NullString
	if event.ImagePath != "" {
		imagePath = sql.NullString{String: event.ImagePath, Valid: true}
	}
	var confidence sql.NullFloat64
	if event.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *event.Confidence, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (face_id, event_type, timestamp, image_path, confidence)
		VALUES (?, ?, ?, ?, ?)`, event.Identity, string(event.Type), ms, imagePath, confidence)
	if err != nil {
		return errors.Wrap(err, "insert event")
	}

	switch event.Type {
	case visitors.EventEntry:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO visitors (face_id, first_seen, last_seen, visit_count)
			VALUES (?, ?, ?, 1)
			ON CONFLICT (face_id) DO UPDATE SET
				visit_count = visit_count + 1,
				last_seen = MAX(last_seen, excluded.last_seen)`, event.Identity, ms, ms)
	case visitors.EventExit:
		_, err = tx.ExecContext(ctx, `
			UPDATE visitors SET last_seen = MAX(last_seen, ?) WHERE face_id = ?`, ms, event.Identity)
	}
	if err != nil {
		return errors.Wrap(err, "update visitor")
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Stats returns visitor and event counters
func (db *DB) Stats(ctx context.Context) (visitors.Stats, error) {
	stats := visitors.Stats{}
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visitors`).Scan(&stats.VisitorCount)
	if err != nil {
		return stats, errors.Wrap(err, "count visitors")
	}
	err = db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN event_type = 'entry' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event_type = 'exit' THEN 1 ELSE 0 END), 0)
		FROM events`).Scan(&stats.EventCount, &stats.EntryCount, &stats.ExitCount)
	if err != nil {
		return stats, errors.Wrap(err, "count events")
	}
	return stats, nil
}

// UniqueVisitorCount returns number of registered visitors
func (db *DB) UniqueVisitorCount(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visitors`).Scan(&count)
	return count, errors.Wrap(err, "count visitors")
}

// Visitor returns single visitor
func (db *DB) Visitor(ctx context.Context, identity string) (Visitor, error) {
	var v Visitor
	var firstSeen, lastSeen int64
	err := db.QueryRowContext(ctx, `
		SELECT face_id, first_seen, last_seen, visit_count FROM visitors WHERE face_id = ?`, identity).
		Scan(&v.ID, &firstSeen, &lastSeen, &v.VisitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Visitor{}, errors.Wrap(ErrVisitorNotFound, identity)
	}
	if err != nil {
		return Visitor{}, errors.Wrapf(err, "visitor %s", identity)
	}
	v.FirstSeen = fromMillis(firstSeen)
	v.LastSeen = fromMillis(lastSeen)
	return v, nil
}

// RecentEvents returns up to limit latest events, newest first
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, face_id, event_type, timestamp, image_path, confidence
		FROM events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent events")
	}
	return scanEvents(rows)
}

// VisitorEvents returns every event of visitor in chronological order
func (db *DB) VisitorEvents(ctx context.Context, identity string) ([]EventRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, face_id, event_type, timestamp, image_path, confidence
		FROM events WHERE face_id = ? ORDER BY timestamp ASC, id ASC`, identity)
	if err != nil {
		return nil, errors.Wrapf(err, "events of %s", identity)
	}
	return scanEvents(rows)
}

// SaveEmbedding stores descriptor of identity, replacing the previous one
func (db *DB) SaveEmbedding(ctx context.Context, identity string, vector []float32, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO visitor_embeddings (face_id, dim, vector, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (face_id) DO UPDATE SET
			dim = excluded.dim,
			vector = excluded.vector,
			created_at = excluded.created_at`, identity, len(vector), encodeVector(vector), toMillis(at))
	return errors.Wrapf(err, "save embedding of %s", identity)
}

// LoadEmbeddings returns every stored descriptor in creation order
func (db *DB) LoadEmbeddings(ctx context.Context) ([]Embedding, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT face_id, dim, vector FROM visitor_embeddings ORDER BY created_at ASC, face_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "load embeddings")
	}
	defer rows.Close()
	result := make([]Embedding, 0)
	for rows.Next() {
		var identity string
		var dim int
		var blob []byte
		if err := rows.Scan(&identity, &dim, &blob); err != nil {
			return nil, errors.Wrap(err, "scan embedding")
		}
		vector, err := decodeVector(blob, dim)
		if err != nil {
			return nil, errors.Wrapf(err, "embedding of %s", identity)
		}
		result = append(result, Embedding{Identity: identity, Vector: vector})
	}
	return result, errors.Wrap(rows.Err(), "iterate embeddings")
}

func scanEvents(rows *sql.Rows) ([]EventRecord, error) {
	defer rows.Close()
	result := make([]EventRecord, 0)
	for rows.Next() {
		var rec EventRecord
		var eventType string
		var ms int64
		var imagePath sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.Identity, &eventType, &ms, &imagePath, &confidence); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		rec.Type = visitors.EventType(eventType)
		rec.Timestamp = fromMillis(ms)
		rec.ImagePath = imagePath.String
		if confidence.Valid {
			c := confidence.Float64
			rec.Confidence = &c
		}
		result = append(result, rec)
	}
	return result, errors.Wrap(rows.Err(), "iterate events")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeVector(vector []float32) []byte {
	blob := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[4*i:], math.Float32bits(v))
	}
	return blob
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, errors.Errorf("blob of %d bytes can't hold %d floats", len(blob), dim)
	}
	vector := make([]float32, dim)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vector, nil
}
