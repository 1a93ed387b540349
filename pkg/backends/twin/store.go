package twin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrTwinNotFound is returned when a store holds no twin with the given id.
var ErrTwinNotFound = errors.New("twin not found")

// SensorReading is one recorded sensor value.
type SensorReading struct {
	SensorID   string    `json:"sensor_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// State is the latest simulated state of a twin.
type State struct {
	Status    string                 `json:"status"`
	Values    map[string]interface{} `json:"values,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SensorQuery filters sensor readings. Readings are returned newest first.
type SensorQuery struct {
	SensorType string
	Limit      int
}

// Store is a read-only view of digital twins.
type Store interface {
	Properties(ctx context.Context, twinID string) (map[string]interface{}, error)
	SensorData(ctx context.Context, twinID string, q SensorQuery) ([]SensorReading, error)
	State(ctx context.Context, twinID string) (*State, error)
}

type memoryTwin struct {
	properties map[string]interface{}
	readings   []SensorReading
	state      State
}

// MemoryStore keeps twins in memory. It is seeded with Put and AddReading
// and is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	twins map[string]*memoryTwin
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{twins: make(map[string]*memoryTwin)}
}

// Put creates or replaces a twin's properties and state.
func (s *MemoryStore) Put(twinID string, properties map[string]interface{}, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.twins[twinID]
	if !ok {
		t = &memoryTwin{}
		s.twins[twinID] = t
	}
	t.properties = properties
	t.state = state
}

// AddReading appends readings to an existing twin.
func (s *MemoryStore) AddReading(twinID string, readings ...SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.twins[twinID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTwinNotFound, twinID)
	}
	t.readings = append(t.readings, readings...)
	return nil
}

func (s *MemoryStore) get(twinID string) (*memoryTwin, error) {
	t, ok := s.twins[twinID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTwinNotFound, twinID)
	}
	return t, nil
}

func (s *MemoryStore) Properties(_ context.Context, twinID string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(twinID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(t.properties))
	for k, v := range t.properties {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SensorData(_ context.Context, twinID string, q SensorQuery) ([]SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(twinID)
	if err != nil {
		return nil, err
	}

	out := make([]SensorReading, 0, len(t.readings))
	for _, r := range t.readings {
		if q.SensorType == "" || r.SensorType == q.SensorType {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) State(_ context.Context, twinID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(twinID)
	if err != nil {
		return nil, err
	}
	state := t.state
	return &state, nil
}

// Schema is the table layout SQLiteStore reads. Timestamps are unix
// milliseconds; properties, state values are JSON objects.
const Schema = `
	CREATE TABLE IF NOT EXISTS twins (
		id TEXT PRIMARY KEY,
		properties TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		twin_id TEXT NOT NULL,
		sensor_id TEXT NOT NULL,
		sensor_type TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL,
		FOREIGN KEY (twin_id) REFERENCES twins(id)
	);
	CREATE INDEX IF NOT EXISTS idx_readings_twin ON sensor_readings(twin_id, recorded_at);
`

// SQLiteStore reads twins from a SQLite database opened read-only.
type SQLiteStore struct {
	db *sql.DB
}

// fileDSN builds a SQLite URI filename for path. The path is escaped so
// '?', '#' and '%' in file names stay part of the name.
func fileDSN(path string, params url.Values) string {
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath()
	if len(params) > 0 {
		dsn += "?" + params.Encode()
	}
	return dsn
}

// OpenSQLite opens path in read-only mode. The database must already exist.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fileDSN(path, url.Values{"mode": {"ro"}, "_query_only": {"1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open twin database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open twin database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) twinRow(ctx context.Context, twinID string) (properties, status, state string, updated int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT properties, status, state, updated_at FROM twins WHERE id = ?`, twinID,
	).Scan(&properties, &status, &state, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: %s", ErrTwinNotFound, twinID)
	}
	return
}

func (s *SQLiteStore) Properties(ctx context.Context, twinID string) (map[string]interface{}, error) {
	raw, _, _, _, err := s.twinRow(ctx, twinID)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode properties of %s: %w", twinID, err)
	}
	return out, nil
}

func (s *SQLiteStore) SensorData(ctx context.Context, twinID string, q SensorQuery) ([]SensorReading, error) {
	if _, _, _, _, err := s.twinRow(ctx, twinID); err != nil {
		return nil, err
	}

	query := `SELECT sensor_id, sensor_type, value, unit, recorded_at FROM sensor_readings WHERE twin_id = ?`
	args := []interface{}{twinID}
	if q.SensorType != "" {
		query += ` AND sensor_type = ?`
		args = append(args, q.SensorType)
	}
	query += ` ORDER BY recorded_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sensor data of %s: %w", twinID, err)
	}
	defer rows.Close()

	readings := []SensorReading{}
	for rows.Next() {
		var r SensorReading
		var recorded int64
		if err := rows.Scan(&r.SensorID, &r.SensorType, &r.Value, &r.Unit, &recorded); err != nil {
			return nil, fmt.Errorf("scan sensor reading: %w", err)
		}
		r.Timestamp = time.UnixMilli(recorded).UTC()
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *SQLiteStore) State(ctx context.Context, twinID string) (*State, error) {
	_, status, raw, updated, err := s.twinRow(ctx, twinID)
	if err != nil {
		return nil, err
	}
	state := &State{Status: status, UpdatedAt: time.UnixMilli(updated).UTC()}
	if err := json.Unmarshal([]byte(raw), &state.Values); err != nil {
		return nil, fmt.Errorf("decode state of %s: %w", twinID, err)
	}
	return state, nil
}
