// Package state persists the daemon's durable records: checkpoints, plugin
// audit trails, and applied-state history. Storage is a single SQLite file
// in WAL mode with a monotonic change log on top, so crash recovery and
// event replay both read from the same place. Typed buckets in buckets.go
// wrap the raw key-value surface.
package state

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"

	"grimm.is/rime/internal/clock"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrBucketExists  = errors.New("bucket already exists")
	ErrBucketMissing = errors.New("bucket does not exist")
	ErrStoreClosed   = errors.New("store is closed")
)

// SQLite's own 'now' reads the raw system clock. On appliances that boot at
// 1970 until the anchor kicks in, that would poison retention queries, so
// the time functions are overridden to go through the clock package.
// CURRENT_TIMESTAMP is a keyword and cannot be overridden; the schema avoids
// it and every write passes timestamps explicitly.
func init() {
	_ = sqlite.RegisterScalarFunction("datetime", -1, datetimeFunc)
	_ = sqlite.RegisterScalarFunction("strftime", -1, strftimeFunc)
	_ = sqlite.RegisterScalarFunction("date", -1, dateFunc)
	_ = sqlite.RegisterScalarFunction("time", -1, timeFunc)
	_ = sqlite.RegisterScalarFunction("julianday", -1, juliandayFunc)
}

func datetimeFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 {
		return clock.Now().UTC().Format("2006-01-02 15:04:05"), nil
	}
	if s, ok := args[0].(string); ok && strings.EqualFold(s, "now") {
		t := clock.Now().UTC()
		for _, arg := range args[1:] {
			if mod, ok := arg.(string); ok {
				switch strings.ToLower(mod) {
				case "localtime":
					t = t.Local()
				case "utc":
					t = t.UTC()
				}
			}
		}
		return t.Format("2006-01-02 15:04:05"), nil
	}
	// Literal timestamps pass through untouched.
	return args[0], nil
}

func strftimeFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) < 2 {
		return nil, errors.New("strftime requires a format and a time value")
	}
	format, ok := args[0].(string)
	if !ok {
		return nil, errors.New("strftime format must be a string")
	}
	if s, ok := args[1].(string); ok && strings.EqualFold(s, "now") {
		return clock.Now().UTC().Format(strftimeToGoLayout(format)), nil
	}
	return "", nil
}

func strftimeToGoLayout(format string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006",
		"%m", "01",
		"%d", "02",
		"%H", "15",
		"%M", "04",
		"%S", "05",
		"%f", "000000",
		"%s", "",
		"%w", "",
		"%j", "",
		"%W", "",
	)
	return replacer.Replace(format)
}

func dateFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 {
		return clock.Now().UTC().Format("2006-01-02"), nil
	}
	if s, ok := args[0].(string); ok && strings.EqualFold(s, "now") {
		return clock.Now().UTC().Format("2006-01-02"), nil
	}
	return args[0], nil
}

func timeFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 {
		return clock.Now().UTC().Format("15:04:05"), nil
	}
	if s, ok := args[0].(string); ok && strings.EqualFold(s, "now") {
		return clock.Now().UTC().Format("15:04:05"), nil
	}
	return args[0], nil
}

func juliandayFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 {
		return julianDay(clock.Now()), nil
	}
	if s, ok := args[0].(string); ok && strings.EqualFold(s, "now") {
		return julianDay(clock.Now()), nil
	}
	return nil, nil
}

func julianDay(t time.Time) float64 {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	if month <= 2 {
		year--
		month += 12
	}
	a := year / 100
	b := 2 - a + a/4

	return float64(int(365.25*float64(year+4716))) +
		float64(int(30.6001*float64(month+1))) +
		float64(day) + float64(b) - 1524.5 +
		float64(hour)/24.0 + float64(min)/1440.0 +
		float64(sec)/86400.0 + float64(t.Nanosecond())/86400000000000.0
}

// ChangeType classifies a change-log record.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one record in the change log. Version is the store-wide
// monotonic counter; subscribers and crash recovery resume from it.
type Change struct {
	ID        uint64     `json:"id"`
	Bucket    string     `json:"bucket"`
	Key       string     `json:"key"`
	Value     []byte     `json:"value,omitempty"`
	Type      ChangeType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Version   uint64     `json:"version"`
}

// Snapshot is a point-in-time copy of every bucket.
type Snapshot struct {
	Version   uint64            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Buckets   map[string]Bucket `json:"buckets"`
}

// Bucket maps keys to stored entries.
type Bucket map[string]Entry

// Entry is one stored value with its bookkeeping.
type Entry struct {
	Value     []byte    `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Store is the persistence surface the rest of the daemon programs against.
type Store interface {
	CreateBucket(name string) error
	DeleteBucket(name string) error
	ListBuckets() ([]string, error)

	Get(bucket, key string) ([]byte, error)
	GetWithMeta(bucket, key string) (*Entry, error)
	Set(bucket, key string, value []byte) error
	SetWithTTL(bucket, key string, value []byte, ttl time.Duration) error
	Delete(bucket, key string) error
	List(bucket string) (map[string][]byte, error)
	ListKeys(bucket string) ([]string, error)

	GetJSON(bucket, key string, v interface{}) error
	SetJSON(bucket, key string, v interface{}) error
	SetJSONWithTTL(bucket, key string, v interface{}, ttl time.Duration) error

	Subscribe(ctx context.Context) <-chan Change
	GetChangesSince(version uint64) ([]Change, error)
	CurrentVersion() uint64

	CreateSnapshot() (*Snapshot, error)
	RestoreSnapshot(snapshot *Snapshot) error

	Close() error
}

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	version uint64
	closed  bool
	clock   clock.Clock

	subMu       sync.RWMutex
	subscribers map[uint64]chan Change
	nextSubID   uint64

	ctx    context.Context
	cancel context.CancelFunc

	// OnWrite fires after every committed write. The daemon hangs the clock
	// anchor refresh off it without the clock package importing state.
	OnWrite func()
}

// Options configures the store.
type Options struct {
	Path            string
	WALMode         bool
	CleanupInterval time.Duration
	ChangeRetention time.Duration
	Clock           clock.Clock
}

// DefaultOptions returns production settings for the given database path.
// Pass ":memory:" for tests.
func DefaultOptions(path string) Options {
	return Options{
		Path:            path,
		WALMode:         true,
		CleanupInterval: 5 * time.Minute,
		ChangeRetention: 24 * time.Hour,
	}
}

// NewSQLiteStore opens (creating if needed) the database and starts the
// expiry sweeper.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA mmap_size = 268435456",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:          db,
		clock:       clk,
		subscribers: make(map[uint64]chan Change),
		ctx:         ctx,
		cancel:      cancel,
	}

	if err := s.initSchema(); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.loadVersion(); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("load change version: %w", err)
	}

	if opts.CleanupInterval > 0 {
		go s.sweepLoop(opts.CleanupInterval, opts.ChangeRetention)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			version INTEGER NOT NULL,
			updated_at DATETIME NOT NULL,
			expires_at DATETIME,
			PRIMARY KEY (bucket, key),
			FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			change_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at) WHERE expires_at IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_changes_version ON changes(version);
		CREATE INDEX IF NOT EXISTS idx_changes_timestamp ON changes(timestamp);
	`)
	return err
}

// loadVersion resumes the monotonic counter from the change log.
func (s *SQLiteStore) loadVersion() error {
	var version sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM changes").Scan(&version); err != nil {
		return err
	}
	if version.Valid {
		s.version = uint64(version.Int64)
	}
	return nil
}

func (s *SQLiteStore) sweepLoop(interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(retention)
		}
	}
}

// sweep drops expired entries and change-log records past retention.
func (s *SQLiteStore) sweep(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	now := clock.Now()
	_, _ = s.db.Exec("DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at < ?", now)
	_, _ = s.db.Exec("DELETE FROM changes WHERE timestamp < ?", now.Add(-retention))
}

func (s *SQLiteStore) CreateBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec("INSERT INTO buckets (name, created_at) VALUES (?, ?)", name, clock.Now()); err != nil {
		// The only way this insert fails on a healthy database is the
		// primary-key conflict.
		return ErrBucketExists
	}
	return nil
}

func (s *SQLiteStore) DeleteBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	result, err := s.db.Exec("DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrBucketMissing
	}
	return nil
}

func (s *SQLiteStore) ListBuckets() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query("SELECT name FROM buckets ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		buckets = append(buckets, name)
	}
	return buckets, rows.Err()
}

func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	entry, err := s.GetWithMeta(bucket, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetWithMeta fetches a value with its version and timestamps. Expired
// entries read as missing even before the sweeper removes them.
func (s *SQLiteStore) GetWithMeta(bucket, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var entry Entry
	var expiresAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT value, version, updated_at, expires_at
		FROM entries
		WHERE bucket = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)
	`, bucket, key, clock.Now()).Scan(&entry.Value, &entry.Version, &entry.UpdatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		entry.ExpiresAt = expiresAt.Time
	}
	return &entry, nil
}

func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	return s.put(bucket, key, value, time.Time{})
}

func (s *SQLiteStore) SetWithTTL(bucket, key string, value []byte, ttl time.Duration) error {
	return s.put(bucket, key, value, clock.Now().Add(ttl))
}

// put upserts the entry and appends to the change log in one transaction.
// The version counter rolls back if either half fails.
func (s *SQLiteStore) put(bucket, key string, value []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := clock.Now()
	s.version++
	version := s.version

	tx, err := s.db.Begin()
	if err != nil {
		s.version--
		return err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRow("SELECT 1 FROM entries WHERE bucket = ? AND key = ?", bucket, key).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		s.version--
		return err
	}
	isUpdate := err == nil

	var expiry interface{}
	if !expiresAt.IsZero() {
		expiry = expiresAt
	}
	_, err = tx.Exec(`
		INSERT INTO entries (bucket, key, value, version, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, bucket, key, value, version, now, expiry)
	if err != nil {
		s.version--
		return err
	}

	changeType := ChangeInsert
	if isUpdate {
		changeType = ChangeUpdate
	}
	change := Change{
		Bucket:    bucket,
		Key:       key,
		Value:     value,
		Type:      changeType,
		Timestamp: now,
		Version:   version,
	}
	if err := s.appendChange(tx, &change); err != nil {
		s.version--
		return err
	}
	if err := tx.Commit(); err != nil {
		s.version--
		return err
	}

	s.notifySubscribers(change)
	if s.OnWrite != nil {
		s.OnWrite()
	}
	return nil
}

func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	s.version++
	change := Change{
		Bucket:    bucket,
		Key:       key,
		Type:      ChangeDelete,
		Timestamp: clock.Now(),
		Version:   s.version,
	}
	if err := s.appendChange(tx, &change); err != nil {
		s.version--
		return err
	}
	if err := tx.Commit(); err != nil {
		s.version--
		return err
	}

	s.notifySubscribers(change)
	return nil
}

func (s *SQLiteStore) List(bucket string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT key, value FROM entries
		WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?)
	`, bucket, clock.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListKeys(bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT key FROM entries
		WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, bucket, clock.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) GetJSON(bucket, key string, v interface{}) error {
	data, err := s.Get(bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *SQLiteStore) SetJSON(bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(bucket, key, data)
}

func (s *SQLiteStore) SetJSONWithTTL(bucket, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SetWithTTL(bucket, key, data, ttl)
}

func (s *SQLiteStore) appendChange(tx *sql.Tx, change *Change) error {
	result, err := tx.Exec(`
		INSERT INTO changes (bucket, key, value, change_type, version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, change.Bucket, change.Key, change.Value, change.Type, change.Version, change.Timestamp)
	if err != nil {
		return err
	}
	id, _ := result.LastInsertId()
	change.ID = uint64(id)
	return nil
}

// notifySubscribers is best-effort: a subscriber whose buffer is full misses
// the change and is expected to catch up via GetChangesSince.
func (s *SQLiteStore) notifySubscribers(change Change) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

// Subscribe streams committed changes until ctx is cancelled.
func (s *SQLiteStore) Subscribe(ctx context.Context) <-chan Change {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Change, 100)
	s.subscribers[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		// Close may race the store's own shutdown.
		if _, live := s.subscribers[id]; live {
			delete(s.subscribers, id)
			close(ch)
		}
	}()

	return ch
}

func (s *SQLiteStore) GetChangesSince(version uint64) ([]Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, bucket, key, value, change_type, version, timestamp
		FROM changes
		WHERE version > ?
		ORDER BY version
	`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var changeType string
		if err := rows.Scan(&c.ID, &c.Bucket, &c.Key, &c.Value, &changeType, &c.Version, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Type = ChangeType(changeType)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (s *SQLiteStore) CurrentVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// CreateSnapshot copies every bucket into memory at the current version.
func (s *SQLiteStore) CreateSnapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	snapshot := &Snapshot{
		Version:   s.version,
		Timestamp: clock.Now(),
		Buckets:   make(map[string]Bucket),
	}

	rows, err := s.db.Query("SELECT name FROM buckets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	for _, name := range names {
		entries, err := s.db.Query(`
			SELECT key, value, version, updated_at, expires_at
			FROM entries
			WHERE bucket = ?
		`, name)
		if err != nil {
			return nil, err
		}

		bucket := make(Bucket)
		for entries.Next() {
			var key string
			var entry Entry
			var expiresAt sql.NullTime
			if err := entries.Scan(&key, &entry.Value, &entry.Version, &entry.UpdatedAt, &expiresAt); err != nil {
				entries.Close()
				return nil, err
			}
			if expiresAt.Valid {
				entry.ExpiresAt = expiresAt.Time
			}
			bucket[key] = entry
		}
		entries.Close()
		snapshot.Buckets[name] = bucket
	}

	return snapshot, nil
}

// RestoreSnapshot replaces the entire store contents with the snapshot.
func (s *SQLiteStore) RestoreSnapshot(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM entries"); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM buckets"); err != nil {
		return err
	}

	for name, bucket := range snapshot.Buckets {
		if _, err := tx.Exec("INSERT INTO buckets (name, created_at) VALUES (?, ?)", name, snapshot.Timestamp); err != nil {
			return err
		}
		for key, entry := range bucket {
			var expiry interface{}
			if !entry.ExpiresAt.IsZero() {
				expiry = entry.ExpiresAt
			}
			if _, err := tx.Exec(`
				INSERT INTO entries (bucket, key, value, version, updated_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, name, key, entry.Value, entry.Version, entry.UpdatedAt, expiry); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.version = snapshot.Version
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	s.subMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()

	return s.db.Close()
}
