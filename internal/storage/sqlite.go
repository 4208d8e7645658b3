package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"mudward.io/mudward/internal/clock"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	clock  clock.Clock
	closed bool
}

// Options configures the store.
type Options struct {
	Path    string      // Database file path (":memory:" for in-memory)
	WALMode bool        // Enable WAL mode for better concurrency
	Clock   clock.Clock // Optional: time source (defaults to RealClock if nil)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// Open creates a new SQLite-backed store.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA mmap_size = 268435456",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma %q: %w", p, err)
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}

	s := &Store{db: db, clock: clk}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables.
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS mud_profiles (
			url TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			acl_override BLOB,
			created_at DATETIME NOT NULL,
			expiration DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ipv4_addr TEXT,
			ipv6_addr TEXT,
			mac_addr TEXT,
			hostname TEXT NOT NULL DEFAULT '',
			vendor_class TEXT NOT NULL DEFAULT '',
			mud_url TEXT,
			collect_info INTEGER NOT NULL DEFAULT 0,
			last_interaction DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_devices_ipv4 ON devices(ipv4_addr) WHERE ipv4_addr IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_devices_ipv6 ON devices(ipv6_addr) WHERE ipv6_addr IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_devices_mud_url ON devices(mud_url) WHERE mud_url IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_profiles_expiration ON mud_profiles(expiration);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// --- Profiles ---

// UpsertProfile inserts or replaces a profile row keyed by URL.
// All columns are written; callers that need to preserve the stored override
// read the row first (the cache does this on refetch). A zero CreatedAt is
// stamped with the store's clock.
func (s *Store) UpsertProfile(row *ProfileRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.clock.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO mud_profiles (url, data, acl_override, created_at, expiration)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			data = excluded.data,
			acl_override = excluded.acl_override,
			created_at = excluded.created_at,
			expiration = excluded.expiration
	`, row.URL, row.Data, row.Override, row.CreatedAt.UTC(), row.Expiration.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert profile %s: %w", row.URL, err)
	}
	return nil
}

// GetProfile returns the profile row for url, or ErrNotFound.
func (s *Store) GetProfile(url string) (*ProfileRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	row := &ProfileRow{URL: url}
	var override []byte
	err := s.db.QueryRow(`
		SELECT data, acl_override, created_at, expiration
		FROM mud_profiles WHERE url = ?
	`, url).Scan(&row.Data, &override, &row.CreatedAt, &row.Expiration)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.Override = override
	return row, nil
}

// SetProfileOverride replaces only the override column of an existing row.
func (s *Store) SetProfileOverride(url string, override []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`UPDATE mud_profiles SET acl_override = ? WHERE url = ?`, override, url)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProfile removes a profile row.
func (s *Store) DeleteProfile(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM mud_profiles WHERE url = ?`, url)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProfiles returns all stored profile rows.
func (s *Store) ListProfiles() ([]ProfileRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT url, data, acl_override, created_at, expiration
		FROM mud_profiles ORDER BY url
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProfileRow
	for rows.Next() {
		var r ProfileRow
		if err := rows.Scan(&r.URL, &r.Data, &r.Override, &r.CreatedAt, &r.Expiration); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListProfileExpirations returns only (url, expiration) pairs, keeping the
// hourly refresh sweep cheap.
func (s *Store) ListProfileExpirations() ([]ProfileExpiration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT url, expiration FROM mud_profiles ORDER BY url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProfileExpiration
	for rows.Next() {
		var e ProfileExpiration
		if err := rows.Scan(&e.URL, &e.Expiration); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ProfileInUse reports whether any device references the profile URL.
func (s *Store) ProfileInUse(url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM devices WHERE mud_url = ?`, url).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Devices ---

// InsertDevice inserts a device row and returns its assigned id. A zero
// LastInteraction is stamped with the store's clock.
func (s *Store) InsertDevice(d *DeviceRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	if d.LastInteraction.IsZero() {
		d.LastInteraction = s.clock.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO devices (ipv4_addr, ipv6_addr, mac_addr, hostname, vendor_class, mud_url, collect_info, last_interaction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, nullable(d.IPv4), nullable(d.IPv6), nullable(d.MAC), d.Hostname, d.VendorClass,
		nullable(d.MudURL), d.CollectInfo, d.LastInteraction.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert device: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	d.ID = id
	return id, nil
}

// UpdateDevice rewrites a device row by id.
func (s *Store) UpdateDevice(d *DeviceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE devices SET ipv4_addr = ?, ipv6_addr = ?, mac_addr = ?, hostname = ?,
			vendor_class = ?, mud_url = ?, collect_info = ?, last_interaction = ?
		WHERE id = ?
	`, nullable(d.IPv4), nullable(d.IPv6), nullable(d.MAC), d.Hostname, d.VendorClass,
		nullable(d.MudURL), d.CollectInfo, d.LastInteraction.UTC(), d.ID)
	if err != nil {
		return fmt.Errorf("failed to update device %d: %w", d.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevice removes a device row.
func (s *Store) DeleteDevice(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDevice returns a device by id, or ErrNotFound.
func (s *Store) GetDevice(id int64) (*DeviceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.scanDevice(s.db.QueryRow(deviceSelect+` WHERE id = ?`, id))
}

// FindDeviceByIP returns the device holding the given IPv4 or IPv6 address.
func (s *Store) FindDeviceByIP(ip string) (*DeviceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.scanDevice(s.db.QueryRow(deviceSelect+` WHERE ipv4_addr = ? OR ipv6_addr = ?`, ip, ip))
}

// ListDevices returns all devices ordered by id.
func (s *Store) ListDevices() ([]DeviceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(deviceSelect + ` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

const deviceSelect = `
	SELECT id, ipv4_addr, ipv6_addr, mac_addr, hostname, vendor_class, mud_url, collect_info, last_interaction
	FROM devices`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDevice(row rowScanner) (*DeviceRow, error) {
	d, err := scanDeviceRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDeviceRow(row rowScanner) (*DeviceRow, error) {
	var d DeviceRow
	var ipv4, ipv6, mac, mudURL sql.NullString
	err := row.Scan(&d.ID, &ipv4, &ipv6, &mac, &d.Hostname, &d.VendorClass, &mudURL, &d.CollectInfo, &d.LastInteraction)
	if err != nil {
		return nil, err
	}
	d.IPv4 = ipv4.String
	d.IPv6 = ipv6.String
	d.MAC = mac.String
	d.MudURL = mudURL.String
	return &d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Config counters ---

// GetConfigValue returns the value for a named config row, or ErrNotFound.
func (s *Store) GetConfigValue(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetConfigValue upserts a named config row.
func (s *Store) SetConfigValue(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// IncrementCounter performs an atomic read-modify-write on a numeric config
// row and returns the new value. A missing or unparsable row counts as 0.
// The counter wraps at the uint64 boundary rather than failing.
func (s *Store) IncrementCounter(key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var raw string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	current, _ := strconv.ParseUint(raw, 10, 64)
	var next uint64
	if current == math.MaxUint64 {
		next = 0
	} else {
		next = current + 1
	}

	_, err = s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, strconv.FormatUint(next, 10))
	if err != nil {
		return 0, fmt.Errorf("failed to write counter %s: %w", key, err)
	}
	return next, nil
}
