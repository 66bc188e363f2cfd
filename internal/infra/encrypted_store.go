package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const storeDBName = "webmon.db"

// ErrNotFound is returned when a rule or secret does not exist.
var ErrNotFound = domain.ErrNotFound

// EncryptedStore is the record store: block rules, audit events, secrets and
// daemon state in one SQLCipher database. Both daemons and the CLI open it,
// so every write is a single statement or a transaction.
type EncryptedStore struct {
	db             *sql.DB
	dbPath         string
	processManager domain.ProcessManager
	now            func() time.Time
}

// NewEncryptedStore opens (or creates) the encrypted database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dataDir string, key []byte, pm domain.ProcessManager) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000",
		dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// A wrong key only shows up on the first real query.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedStore{
		db:             db,
		dbPath:         dbPath,
		processManager: pm,
		now:            time.Now,
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// OpenStore loads or creates the key under dataDir and opens the store.
func OpenStore(dataDir string, pm domain.ProcessManager) (*EncryptedStore, error) {
	key, err := EnsureKey(NewFileKeyProvider(dataDir))
	if err != nil {
		return nil, err
	}
	return NewEncryptedStore(dataDir, key, pm)
}

// OpenRegistry returns store as the daemon registry, or the JSON file
// registry when the encrypted store could not be opened.
func OpenRegistry(store *EncryptedStore, pm domain.ProcessManager) domain.DaemonRegistry {
	if store != nil {
		return store
	}
	return NewFileRegistry(pm)
}

func (s *EncryptedStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daemon_state (
		role TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		process_name TEXT NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		app_version TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS block_rules (
		id TEXT PRIMARY KEY,
		raw_input TEXT NOT NULL,
		normalized_domain TEXT NOT NULL,
		match_type TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		category TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		rule_id TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL,
		event TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS audit_events_ts ON audit_events (ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path; the rule refresher watches it.
func (s *EncryptedStore) Path() string {
	return s.dbPath
}

// --- domain.DaemonRegistry ---

// Register saves the daemon's PID and obfuscated name and stamps its heartbeat.
func (s *EncryptedStore) Register(daemon domain.Daemon) error {
	if daemon.Role != domain.RoleWatcher && daemon.Role != domain.RoleGuardian {
		return fmt.Errorf("unknown role %q", daemon.Role)
	}
	mode := ExecModeUser
	if os.Geteuid() == 0 {
		mode = ExecModeSystem
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO daemon_state (role, pid, process_name, last_heartbeat, app_version)
		VALUES (?, ?, ?, ?, ?)`,
		string(daemon.Role), daemon.PID, daemon.ObfuscatedName, s.now().Unix(), daemon.AppVersion,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('mode', ?)`, string(mode)); err != nil {
		return err
	}
	if daemon.AppVersion != "" {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('app_version', ?)`, daemon.AppVersion); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetPartner returns the partner daemon info (watcher<->guardian).
func (s *EncryptedStore) GetPartner(role domain.DaemonRole) (*domain.Daemon, error) {
	entry, err := s.GetAll()
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("registry is empty")
	}
	return partnerOf(entry, role)
}

// UpdateHeartbeat stamps the role's heartbeat.
func (s *EncryptedStore) UpdateHeartbeat(role domain.DaemonRole) error {
	result, err := s.db.Exec(`UPDATE daemon_state SET last_heartbeat = ? WHERE role = ?`,
		s.now().Unix(), string(role))
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("daemon %s not registered", role)
	}
	return nil
}

// IsPartnerAlive checks if partner daemon is running via PID.
func (s *EncryptedStore) IsPartnerAlive(role domain.DaemonRole) (bool, error) {
	partner, err := s.GetPartner(role)
	if err != nil {
		return false, nil // Partner not registered = not alive
	}
	return s.processManager.IsRunning(partner.PID), nil
}

// GetAll returns full registry state, or nil when no daemon registered.
func (s *EncryptedStore) GetAll() (*domain.RegistryEntry, error) {
	entry := &domain.RegistryEntry{Version: 1}

	rows, err := s.db.Query(`SELECT role, pid, process_name, last_heartbeat, app_version FROM daemon_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			role       string
			pid        int
			name       string
			heartbeat  int64
			appVersion string
		)
		if err := rows.Scan(&role, &pid, &name, &heartbeat, &appVersion); err != nil {
			return nil, err
		}
		found = true
		switch domain.DaemonRole(role) {
		case domain.RoleWatcher:
			entry.WatcherPID = pid
			entry.WatcherName = name
			entry.WatcherHeartbeat = heartbeat
			entry.AppVersion = appVersion
		case domain.RoleGuardian:
			entry.GuardianPID = pid
			entry.GuardianName = name
			entry.GuardianHeartbeat = heartbeat
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var mode string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'mode'`).Scan(&mode); err == nil {
		entry.Mode = mode
	}
	return entry, nil
}

// Clear removes all daemon state (for clean restart).
func (s *EncryptedStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM daemon_state`); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM meta WHERE key IN ('mode', 'app_version')`)
	return err
}

// GetRegistryPath returns the database file path.
func (s *EncryptedStore) GetRegistryPath() string {
	return s.dbPath
}

// --- domain.RuleEditor ---

const ruleColumns = `id, raw_input, normalized_domain, match_type, enabled, category, priority, created_at, updated_at`

// GetEnabledRules returns every enabled block rule.
func (s *EncryptedStore) GetEnabledRules(ctx context.Context) ([]domain.BlockRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM block_rules WHERE enabled = 1 ORDER BY id`)
}

// ListRules returns all rules, enabled or not.
func (s *EncryptedStore) ListRules(ctx context.Context) ([]domain.BlockRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM block_rules ORDER BY created_at, id`)
}

// SaveRule inserts or replaces a rule by ID.
func (s *EncryptedStore) SaveRule(ctx context.Context, rule domain.BlockRule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule has no id")
	}
	if !rule.MatchType.Valid() {
		return fmt.Errorf("rule %s: invalid match type %q", rule.ID, rule.MatchType)
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.now()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO block_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.RawInput, rule.NormalizedDomain, string(rule.MatchType), rule.Enabled,
		rule.Category, rule.Priority, rule.CreatedAt.UnixNano(), rule.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return nil
}

// RemoveRule deletes a rule by ID.
func (s *EncryptedStore) RemoveRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM block_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove rule %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *EncryptedStore) queryRules(ctx context.Context, query string) ([]domain.BlockRule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.BlockRule
	for rows.Next() {
		var (
			r                domain.BlockRule
			matchType        string
			created, updated int64
		)
		if err := rows.Scan(&r.ID, &r.RawInput, &r.NormalizedDomain, &matchType, &r.Enabled,
			&r.Category, &r.Priority, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.MatchType = domain.MatchType(matchType)
		r.CreatedAt = time.Unix(0, created)
		r.UpdatedAt = time.Unix(0, updated)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// --- domain.AuditSink ---

// AppendAuditEvent stores one audit event.
func (s *EncryptedStore) AppendAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	var payload []byte
	if event.Event != nil {
		var err error
		if payload, err = json.Marshal(event.Event); err != nil {
			return fmt.Errorf("encode security event: %w", err)
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO audit_events (id, kind, domain, rule_id, ts, event)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Kind), event.Domain, event.RuleID, event.Timestamp.UnixNano(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// RecentAuditEvents returns up to limit events newer than since, newest first.
func (s *EncryptedStore) RecentAuditEvents(ctx context.Context, since time.Time, limit int) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, domain, rule_id, ts, event FROM audit_events
		WHERE ts >= ? ORDER BY ts DESC LIMIT ?`, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var (
			e       domain.AuditEvent
			kind    string
			ts      int64
			payload string
		)
		if err := rows.Scan(&e.ID, &kind, &e.Domain, &e.RuleID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Kind = domain.AuditKind(kind)
		e.Timestamp = time.Unix(0, ts)
		if payload != "" {
			var se domain.SecurityEvent
			if err := json.Unmarshal([]byte(payload), &se); err == nil {
				e.Event = &se
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountBlocksSince counts block events at or after since.
func (s *EncryptedStore) CountBlocksSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE kind = ? AND ts >= ?`,
		string(domain.AuditBlock), since.UnixNano()).Scan(&n)
	return n, err
}

// --- domain.SecretStore ---

// GetSecret retrieves a secret by key.
func (s *EncryptedStore) GetSecret(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("secret %q: %w", key, ErrNotFound)
	}
	return value, err
}

// SetSecret stores a secret.
func (s *EncryptedStore) SetSecret(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO secrets (key, value, created_at) VALUES (?, ?, ?)`,
		key, value, s.now().Unix())
	return err
}

// GetAllSecrets returns all stored secrets.
func (s *EncryptedStore) GetAllSecrets() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM secrets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	secrets := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		secrets[k] = v
	}
	return secrets, rows.Err()
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var (
	_ domain.DaemonRegistry = (*EncryptedStore)(nil)
	_ domain.SecretStore    = (*EncryptedStore)(nil)
	_ domain.RuleEditor     = (*EncryptedStore)(nil)
	_ domain.AuditSink      = (*EncryptedStore)(nil)
)
