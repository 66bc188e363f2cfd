package domain

import "context"

// ProcessInfo is a snapshot of one running process.
type ProcessInfo struct {
	PID     int
	Name    string
	Cmdline string
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// List returns all visible processes.
	List() ([]ProcessInfo, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// DaemonRegistry provides daemon discovery and registration.
// Daemons find each other via PID stored in the registry.
type DaemonRegistry interface {
	// Register saves current daemon's PID and obfuscated name.
	Register(daemon Daemon) error

	// GetPartner returns the partner daemon info (watcher<->guardian).
	GetPartner(role DaemonRole) (*Daemon, error)

	// UpdateHeartbeat updates the role's timestamp for liveness check.
	UpdateHeartbeat(role DaemonRole) error

	// IsPartnerAlive checks if partner daemon is running via PID.
	IsPartnerAlive(role DaemonRole) (bool, error)

	// GetAll returns full registry state (for status command).
	GetAll() (*RegistryEntry, error)

	// Clear removes all daemon state (for clean restart).
	Clear() error

	// GetRegistryPath returns the registry location (for tests).
	GetRegistryPath() string
}

// RuleStore is the read side of the record store.
type RuleStore interface {
	// GetEnabledRules returns every enabled block rule.
	GetEnabledRules(ctx context.Context) ([]BlockRule, error)
}

// RuleEditor is the write side of the record store used by the CLI and API.
type RuleEditor interface {
	RuleStore

	// ListRules returns all rules, enabled or not.
	ListRules(ctx context.Context) ([]BlockRule, error)

	// SaveRule inserts or replaces a rule by ID.
	SaveRule(ctx context.Context, rule BlockRule) error

	// RemoveRule deletes a rule by ID.
	RemoveRule(ctx context.Context, id string) error
}

// AuditSink receives audit events. Callers treat it as fire-and-forget.
type AuditSink interface {
	AppendAuditEvent(ctx context.Context, event AuditEvent) error
}

// KeyProvider abstracts how the encryption key is obtained.
// Phase 1: FileKeyProvider reads from a local file.
// Phase 2: ServerKeyProvider fetches from remote server.
type KeyProvider interface {
	// GetKey returns the encryption key.
	GetKey() ([]byte, error)

	// StoreKey persists the encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been stored.
	KeyExists() bool
}

// SecretStore provides encrypted key-value storage for sensitive config.
type SecretStore interface {
	// GetSecret retrieves a secret by key.
	GetSecret(key string) (string, error)

	// SetSecret stores a secret.
	SetSecret(key, value string) error

	// GetAllSecrets returns all stored secrets.
	GetAllSecrets() (map[string]string, error)

	// Close releases resources.
	Close() error
}

// Obfuscator generates system-like process names.
type Obfuscator interface {
	// GenerateName creates a random system-looking process name.
	GenerateName() string
}

// CredentialVerifier checks the operator credential that gates shutdown.
type CredentialVerifier interface {
	// Verify returns nil only when credential matches the stored one.
	Verify(credential string) error
}

// ProxySettings is the OS-level web proxy configuration.
type ProxySettings struct {
	HTTPEnabled  bool
	HTTPHost     string
	HTTPPort     int
	HTTPSEnabled bool
	HTTPSHost    string
	HTTPSPort    int
}

// SystemProxy reads and writes the OS proxy configuration.
type SystemProxy interface {
	// Get returns the current settings.
	Get(ctx context.Context) (ProxySettings, error)

	// Set points the OS proxy at the given settings.
	Set(ctx context.Context, settings ProxySettings) error
}
