package infra

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

const (
	credentialSecretKey = "operator_credential"
	minCredentialLength = 8
)

var (
	// ErrNoCredential means no operator credential has been set yet.
	ErrNoCredential = errors.New("no credential set")
	// ErrCredentialMismatch means the supplied credential is wrong.
	ErrCredentialMismatch = errors.New("credential mismatch")
)

// CredentialStore keeps a bcrypt hash of the operator credential in the
// secret store. It gates every authorized stop.
type CredentialStore struct {
	secrets domain.SecretStore
	cost    int
}

// NewCredentialStore creates a credential store over secrets.
func NewCredentialStore(secrets domain.SecretStore) *CredentialStore {
	return &CredentialStore{secrets: secrets, cost: bcrypt.DefaultCost}
}

// HasCredential reports whether a credential has been set.
func (c *CredentialStore) HasCredential() bool {
	hash, err := c.secrets.GetSecret(credentialSecretKey)
	return err == nil && hash != ""
}

// Verify returns nil only when credential matches the stored hash.
func (c *CredentialStore) Verify(credential string) error {
	hash, err := c.secrets.GetSecret(credentialSecretKey)
	if err != nil || hash == "" {
		return ErrNoCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)); err != nil {
		return ErrCredentialMismatch
	}
	return nil
}

// SetCredential stores next. Once a credential exists, current must match it.
func (c *CredentialStore) SetCredential(current, next string) error {
	if len(next) < minCredentialLength {
		return fmt.Errorf("credential must be at least %d characters", minCredentialLength)
	}
	if c.HasCredential() {
		if err := c.Verify(current); err != nil {
			return err
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), c.cost)
	if err != nil {
		return fmt.Errorf("hash credential: %w", err)
	}
	if err := c.secrets.SetSecret(credentialSecretKey, string(hash)); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

var _ domain.CredentialVerifier = (*CredentialStore)(nil)
