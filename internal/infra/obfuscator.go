package infra

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"runtime"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// namePool holds prefixes and suffixes that read like the OS's own
// networking helpers, so the daemons do not stand out in a process list.
type namePool struct {
	prefixes []string
	suffixes []string
	sep      string
}

var darwinPool = namePool{
	prefixes: []string{
		"com.apple.networkd",
		"com.apple.nsurlsessiond",
		"com.apple.mDNSResponder",
		"com.apple.configd",
		"com.apple.nehelper",
		"com.apple.symptomsd",
		"com.apple.netbiosd",
		"com.apple.trustd",
	},
	suffixes: []string{"xpc", "helper", "agent", "service", "worker", "monitor"},
	sep:      ".",
}

var linuxPool = namePool{
	prefixes: []string{
		"systemd-resolve",
		"networkd-dispatch",
		"nm-dispatcher",
		"dbus-net",
		"avahi",
		"wpa-helper",
	},
	suffixes: []string{"helper", "worker", "notify", "sync"},
	sep:      "-",
}

// ObfuscatorImpl implements domain.Obfuscator.
type ObfuscatorImpl struct {
	pool namePool
}

// NewObfuscator creates a process name obfuscator for the running OS.
func NewObfuscator() domain.Obfuscator {
	return NewObfuscatorFor(runtime.GOOS)
}

// NewObfuscatorFor picks the name pool of goos; anything but darwin gets
// Linux-style names.
func NewObfuscatorFor(goos string) *ObfuscatorImpl {
	if goos == "darwin" {
		return &ObfuscatorImpl{pool: darwinPool}
	}
	return &ObfuscatorImpl{pool: linuxPool}
}

// GenerateName creates a random system-looking process name.
// Examples:
//   - com.apple.nehelper.xpc.a1b2c3
//   - nm-dispatcher-worker-d4e5f6
func (o *ObfuscatorImpl) GenerateName() string {
	p := o.pool
	prefix := p.prefixes[randomInt(len(p.prefixes))]
	suffix := p.suffixes[randomInt(len(p.suffixes))]
	return fmt.Sprintf("%s%s%s%s%s", prefix, p.sep, suffix, p.sep, generateRandomHex(6))
}

// randomInt returns a cryptographically random int in [0, max).
func randomInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}

// generateRandomHex generates a random hex string of specified length.
func generateRandomHex(length int) string {
	bytes := make([]byte, length/2+1)
	if _, err := rand.Read(bytes); err != nil {
		return "000000"
	}
	return hex.EncodeToString(bytes)[:length]
}

var _ domain.Obfuscator = (*ObfuscatorImpl)(nil)
