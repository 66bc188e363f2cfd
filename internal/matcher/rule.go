package matcher

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// ErrInvalidDomain is returned for input that cannot become a rule.
var ErrInvalidDomain = errors.New("invalid domain")

// ParsePattern turns user input into a normalized domain and its match type.
// "*.example.com" is a wildcard on example.com; anything else is a subdomain
// rule, which covers the domain itself and everything below it.
func ParsePattern(raw string) (string, domain.MatchType, error) {
	s := Normalize(raw)
	mt := domain.MatchSubdomain
	if strings.HasPrefix(s, "*.") {
		s = s[2:]
		mt = domain.MatchWildcard
	}
	if err := validateDomain(s); err != nil {
		return "", "", fmt.Errorf("%w %q: %v", ErrInvalidDomain, raw, err)
	}
	return s, mt, nil
}

// NewRule builds an enabled rule from user input. A non-empty matchType
// overrides the one implied by the input.
func NewRule(raw string, matchType domain.MatchType, category string, now time.Time) (domain.BlockRule, error) {
	name, mt, err := ParsePattern(raw)
	if err != nil {
		return domain.BlockRule{}, err
	}
	if matchType != "" {
		if !matchType.Valid() {
			return domain.BlockRule{}, fmt.Errorf("unknown match type %q", matchType)
		}
		mt = matchType
	}

	return domain.BlockRule{
		ID:               uuid.NewString(),
		RawInput:         strings.TrimSpace(raw),
		NormalizedDomain: name,
		MatchType:        mt,
		Enabled:          true,
		Category:         category,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func validateDomain(s string) error {
	if s == "" {
		return errors.New("empty")
	}
	if net.ParseIP(s) != nil {
		return nil
	}
	if len(s) > 253 {
		return errors.New("too long")
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("bad label %q", label)
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return fmt.Errorf("bad character %q", c)
			}
		}
	}
	return nil
}
