package security

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// SystemProxyCheck confirms the OS proxy settings still point at the proxy
// listeners and optionally puts them back.
type SystemProxyCheck struct {
	proxy       domain.SystemProxy
	expected    domain.ProxySettings
	autoCorrect bool
	logger      *zap.Logger
}

// NewSystemProxyCheck creates the check for the expected settings.
func NewSystemProxyCheck(proxy domain.SystemProxy, expected domain.ProxySettings, autoCorrect bool, logger *zap.Logger) *SystemProxyCheck {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemProxyCheck{
		proxy:       proxy,
		expected:    expected,
		autoCorrect: autoCorrect,
		logger:      logger,
	}
}

func (c *SystemProxyCheck) Name() string { return "system_proxy" }

func (c *SystemProxyCheck) Run(ctx context.Context) ([]domain.SecurityEvent, error) {
	got, err := c.proxy.Get(ctx)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read system proxy: %w", err)
	}

	drift := CompareProxySettings(got, c.expected)
	if drift == nil {
		return nil, nil
	}

	event := domain.SecurityEvent{
		Type:        domain.EventConfigDrift,
		Severity:    domain.SeverityMedium,
		Description: drift.Error(),
	}
	if c.autoCorrect {
		if err := c.proxy.Set(ctx, c.expected); err != nil {
			c.logger.Warn("failed to restore system proxy", zap.Error(err))
		} else {
			c.logger.Info("system proxy restored",
				zap.String("http", fmt.Sprintf("%s:%d", c.expected.HTTPHost, c.expected.HTTPPort)),
				zap.String("https", fmt.Sprintf("%s:%d", c.expected.HTTPSHost, c.expected.HTTPSPort)))
			event.Resolved = true
		}
	}
	return []domain.SecurityEvent{event}, nil
}

// CompareProxySettings returns an error wrapping ErrConfigDrift describing
// the first difference, or nil when got matches want.
func CompareProxySettings(got, want domain.ProxySettings) error {
	if want.HTTPEnabled {
		if !got.HTTPEnabled {
			return fmt.Errorf("%w: HTTP proxy disabled", ErrConfigDrift)
		}
		if got.HTTPHost != want.HTTPHost || got.HTTPPort != want.HTTPPort {
			return fmt.Errorf("%w: HTTP proxy points at %s:%d, expected %s:%d",
				ErrConfigDrift, got.HTTPHost, got.HTTPPort, want.HTTPHost, want.HTTPPort)
		}
	}
	if want.HTTPSEnabled {
		if !got.HTTPSEnabled {
			return fmt.Errorf("%w: HTTPS proxy disabled", ErrConfigDrift)
		}
		if got.HTTPSHost != want.HTTPSHost || got.HTTPSPort != want.HTTPSPort {
			return fmt.Errorf("%w: HTTPS proxy points at %s:%d, expected %s:%d",
				ErrConfigDrift, got.HTTPSHost, got.HTTPSPort, want.HTTPSHost, want.HTTPSPort)
		}
	}
	return nil
}
