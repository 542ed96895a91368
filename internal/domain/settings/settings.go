// Package settings holds the operator-tunable queue parameters. They are
// stored in the key-value store so every server process sees the same
// values, and fall back to the configured defaults when nothing is saved.
package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/kv"
)

// Key is where saved settings live. It never expires.
const Key = "system:settings"

const defaultCacheTTL = 2 * time.Second

// Settings are the queue parameters in effect.
type Settings struct {
	QueueIntervalSeconds  int  `json:"queueIntervalSeconds"`
	PatientMaxWaitSeconds int  `json:"patientMaxWaitSeconds"`
	NotifyNearAheadCount  int  `json:"notifyNearAheadCount"`
	PinPrimarySize        int  `json:"pinPrimarySize"`
	PinReserveSize        int  `json:"pinReserveSize"`
	AutoCallEnabled       bool `json:"autoCallEnabled"`
	TimeoutHandlerEnabled bool `json:"timeoutHandlerEnabled"`
	NotificationsEnabled  bool `json:"notificationsEnabled"`
}

// Defaults are the documented values used when no overrides exist.
func Defaults() Settings {
	return Settings{
		QueueIntervalSeconds:  120,
		PatientMaxWaitSeconds: 240,
		NotifyNearAheadCount:  3,
		PinPrimarySize:        20,
		PinReserveSize:        10,
		AutoCallEnabled:       true,
		TimeoutHandlerEnabled: true,
		NotificationsEnabled:  true,
	}
}

func (s Settings) QueueInterval() time.Duration {
	return time.Duration(s.QueueIntervalSeconds) * time.Second
}

func (s Settings) PatientMaxWait() time.Duration {
	return time.Duration(s.PatientMaxWaitSeconds) * time.Second
}

// WarnAfter is the soft threshold at 80% of the maximum wait.
func (s Settings) WarnAfter() time.Duration {
	return s.PatientMaxWait() * 4 / 5
}

// Validate rejects settings the engine cannot honour.
func (s Settings) Validate() error {
	switch {
	case s.QueueIntervalSeconds < 1:
		return apperr.New(apperr.InvalidInput, "queueIntervalSeconds must be positive")
	case s.PatientMaxWaitSeconds < 1:
		return apperr.New(apperr.InvalidInput, "patientMaxWaitSeconds must be positive")
	case s.NotifyNearAheadCount < 0:
		return apperr.New(apperr.InvalidInput, "notifyNearAheadCount must not be negative")
	case s.PinPrimarySize < 1:
		return apperr.New(apperr.InvalidInput, "pinPrimarySize must be positive")
	case s.PinReserveSize < 0:
		return apperr.New(apperr.InvalidInput, "pinReserveSize must not be negative")
	case s.PinPrimarySize+s.PinReserveSize > 99:
		return apperr.New(apperr.InvalidInput, "pinPrimarySize + pinReserveSize must be at most 99")
	}
	return nil
}

// Patch is a partial update; nil fields keep their current value.
type Patch struct {
	QueueIntervalSeconds  *int  `json:"queueIntervalSeconds"`
	PatientMaxWaitSeconds *int  `json:"patientMaxWaitSeconds"`
	NotifyNearAheadCount  *int  `json:"notifyNearAheadCount"`
	PinPrimarySize        *int  `json:"pinPrimarySize"`
	PinReserveSize        *int  `json:"pinReserveSize"`
	AutoCallEnabled       *bool `json:"autoCallEnabled"`
	TimeoutHandlerEnabled *bool `json:"timeoutHandlerEnabled"`
	NotificationsEnabled  *bool `json:"notificationsEnabled"`
}

// Apply returns s with p's non-nil fields applied.
func (p Patch) Apply(s Settings) Settings {
	setInt(&s.QueueIntervalSeconds, p.QueueIntervalSeconds)
	setInt(&s.PatientMaxWaitSeconds, p.PatientMaxWaitSeconds)
	setInt(&s.NotifyNearAheadCount, p.NotifyNearAheadCount)
	setInt(&s.PinPrimarySize, p.PinPrimarySize)
	setInt(&s.PinReserveSize, p.PinReserveSize)
	setBool(&s.AutoCallEnabled, p.AutoCallEnabled)
	setBool(&s.TimeoutHandlerEnabled, p.TimeoutHandlerEnabled)
	setBool(&s.NotificationsEnabled, p.NotificationsEnabled)
	return s
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider reads and writes settings. Reads are cached briefly in process.
type Provider struct {
	store    kv.Store
	defaults Settings
	cache    *ttlcache.Cache[string, Settings]
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithCacheTTL sets how long a read is reused. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(p *Provider) { p.cacheTTL = d }
}

func NewProvider(store kv.Store, defaults Settings, logger zerolog.Logger, opts ...Option) *Provider {
	p := &Provider{
		store:    store,
		defaults: defaults,
		cacheTTL: defaultCacheTTL,
		logger:   logger.With().Str("component", "settings").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cache = ttlcache.New[string, Settings](
		ttlcache.WithTTL[string, Settings](p.cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, Settings](),
	)
	return p
}

// Defaults returns the fallback settings.
func (p *Provider) Defaults() Settings { return p.defaults }

// Snapshot returns the settings in effect. Missing or unreadable stored
// settings yield the defaults; a read failure is logged, not returned.
func (p *Provider) Snapshot(ctx context.Context) Settings {
	if p.cacheTTL > 0 {
		if item := p.cache.Get(Key); item != nil {
			return item.Value()
		}
	}

	s, err := p.load(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("settings unreadable, using defaults")
		return p.defaults
	}
	if p.cacheTTL > 0 {
		p.cache.Set(Key, s, ttlcache.DefaultTTL)
	}
	return s
}

func (p *Provider) load(ctx context.Context) (Settings, error) {
	// Start from defaults so fields added later get a sane value.
	s := p.defaults
	err := kv.GetJSON(ctx, p.store, Key, &s)
	if kv.IsNotFound(err) {
		return p.defaults, nil
	}
	if err != nil {
		return Settings{}, err
	}
	if verr := s.Validate(); verr != nil {
		return Settings{}, fmt.Errorf("stored settings invalid: %w", verr)
	}
	return s, nil
}

// Update applies patch over the current settings and saves the result.
func (p *Provider) Update(ctx context.Context, patch Patch) (Settings, error) {
	current, err := p.load(ctx)
	if err != nil {
		current = p.defaults
	}
	next := patch.Apply(current)
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}
	if err := kv.PutJSON(ctx, p.store, Key, next, 0); err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	p.cache.Delete(Key)
	p.logger.Info().Interface("settings", next).Msg("settings updated")
	return next, nil
}

// Reset removes saved overrides.
func (p *Provider) Reset(ctx context.Context) (Settings, error) {
	if err := p.store.Delete(ctx, Key); err != nil {
		return Settings{}, fmt.Errorf("reset settings: %w", err)
	}
	p.cache.Delete(Key)
	p.logger.Info().Msg("settings reset to defaults")
	return p.defaults, nil
}

// NotificationsEnabled suits notification.WithEnabled.
func (p *Provider) NotificationsEnabled(ctx context.Context) bool {
	return p.Snapshot(ctx).NotificationsEnabled
}
