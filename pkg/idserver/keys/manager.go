// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/idserver/pkg/idserver/concurrency"
	"github.com/stacklok/idserver/pkg/logger"
)

// ErrNoSigningKey indicates no usable key exists for the key set yet.
var ErrNoSigningKey = errors.New("no signing key available")

// Default lifecycle windows.
const (
	DefaultRotationInterval  = 90 * 24 * time.Hour
	DefaultPropagationWindow = 30 * time.Minute
	DefaultRetentionWindow   = 14 * 24 * time.Hour
	DefaultLockTimeout       = 5 * time.Second
	DefaultKeySet            = "default"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// KeySet names the logical key set this manager rotates.
	KeySet string

	// Algorithm for generated keys. Defaults to ES256.
	Algorithm string

	// RotationInterval is how long a key signs before a successor is
	// generated.
	RotationInterval time.Duration

	// PropagationWindow is how long a freshly generated key is advertised
	// before it is used for signing, so other instances can fetch it first.
	PropagationWindow time.Duration

	// RetentionWindow is how long a superseded key stays advertised after
	// it stops signing, so outstanding tokens still verify.
	RetentionWindow time.Duration

	// LockTimeout bounds the wait for the rotation lock. A timeout means
	// another caller is rotating; the cycle is skipped silently.
	LockTimeout time.Duration

	// StartupSyncDelay is applied before the first rotation attempt so keys
	// published by other instances propagate first. Skippable in
	// single-instance deployments via DisableStartupSync.
	StartupSyncDelay time.Duration

	// DisableStartupSync skips StartupSyncDelay.
	DisableStartupSync bool
}

func (c *ManagerConfig) applyDefaults() {
	if c.KeySet == "" {
		c.KeySet = DefaultKeySet
	}
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.RotationInterval == 0 {
		c.RotationInterval = DefaultRotationInterval
	}
	if c.PropagationWindow == 0 {
		c.PropagationWindow = DefaultPropagationWindow
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
}

// Manager owns the signing-key lifecycle for one or more key sets. Rotation
// combines a process-local keyed lock (avoiding duplicate in-process
// attempts) with the store's atomic check-then-insert (avoiding duplicate
// cross-process rotation). Both layers are required; neither is sufficient
// alone.
type Manager struct {
	cfg   ManagerConfig
	store Store
	locks *concurrency.KeyedLock

	// now is injected for tests.
	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock injects a clock. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager over the given shared store.
func NewManager(cfg ManagerConfig, store Store, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:   cfg,
		store: store,
		locks: concurrency.NewKeyedLock(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StateOf computes the lifecycle state of key at time now from its age.
func (m *Manager) StateOf(key *Key, now time.Time) State {
	age := now.Sub(key.CreatedAt)
	switch {
	case age < m.cfg.PropagationWindow:
		return StateInitializing
	case age < m.cfg.RotationInterval:
		return StateActive
	case age < m.cfg.RotationInterval+m.cfg.RetentionWindow:
		return StateRetiring
	default:
		return StateRetired
	}
}

// Rotate performs one rotation pass for the configured key set: take the
// keyed lock with a bounded timeout, re-check the shared store, and generate
// a key only when none is fresh. Lock contention is a silent skip; the next
// schedule tick retries.
func (m *Manager) Rotate(ctx context.Context) error {
	if !m.locks.Acquire(ctx, m.cfg.KeySet, m.cfg.LockTimeout) {
		logger.Debugw("rotation lock busy, skipping cycle", "key_set", m.cfg.KeySet)
		return nil
	}
	defer m.locks.Release(m.cfg.KeySet)

	// Another instance may have rotated while we waited for the lock.
	existing, err := m.store.All(ctx, m.cfg.KeySet)
	if err != nil {
		return fmt.Errorf("failed to check key set %s: %w", m.cfg.KeySet, err)
	}
	now := m.now()
	if len(existing) > 0 && m.StateOf(existing[0], now) != StateRetiring && m.StateOf(existing[0], now) != StateRetired {
		return m.retire(ctx, existing, now)
	}

	key, err := Generate(m.cfg.Algorithm)
	if err != nil {
		return err
	}

	created, err := m.store.AddIfStale(ctx, m.cfg.KeySet, key, m.cfg.RotationInterval)
	if err != nil {
		return fmt.Errorf("failed to persist signing key: %w", err)
	}
	if created {
		logger.Infow("rotated signing key", "key_set", m.cfg.KeySet, "key_id", key.ID, "algorithm", key.Algorithm)
	} else {
		logger.Debugw("signing key already rotated elsewhere", "key_set", m.cfg.KeySet)
	}
	return m.retire(ctx, existing, now)
}

// retire removes keys past their retention window.
func (m *Manager) retire(ctx context.Context, keys []*Key, now time.Time) error {
	for _, k := range keys {
		if m.StateOf(k, now) == StateRetired {
			if err := m.store.Delete(ctx, m.cfg.KeySet, k.ID); err != nil {
				return fmt.Errorf("failed to delete retired key %s: %w", k.ID, err)
			}
			logger.Infow("removed retired signing key", "key_set", m.cfg.KeySet, "key_id", k.ID)
		}
	}
	return nil
}

// SigningKey returns the key currently used for signing: the newest key past
// its propagation window, falling back to the newest key when the set is
// younger than the window (first boot).
func (m *Manager) SigningKey(ctx context.Context) (*Key, error) {
	keys, err := m.store.All(ctx, m.cfg.KeySet)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for _, k := range keys {
		switch m.StateOf(k, now) {
		case StateActive:
			return k, nil
		case StateInitializing, StateRetiring, StateRetired:
		}
	}
	// No key is past propagation yet; sign with the newest non-retired key
	// rather than failing outright.
	for _, k := range keys {
		if m.StateOf(k, now) != StateRetired {
			return k, nil
		}
	}
	return nil, ErrNoSigningKey
}

// JWKS returns the public JWK set of all advertised (non-retired) keys for
// the discovery document.
func (m *Manager) JWKS(ctx context.Context) (jwk.Set, error) {
	keys, err := m.store.All(ctx, m.cfg.KeySet)
	if err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	now := m.now()
	for _, k := range keys {
		if m.StateOf(k, now) == StateRetired {
			continue
		}
		pub, err := jwk.Import(k.Signer.Public())
		if err != nil {
			return nil, fmt.Errorf("failed to import public key %s: %w", k.ID, err)
		}
		if err := pub.Set(jwk.KeyIDKey, k.ID); err != nil {
			return nil, err
		}
		alg, ok := jwa.LookupSignatureAlgorithm(k.Algorithm)
		if !ok {
			return nil, fmt.Errorf("unknown algorithm %q on key %s", k.Algorithm, k.ID)
		}
		if err := pub.Set(jwk.AlgorithmKey, alg); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(pub); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Run drives rotation on a schedule until ctx is cancelled. The first pass is
// delayed by StartupSyncDelay unless disabled, letting already-published keys
// propagate before this instance starts signing.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.DisableStartupSync && m.cfg.StartupSyncDelay > 0 {
		select {
		case <-time.After(m.cfg.StartupSyncDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Rotation checks run much more often than keys rotate; each pass
	// no-ops unless the active key aged out.
	interval := m.cfg.PropagationWindow
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.Rotate(ctx); err != nil {
			logger.Errorw("signing key rotation failed", "key_set", m.cfg.KeySet, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
