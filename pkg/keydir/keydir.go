// Package keydir resolves presented API keys to their authoritative project.
//
// Resolution is two-tier: a fast in-memory lookup keyed by SHA-256 of the
// presented key, and a slow path that verifies the key against every stored
// PBKDF2 verifier the first time a key is seen. Hits are cached for the
// process lifetime; misses are cached briefly so key rotation takes effect.
package keydir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Key shape bounds. Keys outside these bounds are rejected without any
// cache or store access.
const (
	KeyPrefix    = "ak_"
	MinKeyLength = 27
	MaxKeyLength = 128
)

const (
	// DefaultNegativeTTL bounds how long an unknown key stays unknown.
	DefaultNegativeTTL = 60 * time.Second

	// cacheMaxSize caps both cache tiers so unauthenticated traffic cannot
	// grow process memory without bound.
	cacheMaxSize = 10_000
)

var (
	// ErrUnknownKey is returned for keys that are malformed or match no
	// project. Callers translate it to an authentication failure.
	ErrUnknownKey = errors.New("unknown api key")

	// ErrUnavailable is returned when the metadata store cannot be
	// queried. Callers must not treat it as an authentication failure.
	ErrUnavailable = errors.New("key directory unavailable")
)

// ProjectKey is one project's stored verifier, as served by the metadata
// store.
type ProjectKey struct {
	ProjectID    string
	VerifierHash string
}

// Source lists all project keys from the metadata store.
type Source interface {
	LookupAllProjectKeys(ctx context.Context) ([]ProjectKey, error)
	Ping(ctx context.Context) error
}

// Directory is the process-wide key resolver.
type Directory struct {
	source Source
	log    *slog.Logger

	mu       sync.RWMutex
	verified map[string]string    // sha256(key) -> project id
	negative map[string]time.Time // sha256(key) -> expiry

	// slowMu serializes slow-path verification so each distinct key is
	// verified at most once even under concurrent first use.
	slowMu sync.Mutex

	negativeTTL time.Duration
	now         func() time.Time
}

// New builds a Directory over the given source.
func New(source Source) *Directory {
	return &Directory{
		source:      source,
		log:         slog.With("component", "keydir"),
		verified:    make(map[string]string),
		negative:    make(map[string]time.Time),
		negativeTTL: DefaultNegativeTTL,
		now:         time.Now,
	}
}

// Resolve maps a presented key to its project id. It returns ErrUnknownKey
// for malformed or unmatched keys and ErrUnavailable when the metadata store
// cannot be reached.
func (d *Directory) Resolve(ctx context.Context, presentedKey string) (string, error) {
	if !validShape(presentedKey) {
		return "", ErrUnknownKey
	}

	fast := fastHash(presentedKey)

	d.mu.RLock()
	projectID, hit := d.verified[fast]
	negUntil, neg := d.negative[fast]
	d.mu.RUnlock()
	if hit {
		return projectID, nil
	}
	if neg && d.now().Before(negUntil) {
		return "", ErrUnknownKey
	}

	return d.resolveSlow(ctx, presentedKey, fast)
}

func (d *Directory) resolveSlow(ctx context.Context, presentedKey, fast string) (string, error) {
	d.slowMu.Lock()
	defer d.slowMu.Unlock()

	// Another request may have verified this key while we waited.
	d.mu.RLock()
	projectID, hit := d.verified[fast]
	negUntil, neg := d.negative[fast]
	d.mu.RUnlock()
	if hit {
		return projectID, nil
	}
	if neg && d.now().Before(negUntil) {
		return "", ErrUnknownKey
	}

	keys, err := d.source.LookupAllProjectKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list project keys: %v: %w", err, ErrUnavailable)
	}

	for _, pk := range keys {
		ok, err := VerifyKey(presentedKey, pk.VerifierHash)
		if err != nil {
			d.log.Warn("skipping malformed key verifier", "project_id", pk.ProjectID, "error", err)
			continue
		}
		if ok {
			d.cacheHit(fast, pk.ProjectID)
			return pk.ProjectID, nil
		}
	}

	d.cacheMiss(fast)
	return "", ErrUnknownKey
}

func (d *Directory) cacheHit(fast, projectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.negative, fast)
	if len(d.verified) < cacheMaxSize {
		d.verified[fast] = projectID
	}
}

func (d *Directory) cacheMiss(fast string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.negative) < cacheMaxSize {
		d.negative[fast] = d.now().Add(d.negativeTTL)
	}
}

// Ping verifies the metadata store is reachable.
func (d *Directory) Ping(ctx context.Context) error {
	if err := d.source.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping metadata store: %v: %w", err, ErrUnavailable)
	}
	return nil
}

// Invalidate drops a key from both cache tiers, forcing re-verification on
// next use. Called when a project or key is deleted out of band.
func (d *Directory) Invalidate(presentedKey string) {
	fast := fastHash(presentedKey)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.verified, fast)
	delete(d.negative, fast)
}

func fastHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func validShape(key string) bool {
	if !strings.HasPrefix(key, KeyPrefix) {
		return false
	}
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return false
	}
	for _, r := range key {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
