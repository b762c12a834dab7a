// Package profile registers users the first time they talk to the gateway.
package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

// ErrInvalidConfig is returned by NewCache when a driver lacks its settings.
var ErrInvalidConfig = errors.New("profile: invalid cache config")

// ErrInvalidCacheType is returned by NewCache for an unknown driver.
var ErrInvalidCacheType = errors.New("profile: invalid cache type")

// Profile is the minimal user record created on first contact.
type Profile struct {
	UserID    string
	Source    string
	CreatedAt time.Time
}

// Store persists profiles.
type Store interface {
	// EnsureProfile inserts p unless a profile for p.UserID exists. It reports
	// whether a row was created.
	EnsureProfile(ctx context.Context, p Profile) (bool, error)
}

// Cache remembers users already known to have a profile.
type Cache interface {
	Known(ctx context.Context, userID string) (bool, error)
	Remember(ctx context.Context, userID string) error
}

// Ensurer checks the cache, then the store, for each user seen.
type Ensurer struct {
	store  Store
	cache  Cache
	source string
	logger *log.Logger
}

// NewEnsurer builds an Ensurer. source labels where new profiles came from.
func NewEnsurer(store Store, cache Cache, source string, logger *log.Logger) *Ensurer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if strings.TrimSpace(source) == "" {
		source = "chatflow"
	}
	return &Ensurer{store: store, cache: cache, source: source, logger: logger}
}

// EnsureUser makes sure userID has a profile. Errors are logged and returned;
// callers are expected to carry on regardless.
func (e *Ensurer) EnsureUser(ctx context.Context, userID string) error {
	if e == nil || userID == "" {
		return nil
	}
	if e.cache != nil {
		known, err := e.cache.Known(ctx, userID)
		if err != nil {
			e.logger.Printf("user cache lookup for %s failed: %v", userID, err)
		} else if known {
			return nil
		}
	}
	created, err := e.store.EnsureProfile(ctx, Profile{UserID: userID, Source: e.source, CreatedAt: time.Now().UTC()})
	if err != nil {
		e.logger.Printf("ensure profile for %s failed: %v", userID, err)
		return fmt.Errorf("profile: ensure %s: %w", userID, err)
	}
	if created {
		e.logger.Printf("registered new user %s (source=%s)", userID, e.source)
	}
	if e.cache != nil {
		if err := e.cache.Remember(ctx, userID); err != nil {
			e.logger.Printf("user cache store for %s failed: %v", userID, err)
		}
	}
	return nil
}
