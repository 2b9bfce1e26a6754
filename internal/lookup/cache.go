// Package lookup resolves TAS user ids to Local Store user ids for the
// duration of one sync run.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chameleoncloud/portalsync/internal/tas"
)

// UserSource fetches TAS users by id.
type UserSource interface {
	GetUser(ctx context.Context, id int64) (tas.User, error)
}

// UserStore finds local users by username.
type UserStore interface {
	UserIDByUsername(ctx context.Context, username string) (int64, bool, error)
}

// Resolution is the outcome of resolving one TAS user id.
type Resolution struct {
	// ID is the local user id. Zero unless Found.
	ID       int64
	Username string
	Found    bool
}

// Ptr returns the local id as a nullable column value.
func (r Resolution) Ptr() *int64 {
	if !r.Found {
		return nil
	}
	id := r.ID
	return &id
}

// Stats counts cache activity for one run.
type Stats struct {
	Hits          int
	Misses        int
	SourceQueries int
	StoreQueries  int
}

// Cache memoizes TAS user id resolutions. A Cache belongs to exactly one run
// and is not safe for concurrent use.
type Cache struct {
	users   UserSource
	store   UserStore
	logger  *slog.Logger
	entries map[int64]Resolution
	stats   Stats
}

// New returns an empty cache.
func New(users UserSource, store UserStore, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		users:   users,
		store:   store,
		logger:  logger,
		entries: make(map[int64]Resolution),
	}
}

// Resolve maps a TAS user id to a local user id. Every distinct id costs at
// most one TAS call and one Local Store query per Cache; not-found outcomes are
// cached too. Errors other than "not found" are returned and not cached.
func (c *Cache) Resolve(ctx context.Context, sourceID int64) (Resolution, error) {
	if sourceID <= 0 {
		return Resolution{}, nil
	}
	if r, ok := c.entries[sourceID]; ok {
		c.stats.Hits++
		return r, nil
	}

	c.stats.SourceQueries++
	user, err := c.users.GetUser(ctx, sourceID)
	if errors.Is(err, tas.ErrNotFound) {
		c.logger.Warn("tas user not found", "tas_user_id", sourceID)
		return c.miss(sourceID, Resolution{}), nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve tas user %d: %w", sourceID, err)
	}

	c.stats.StoreQueries++
	id, found, err := c.store.UserIDByUsername(ctx, user.Username)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve tas user %d: %w", sourceID, err)
	}
	if !found {
		c.logger.Warn("no local user for tas user", "tas_user_id", sourceID, "username", user.Username)
		return c.miss(sourceID, Resolution{Username: user.Username}), nil
	}

	r := Resolution{ID: id, Username: user.Username, Found: true}
	c.entries[sourceID] = r
	return r, nil
}

func (c *Cache) miss(sourceID int64, r Resolution) Resolution {
	c.stats.Misses++
	c.entries[sourceID] = r
	return r
}

// Stats returns the counters accumulated so far.
func (c *Cache) Stats() Stats {
	return c.stats
}

// Len returns the number of cached ids.
func (c *Cache) Len() int {
	return len(c.entries)
}
