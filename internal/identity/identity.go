// Package identity resolves user ids to display names.
package identity

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/storage"
)

var ErrUnknown = errors.New("identity: unknown user")

// Directory is the lookup port consumed by call sessions.
type Directory interface {
	Lookup(ctx context.Context, id string) (proto.Participant, error)
}

// ProfileStore persists names seen on the wire. *storage.DB satisfies it.
type ProfileStore interface {
	GetProfile(userID string) (storage.Profile, bool)
	UpsertProfile(userID, username string) error
}

// Cache answers lookups for the local user from config and for everyone
// else from names observed in signaling traffic.
type Cache struct {
	self  proto.Participant
	store ProfileStore

	mu  sync.RWMutex
	mem map[string]string
}

// NewCache creates a directory. store may be nil for an in-memory cache.
func NewCache(self proto.Participant, store ProfileStore) *Cache {
	return &Cache{self: self, store: store, mem: make(map[string]string)}
}

func (c *Cache) Self() proto.Participant { return c.self }

func (c *Cache) Lookup(ctx context.Context, id string) (proto.Participant, error) {
	if err := ctx.Err(); err != nil {
		return proto.Participant{}, err
	}
	if id == c.self.ID {
		return c.self, nil
	}

	c.mu.RLock()
	name, ok := c.mem[id]
	c.mu.RUnlock()
	if ok {
		return proto.Participant{ID: id, Username: name}, nil
	}

	if c.store != nil {
		if p, ok := c.store.GetProfile(id); ok && p.Username != "" {
			c.mu.Lock()
			c.mem[id] = p.Username
			c.mu.Unlock()
			return proto.Participant{ID: id, Username: p.Username}, nil
		}
	}
	return proto.Participant{ID: id}, ErrUnknown
}

// Remember records a name seen for a remote user. Empty names and the
// local user are ignored.
func (c *Cache) Remember(p proto.Participant) {
	if p.ID == "" || p.Username == "" || p.ID == c.self.ID {
		return
	}
	c.mu.Lock()
	prev := c.mem[p.ID]
	c.mem[p.ID] = p.Username
	c.mu.Unlock()

	if prev == p.Username || c.store == nil {
		return
	}
	if err := c.store.UpsertProfile(p.ID, p.Username); err != nil {
		log.Printf("IDENTITY: remember %s: %v", p.ID, err)
	}
}
