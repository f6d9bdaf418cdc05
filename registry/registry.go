// Package registry maintains the in-memory index from resource keys to the
// live gateway connections subscribed to them. It is rebuilt from scratch on
// process restart; clients re-subscribe after reconnecting.
package registry

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is a lock-free subscription index. Both directions are kept so a
// closing connection can drop all of its subscriptions without scanning.
type Registry struct {
	byResource *xsync.MapOf[string, *xsync.MapOf[uint64, struct{}]]
	byConn     *xsync.MapOf[uint64, *xsync.MapOf[string, struct{}]]
	pairs      atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byResource: xsync.NewMapOf[string, *xsync.MapOf[uint64, struct{}]](),
		byConn:     xsync.NewMapOf[uint64, *xsync.MapOf[string, struct{}]](),
	}
}

// Subscribe registers interest of a connection in a resource key.
// Returns false if the pair was already registered (idempotent re-subscribe).
func (r *Registry) Subscribe(connID uint64, resourceKey string) bool {
	added := false

	// Compute serializes mutations per resource key, so a concurrent
	// RemoveConnection cannot drop the bucket between load and store.
	r.byResource.Compute(resourceKey, func(bucket *xsync.MapOf[uint64, struct{}], loaded bool) (*xsync.MapOf[uint64, struct{}], bool) {
		if !loaded {
			bucket = xsync.NewMapOf[uint64, struct{}]()
		}
		_, existed := bucket.LoadOrStore(connID, struct{}{})
		added = !existed
		return bucket, false
	})

	if !added {
		return false
	}

	r.byConn.Compute(connID, func(keys *xsync.MapOf[string, struct{}], loaded bool) (*xsync.MapOf[string, struct{}], bool) {
		if !loaded {
			keys = xsync.NewMapOf[string, struct{}]()
		}
		keys.Store(resourceKey, struct{}{})
		return keys, false
	})

	r.pairs.Add(1)
	return true
}

// Unsubscribe removes one (connection, resource) pair.
// Returns false if the pair was not registered.
func (r *Registry) Unsubscribe(connID uint64, resourceKey string) bool {
	removed := false

	r.byResource.Compute(resourceKey, func(bucket *xsync.MapOf[uint64, struct{}], loaded bool) (*xsync.MapOf[uint64, struct{}], bool) {
		if !loaded {
			return nil, true
		}
		if _, ok := bucket.LoadAndDelete(connID); ok {
			removed = true
		}
		return bucket, bucket.Size() == 0
	})

	if !removed {
		return false
	}

	r.byConn.Compute(connID, func(keys *xsync.MapOf[string, struct{}], loaded bool) (*xsync.MapOf[string, struct{}], bool) {
		if !loaded {
			return nil, true
		}
		keys.Delete(resourceKey)
		return keys, keys.Size() == 0
	})

	r.pairs.Add(-1)
	return true
}

// RemoveConnection drops every subscription held by a connection.
// Returns the number of pairs removed. Called synchronously on close so no
// event is pushed to a dead socket afterwards.
func (r *Registry) RemoveConnection(connID uint64) int {
	keys, ok := r.byConn.LoadAndDelete(connID)
	if !ok {
		return 0
	}

	removed := 0
	keys.Range(func(resourceKey string, _ struct{}) bool {
		r.byResource.Compute(resourceKey, func(bucket *xsync.MapOf[uint64, struct{}], loaded bool) (*xsync.MapOf[uint64, struct{}], bool) {
			if !loaded {
				return nil, true
			}
			if _, had := bucket.LoadAndDelete(connID); had {
				removed++
			}
			return bucket, bucket.Size() == 0
		})
		return true
	})

	r.pairs.Add(int64(-removed))
	return removed
}

// MatchingConnections returns the ids of connections subscribed to the key.
func (r *Registry) MatchingConnections(resourceKey string) []uint64 {
	bucket, ok := r.byResource.Load(resourceKey)
	if !ok {
		return nil
	}

	conns := make([]uint64, 0, bucket.Size())
	bucket.Range(func(connID uint64, _ struct{}) bool {
		conns = append(conns, connID)
		return true
	})
	return conns
}

// IsSubscribed reports whether the pair is currently registered.
func (r *Registry) IsSubscribed(connID uint64, resourceKey string) bool {
	bucket, ok := r.byResource.Load(resourceKey)
	if !ok {
		return false
	}
	_, ok = bucket.Load(connID)
	return ok
}

// ResourceKeys returns the keys a connection is subscribed to.
func (r *Registry) ResourceKeys(connID uint64) []string {
	keys, ok := r.byConn.Load(connID)
	if !ok {
		return nil
	}

	out := make([]string, 0, keys.Size())
	keys.Range(func(key string, _ struct{}) bool {
		out = append(out, key)
		return true
	})
	return out
}

// Size returns the number of registered (connection, resource) pairs.
func (r *Registry) Size() int {
	return int(r.pairs.Load())
}
