// Package pool keeps HDF5 containers open across requests. Each entry
// binds a storage handle and its parsed hierarchy to the freshness token
// observed at open time; a token change supersedes the entry, so stale
// file state is never served once the backing object changes.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/h5lab/h5serve/internal/hdf5"
	"github.com/h5lab/h5serve/internal/storage"
)

// DefaultMaxOpen is the number of parsed containers kept open when no
// limit is configured.
const DefaultMaxOpen = 16

// ErrClosed is returned by Acquire after the pool shuts down.
var ErrClosed = errors.New("pool: closed")

// Pool opens, shares, and retires containers. It is safe for concurrent
// use.
type Pool struct {
	store   storage.Store
	blocks  *storage.BlockCache
	maxOpen int
	logger  *slog.Logger

	openGroup singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry // current generation per key
	idle    *list.List        // released entries, most recent in front
	closed  bool
}

// entry is one open container generation. refs counts outstanding
// leases; dead entries close as soon as the last lease returns.
type entry struct {
	key   string
	token string
	h     storage.Handle
	file  *hdf5.File

	refs int
	elem *list.Element
	dead bool

	closeOnce sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxOpen caps how many containers are kept open, counting both
// leased and idle entries. Values <= 0 keep the default.
func WithMaxOpen(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxOpen = n
		}
	}
}

// WithBlockCache wraps every opened handle in the shared block cache.
func WithBlockCache(c *storage.BlockCache) Option {
	return func(p *Pool) {
		p.blocks = c
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// New creates a pool over the given store.
func New(store storage.Store, opts ...Option) *Pool {
	p := &Pool{
		store:   store,
		maxOpen: DefaultMaxOpen,
		entries: make(map[string]*entry),
		idle:    list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Container is a lease on an open container. Callers must Release it;
// the parsed hierarchy stays valid until then.
type Container struct {
	pool *Pool
	ent  *entry

	once sync.Once
}

// Key returns the storage key of the container.
func (c *Container) Key() string { return c.ent.key }

// Token returns the freshness token the container was opened against.
func (c *Container) Token() string { return c.ent.token }

// File returns the parsed hierarchy.
func (c *Container) File() *hdf5.File { return c.ent.file }

// Release returns the lease. Safe to call more than once.
func (c *Container) Release() {
	c.once.Do(func() {
		c.pool.release(c.ent)
	})
}

// Acquire stats the object and returns a lease on a container matching
// its current freshness token, opening or superseding as needed.
func (p *Pool) Acquire(ctx context.Context, key string) (*Container, error) {
	obj, err := p.store.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	return p.AcquireAt(ctx, key, obj.ETag)
}

// AcquireAt is Acquire with the freshness token already in hand, saving
// the stat when the caller just listed or statted the object. It fails
// with storage.ErrStale when the object no longer matches the token.
func (p *Pool) AcquireAt(ctx context.Context, key, token string) (*Container, error) {
	for attempt := 0; ; attempt++ {
		c, retry, err := p.acquireOnce(ctx, key, token)
		if err != nil || !retry {
			return c, err
		}
		if attempt >= 2 {
			return nil, storage.ErrStale
		}
	}
}

func (p *Pool) acquireOnce(ctx context.Context, key, token string) (*Container, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrClosed
	}
	if ent, ok := p.entries[key]; ok {
		if ent.token == token {
			p.ref(ent)
			p.mu.Unlock()
			return &Container{pool: p, ent: ent}, false, nil
		}
		// The object changed under us. Retire this generation; it
		// closes once the outstanding leases drain.
		p.supersedeLocked(ent)
	}
	p.mu.Unlock()

	flight := key + "\x00" + token
	fresh, err, _ := p.openGroup.Do(flight, func() (any, error) {
		// A sibling flight may have installed this generation already.
		p.mu.Lock()
		if ent, ok := p.entries[key]; ok && ent.token == token {
			p.mu.Unlock()
			return ent, nil
		}
		p.mu.Unlock()
		return p.open(ctx, key, token)
	})
	if err != nil {
		return nil, false, err
	}
	ent := fresh.(*entry)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.closeEntryLocked(ent)
		return nil, false, ErrClosed
	}
	cur, ok := p.entries[key]
	switch {
	case ok && cur == ent:
		// A sibling waiter on the same flight installed it.
	case ent.dead:
		// Installed and superseded before we got here. Start over.
		p.openGroup.Forget(flight)
		return nil, true, nil
	case !ok:
		p.entries[key] = ent
		p.trimLocked()
	case cur.token == token:
		// Same generation opened twice; keep the installed one.
		p.closeEntryLocked(ent)
		ent = cur
	default:
		p.supersedeLocked(cur)
		p.entries[key] = ent
		p.trimLocked()
	}
	if ent.dead {
		p.openGroup.Forget(flight)
		return nil, true, nil
	}
	p.ref(ent)
	return &Container{pool: p, ent: ent}, false, nil
}

// open reads and parses one container generation.
func (p *Pool) open(ctx context.Context, key, token string) (*entry, error) {
	h, err := p.store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	if h.Token() != token {
		// Changed between stat and open.
		h.Close() //nolint:errcheck // handle is being discarded
		return nil, storage.ErrStale
	}
	var r storage.Handle = h
	if p.blocks != nil {
		r = p.blocks.Wrap(h)
	}
	file, err := hdf5.Open(r, h.Size())
	if err != nil {
		h.Close() //nolint:errcheck // handle is being discarded
		return nil, fmt.Errorf("pool: parse %s: %w", key, err)
	}
	p.log().Debug("container opened", "key", key, "token", token, "size", h.Size())
	return &entry{key: key, token: token, h: h, file: file}, nil
}

// ref takes a reference, unparking the entry if it was idle. Caller
// holds mu.
func (p *Pool) ref(ent *entry) {
	if ent.elem != nil {
		p.idle.Remove(ent.elem)
		ent.elem = nil
	}
	ent.refs++
}

func (p *Pool) release(ent *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent.refs--
	if ent.refs > 0 {
		return
	}
	if ent.dead || p.closed {
		p.closeEntryLocked(ent)
		return
	}
	ent.elem = p.idle.PushFront(ent)
	p.trimLocked()
}

// supersedeLocked retires a generation: it leaves the map now and
// closes once unreferenced.
func (p *Pool) supersedeLocked(ent *entry) {
	if p.entries[ent.key] == ent {
		delete(p.entries, ent.key)
	}
	ent.dead = true
	if ent.refs == 0 {
		p.closeEntryLocked(ent)
		return
	}
	p.log().Debug("container superseded", "key", ent.key, "token", ent.token, "refs", ent.refs)
}

// trimLocked closes idle entries while the pool exceeds maxOpen. Leased
// entries are never closed, so the limit is soft under load.
func (p *Pool) trimLocked() {
	for len(p.entries) > p.maxOpen {
		back := p.idle.Back()
		if back == nil {
			return
		}
		p.closeEntryLocked(back.Value.(*entry))
	}
}

// closeEntryLocked drops all bookkeeping for an entry and closes its
// handle exactly once.
func (p *Pool) closeEntryLocked(ent *entry) {
	if ent.elem != nil {
		p.idle.Remove(ent.elem)
		ent.elem = nil
	}
	if p.entries[ent.key] == ent {
		delete(p.entries, ent.key)
	}
	ent.closeOnce.Do(func() {
		if err := ent.h.Close(); err != nil {
			p.log().Warn("container close failed", "key", ent.key, "error", err)
		}
	})
}

// Invalidate retires the open generation of one key, if any.
func (p *Pool) Invalidate(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ent, ok := p.entries[key]; ok {
		p.supersedeLocked(ent)
	}
}

// InvalidateAll retires every open generation.
func (p *Pool) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ent := range p.entries {
		p.supersedeLocked(ent)
	}
}

// Stats reports current and idle entry counts.
func (p *Pool) Stats() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries), p.idle.Len()
}

// Close retires everything and rejects further acquires. Leased
// containers close as their leases are released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, ent := range p.entries {
		p.supersedeLocked(ent)
	}
}
