// Package engine executes the service's read operations against one
// object store: listing containers, walking their hierarchies, and
// extracting previews, slices, and CSV streams. Results are cached per
// freshness token; a token change invalidates every derived artifact.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/h5lab/h5serve/internal/cache"
	"github.com/h5lab/h5serve/internal/config"
	"github.com/h5lab/h5serve/internal/pool"
	"github.com/h5lab/h5serve/internal/storage"
)

// DefaultListMaxItems caps a listing when the request does not say.
const DefaultListMaxItems = 20000

// hdf5Extensions are the container file suffixes served by listings.
var hdf5Extensions = []string{".h5", ".hdf5", ".hdf"}

// Engine coordinates storage, the reader pool, and the response cache.
type Engine struct {
	store  storage.Store
	pool   *pool.Pool
	cache  *cache.Cache
	cfg    config.Config
	logger *slog.Logger

	gate    *semaphore.Weighted
	cancels cancelRegistry

	listingTTL time.Duration
	metaTTL    time.Duration
	dataTTL    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for request-level events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New wires an engine over its collaborators. cfg supplies cache TTLs
// and extraction limits.
func New(store storage.Store, p *pool.Pool, c *cache.Cache, cfg config.Config, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		pool:       p,
		cache:      c,
		cfg:        cfg,
		gate:       semaphore.NewWeighted(cfg.Limits.ConcurrentRequests),
		listingTTL: time.Duration(cfg.Cache.ListingTTLSeconds) * time.Second,
		metaTTL:    time.Duration(cfg.Cache.MetaTTLSeconds) * time.Second,
		dataTTL:    time.Duration(cfg.Cache.DataTTLSeconds) * time.Second,
	}
	e.cancels.m = make(map[string]*cancelEntry)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.New(slog.DiscardHandler)
}

// bucketLabel names the backing namespace in listing payloads.
func (e *Engine) bucketLabel() string {
	if e.cfg.Storage.Mode == config.ModeLocal {
		return e.cfg.Storage.BaseDir
	}
	return e.cfg.Storage.Bucket
}

// checkKey rejects traversal before any storage call.
func checkKey(key string) error {
	if strings.Contains(key, "..") {
		return failf(KindForbidden, "key %q is not allowed", key)
	}
	if err := storage.ValidKey(key); err != nil {
		return failf(KindForbidden, "key %q is not allowed", key)
	}
	return nil
}

// acquireGate admits one extraction, waiting at most the configured
// queue time. The caller must invoke the returned release.
func (e *Engine) acquireGate(ctx context.Context) (func(), error) {
	wctx := ctx
	if wait := time.Duration(e.cfg.Limits.QueueWaitMS) * time.Millisecond; wait > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if err := e.gate.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		return nil, failf(KindBusy, "too many concurrent extractions")
	}
	return func() { e.gate.Release(1) }, nil
}

// cancelEntry tracks the cancel function of the newest request on a
// cancel key.
type cancelEntry struct {
	cancel context.CancelFunc
}

type cancelRegistry struct {
	mu sync.Mutex
	m  map[string]*cancelEntry
}

// bind registers ctx under key, cancelling any request already bound to
// it. The returned cleanup unregisters and cancels.
func (r *cancelRegistry) bind(ctx context.Context, key string) (context.Context, func()) {
	if key == "" {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	ent := &cancelEntry{cancel: cancel}

	r.mu.Lock()
	prev := r.m[key]
	r.m[key] = ent
	r.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	return ctx, func() {
		r.mu.Lock()
		if r.m[key] == ent {
			delete(r.m, key)
		}
		r.mu.Unlock()
		cancel()
	}
}

// containerOp runs one cached operation against the current generation
// of a container: stat, freshness-hint check, cache lookup, and on miss
// a computation under a pool lease. A stale read retries once against
// the new generation.
func (e *Engine) containerOp(ctx context.Context, key, hint, op, fingerprint string, ttl time.Duration, fill func(ctx context.Context, c *pool.Container) (any, error)) (any, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	for attempt := 0; ; attempt++ {
		obj, err := e.store.Stat(ctx, key)
		if err != nil {
			return nil, false, Classify(err)
		}
		if hint != "" && hint != obj.ETag {
			return nil, false, staleError(obj.ETag)
		}

		ck := cache.Key(op, key, obj.ETag, fingerprint)
		v, hit, err := e.cache.Do(ctx, ck, ttl, func(ctx context.Context) (any, error) {
			cont, err := e.pool.AcquireAt(ctx, key, obj.ETag)
			if err != nil {
				return nil, err
			}
			defer cont.Release()
			return fill(ctx, cont)
		})
		if err == nil {
			return v, hit, nil
		}
		if errors.Is(err, storage.ErrStale) && attempt == 0 {
			// The object changed under us; one retry on fresh bytes.
			e.log().Debug("retrying stale read", "key", key, "op", op)
			continue
		}
		return nil, false, Classify(err)
	}
}

// Breadcrumb is one step of a listing navigation trail.
type Breadcrumb struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

// FolderEntry is a virtual directory in a listing.
type FolderEntry struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// FileEntry is one container file in a listing.
type FileEntry struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
}

// ListingResult is the payload of the listing endpoint.
type ListingResult struct {
	Prefix       string        `json:"prefix"`
	Bucket       string        `json:"bucket"`
	Breadcrumbs  []Breadcrumb  `json:"breadcrumbs"`
	Folders      []FolderEntry `json:"folders"`
	Files        []FileEntry   `json:"files"`
	FoldersCount int           `json:"folders_count"`
	FilesCount   int           `json:"files_count"`
	Count        int           `json:"count"`
}

// Listing returns the folders and container files under prefix.
// delimiter "/" lists one level; "" lists the whole subtree.
func (e *Engine) Listing(ctx context.Context, prefix, delimiter string, maxItems int) (*ListingResult, bool, error) {
	if maxItems <= 0 {
		return nil, false, failf(KindBadSelection, "max_items must be > 0")
	}
	if strings.Contains(prefix, "..") {
		return nil, false, failf(KindForbidden, "prefix %q is not allowed", prefix)
	}
	prefix = strings.Trim(prefix, "/")

	fp := cache.Fingerprint(prefix, delimiter, strconv.Itoa(maxItems))
	ck := cache.Key("listing", e.store.Name(), "", fp)
	v, hit, err := e.cache.Do(ctx, ck, e.listingTTL, func(ctx context.Context) (any, error) {
		return e.buildListing(ctx, prefix, delimiter, maxItems)
	})
	if err != nil {
		return nil, false, Classify(err)
	}
	return v.(*ListingResult), hit, nil
}

func (e *Engine) buildListing(ctx context.Context, prefix, delimiter string, maxItems int) (*ListingResult, error) {
	storePrefix := prefix
	if storePrefix != "" {
		storePrefix += "/"
	}
	listing, err := e.store.List(ctx, storePrefix, delimiter, maxItems)
	if err != nil {
		return nil, err
	}

	out := &ListingResult{
		Prefix:      prefix,
		Bucket:      e.bucketLabel(),
		Breadcrumbs: breadcrumbs(prefix),
		Folders:     make([]FolderEntry, 0, len(listing.Folders)),
		Files:       make([]FileEntry, 0, len(listing.Files)),
	}
	for _, folderKey := range listing.Folders {
		name := path.Base(strings.TrimSuffix(folderKey, "/"))
		out.Folders = append(out.Folders, FolderEntry{Key: folderKey, Name: name, Type: "folder"})
	}
	for _, f := range listing.Files {
		if !hasHDF5Extension(f.Name) {
			continue
		}
		out.Files = append(out.Files, FileEntry{
			Key:          f.Key,
			Name:         f.Name,
			Type:         "file",
			Size:         f.Size,
			LastModified: f.LastModified.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out.Folders, func(i, j int) bool {
		return strings.ToLower(out.Folders[i].Name) < strings.ToLower(out.Folders[j].Name)
	})
	sort.Slice(out.Files, func(i, j int) bool {
		return strings.ToLower(out.Files[i].Name) < strings.ToLower(out.Files[j].Name)
	})
	out.FoldersCount = len(out.Folders)
	out.FilesCount = len(out.Files)
	out.Count = out.FoldersCount + out.FilesCount
	return out, nil
}

func hasHDF5Extension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range hdf5Extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func breadcrumbs(prefix string) []Breadcrumb {
	crumbs := []Breadcrumb{{Name: "Root", Prefix: ""}}
	if prefix == "" {
		return crumbs
	}
	running := ""
	for _, part := range strings.Split(prefix, "/") {
		if running == "" {
			running = part
		} else {
			running += "/" + part
		}
		crumbs = append(crumbs, Breadcrumb{Name: part, Prefix: running})
	}
	return crumbs
}

// RefreshListings drops every cached listing and returns how many
// entries were removed. Open containers are also invalidated so the
// next request re-stats them.
func (e *Engine) RefreshListings() int {
	n := e.cache.DeletePrefix("listing:")
	e.pool.InvalidateAll()
	return n
}
