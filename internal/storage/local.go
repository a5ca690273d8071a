package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Local serves objects from a directory tree. Keys map to slash-separated
// paths under the base directory; ValidKey keeps lookups inside it.
type Local struct {
	base   string
	logger *slog.Logger
}

// LocalOption configures a Local store.
type LocalOption func(*Local)

// WithLocalLogger sets the logger used for store events.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		l.logger = logger
	}
}

// NewLocal creates a store rooted at baseDir, which must be an existing
// directory.
func NewLocal(baseDir string, opts ...LocalOption) (*Local, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("local store: resolve %s: %w", baseDir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local store: %s is not a directory", abs)
	}
	l := &Local{base: abs}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Name identifies the adapter.
func (l *Local) Name() string { return "local" }

// Probe verifies the base directory is still readable.
func (l *Local) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.ReadDir(l.base); err != nil {
		return fmt.Errorf("local store: probe %s: %w", l.base, err)
	}
	return nil
}

func (l *Local) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

// resolve maps a key (or prefix) to an absolute filesystem path.
func (l *Local) resolve(key string) (string, error) {
	if key == "" {
		return l.base, nil
	}
	if err := ValidKey(key); err != nil {
		return "", err
	}
	return filepath.Join(l.base, filepath.FromSlash(key)), nil
}

// List walks one directory level (delimiter "/") or the whole subtree
// (delimiter "").
func (l *Local) List(ctx context.Context, prefix, delimiter string, maxItems int) (*Listing, error) {
	dirKey := strings.TrimSuffix(prefix, "/")
	dir, err := l.resolve(dirKey)
	if err != nil {
		return nil, err
	}

	listing := &Listing{Prefix: prefix}
	if delimiter == "" {
		err = l.walk(ctx, dir, dirKey, maxItems, listing)
	} else {
		err = l.readDir(ctx, dir, dirKey, maxItems, listing)
	}
	if err != nil {
		return nil, err
	}

	sort.Strings(listing.Folders)
	sort.Slice(listing.Files, func(i, j int) bool {
		return listing.Files[i].Key < listing.Files[j].Key
	})
	return listing, nil
}

func (l *Local) readDir(ctx context.Context, dir, dirKey string, maxItems int, listing *Listing) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Absent prefixes list empty, matching object store semantics.
			return nil
		}
		return fmt.Errorf("local store: list %s: %w", dirKey, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if maxItems > 0 && len(listing.Files)+len(listing.Folders) >= maxItems {
			listing.Truncated = true
			return nil
		}
		key := joinKey(dirKey, entry.Name())
		if entry.IsDir() {
			listing.Folders = append(listing.Folders, key+"/")
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		listing.Files = append(listing.Files, Entry{
			Key:          key,
			Name:         entry.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return nil
}

func (l *Local) walk(ctx context.Context, dir, dirKey string, maxItems int, listing *Listing) error {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return filepath.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if maxItems > 0 && len(listing.Files) >= maxItems {
			listing.Truncated = true
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := joinKey(dirKey, filepath.ToSlash(rel))
		info, err := d.Info()
		if err != nil {
			return nil
		}
		listing.Files = append(listing.Files, Entry{
			Key:          key,
			Name:         path.Base(key),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("local store: walk %s: %w", dirKey, err)
	}
	return nil
}

// Stat returns metadata for one key. The freshness token is derived from
// size and mtime so any rewrite is observable.
func (l *Local) Stat(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("local store: stat %s: %w", key, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return &Object{
		Key:          key,
		Size:         info.Size(),
		ETag:         localToken(info),
		LastModified: info.ModTime(),
	}, nil
}

// Open returns a handle over the file as it exists now. The open fd keeps
// serving the original bytes if the file is replaced by rename; the pool
// notices the token change on its next probe and supersedes the handle.
func (l *Local) Open(ctx context.Context, key string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("local store: open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("local store: stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	l.log().Debug("opened local object", "key", key, "size", info.Size())
	return &localHandle{
		f:     f,
		key:   key,
		size:  info.Size(),
		token: localToken(info),
	}, nil
}

func localToken(info fs.FileInfo) string {
	return strconv.FormatInt(info.Size(), 16) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 16)
}

func joinKey(dirKey, name string) string {
	if dirKey == "" {
		return name
	}
	return dirKey + "/" + name
}

// localHandle reads through the fd captured at open time. File ReadAt is
// a positioned read, so concurrent use needs no locking.
type localHandle struct {
	f     *os.File
	key   string
	size  int64
	token string
}

func (h *localHandle) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	want, rangeErr := clampRange(off, len(p), h.size)
	if want == 0 {
		return 0, rangeErr
	}
	n, err := h.f.ReadAt(p[:want], off)
	if err != nil {
		return n, err
	}
	return n, rangeErr
}

func (h *localHandle) Size() int64 { return h.size }

func (h *localHandle) Token() string { return h.token }

func (h *localHandle) SourceID() string {
	return "local:" + h.key + "|" + h.token
}

func (h *localHandle) Close() error { return h.f.Close() }
