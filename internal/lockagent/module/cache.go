package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/autopeer-io/lockagent/internal/pkg/util/fileutil"
	"github.com/autopeer-io/lockagent/pkg/log"
)

const (
	metaFile   = "current.json"
	moduleExt  = ".py"
	moduleMode = 0o755
)

type cacheEntry struct {
	Digest    string    `json:"digest"`
	Location  string    `json:"location"`
	File      string    `json:"file"`
	Size      int64     `json:"size"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// cacheMeta is the content of current.json. Previous is the entry that was
// current before the last Store and backs Invalidate.
type cacheMeta struct {
	cacheEntry
	Previous *cacheEntry `json:"previous,omitempty"`
}

// Cache keeps the most recent validated remote module on disk, addressed by
// digest, so it survives restarts and outages.
type Cache struct {
	dir       string
	validator Validator

	mu sync.Mutex
}

// NewCache returns a cache rooted at dir. Loaded modules are re-checked with
// validator, which may be nil.
func NewCache(dir string, validator Validator) *Cache {
	return &Cache{dir: dir, validator: validator}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Store persists content for m and makes it the current entry. The entry it
// replaces is kept as previous. It returns a copy of m whose Path points into
// the cache. Module files other than current and previous are pruned.
func (c *Cache) Store(m *ControlModule, content []byte) (*ControlModule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	file := m.ShortDigest() + moduleExt
	path := filepath.Join(c.dir, file)

	if existing, err := os.ReadFile(path); err != nil || Digest(existing) != m.Digest {
		if err := fileutil.WriteFileAtomic(path, content, moduleMode); err != nil {
			return nil, err
		}
	}

	meta := cacheMeta{cacheEntry: cacheEntry{
		Digest:    m.Digest,
		Location:  m.Location,
		File:      file,
		Size:      m.Size,
		FetchedAt: m.FetchedAt,
	}}
	if prev, _ := c.readMeta(); prev != nil {
		if prev.Digest == m.Digest {
			meta.Previous = prev.Previous
		} else {
			entry := prev.cacheEntry
			meta.Previous = &entry
		}
	}
	if meta.Previous != nil && meta.Previous.Digest == m.Digest {
		meta.Previous = nil
	}
	if err := c.writeMeta(&meta); err != nil {
		return nil, err
	}

	keep := map[string]struct{}{file: {}}
	if meta.Previous != nil {
		keep[meta.Previous.File] = struct{}{}
	}
	c.prune(keep)

	out := *m
	out.Path = path
	return &out, nil
}

// Load returns the current cached module after checking its digest and
// running the validator again. A current entry that fails those checks falls
// back to the previous one. ErrNoCachedModule means nothing usable is there.
func (c *Cache) Load(ctx context.Context) (*ControlModule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.readMeta()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoCachedModule
		}
		return nil, fmt.Errorf("%w: %w", ErrNoCachedModule, err)
	}

	m, err := c.loadEntry(ctx, &meta.cacheEntry)
	if err != nil && meta.Previous != nil {
		if prev, perr := c.loadEntry(ctx, meta.Previous); perr == nil {
			log.Warn("Current cached control module is unusable, using the previous one", "err", err, "digest", prev.ShortDigest())
			return prev, nil
		}
	}
	return m, err
}

func (c *Cache) loadEntry(ctx context.Context, e *cacheEntry) (*ControlModule, error) {
	path := filepath.Join(c.dir, filepath.Base(e.File))
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCachedModule, err)
	}
	if Digest(content) != e.Digest {
		return nil, fmt.Errorf("%w: digest mismatch for %s", ErrNoCachedModule, path)
	}
	if c.validator != nil {
		if err := c.validator.Validate(ctx, path, content); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoCachedModule, err)
		}
	}

	return &ControlModule{
		Source:    SourceCached,
		Location:  e.Location,
		Path:      path,
		Digest:    e.Digest,
		Size:      int64(len(content)),
		Status:    StatusValid,
		FetchedAt: e.FetchedAt,
	}, nil
}

// Invalidate drops every entry with digest. When the current entry goes the
// previous one becomes current. Module files are left for the next prune
// since they may still be executing.
func (c *Cache) Invalidate(digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.readMeta()
	if err != nil {
		return nil
	}

	switch {
	case meta.Digest == digest && meta.Previous != nil && meta.Previous.Digest != digest:
		return c.writeMeta(&cacheMeta{cacheEntry: *meta.Previous})
	case meta.Digest == digest:
		if err := os.Remove(filepath.Join(c.dir, metaFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		fileutil.SyncDir(c.dir)
		return nil
	case meta.Previous != nil && meta.Previous.Digest == digest:
		meta.Previous = nil
		return c.writeMeta(meta)
	}
	return nil
}

func (c *Cache) writeMeta(meta *cacheMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(filepath.Join(c.dir, metaFile), append(data, '\n'), 0o644)
}

func (c *Cache) readMeta() (*cacheMeta, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, metaFile))
	if err != nil {
		return nil, err
	}
	var meta cacheMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", metaFile, err)
	}
	if meta.Digest == "" || meta.File == "" {
		return nil, fmt.Errorf("%s is incomplete", metaFile)
	}
	if p := meta.Previous; p != nil && (p.Digest == "" || p.File == "") {
		meta.Previous = nil
	}
	return &meta, nil
}

func (c *Cache) prune(keep map[string]struct{}) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, moduleExt) {
			continue
		}
		if _, ok := keep[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			log.Warn("Failed to prune cached module", "file", name, "err", err)
		}
	}
}
