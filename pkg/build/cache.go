package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// CacheFileName is the name of the cache record in a target output directory.
const CacheFileName = ".cbuild-cache.json"

// Cache maps (target, input digest) to the artifacts of a successful build.
// It is loaded fully when opened and written fully by Persist.
type Cache struct {
	fileName string
	logger   zerolog.Logger

	lock    sync.Mutex
	entries map[string]*cacheRecord
	dirty   bool
}

// CacheEntry is a cache record exposed for inspection.
type CacheEntry struct {
	Target string
	Digest string
	Result Result
}

type cacheRecord struct {
	Kind               string   `json:"kind"`
	Includes           []string `json:"includes,omitempty"`
	Archives           []string `json:"archives,omitempty"`
	PrecompiledHeaders []string `json:"pch,omitempty"`
	Binary             string   `json:"binary,omitempty"`
	Object             string   `json:"object,omitempty"`
}

// CacheKey returns the record key for a target and input digest.
func CacheKey(target, digest string) string {
	return target + ":" + digest
}

// OpenCache loads the cache record in outDir. A missing, empty or
// unreadable record results in an empty cache.
func OpenCache(outDir string, logger zerolog.Logger) *Cache {
	c := &Cache{
		fileName: filepath.Join(outDir, CacheFileName),
		logger:   logger,
		entries:  make(map[string]*cacheRecord),
	}
	entries, err := loadCacheFrom(c.fileName)
	if err != nil {
		logger.Debug().Err(err).Str("file", c.fileName).Msg("cache starts empty")
		return c
	}
	c.entries = entries
	return c
}

// FileName returns the path of the cache record.
func (c *Cache) FileName() string {
	return c.fileName
}

// Lookup returns the cached result for target and digest. Entries whose
// artifacts no longer exist are dropped and reported as a miss.
func (c *Cache) Lookup(target, digest string) (Result, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	key := CacheKey(target, digest)
	rec := c.entries[key]
	if rec == nil {
		return Result{}, false
	}
	r, err := rec.result()
	if err == nil {
		err = checkArtifacts(r)
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("target", target).Msg("cache entry invalid")
		delete(c.entries, key)
		c.dirty = true
		return Result{}, false
	}
	return r, true
}

// Store records a successful result. Older entries of the same target are replaced.
func (c *Cache) Store(target, digest string, r Result) error {
	if r.IsFailure() {
		return ErrFailureNotCacheable
	}
	rec := &cacheRecord{
		Kind:               r.Kind.String(),
		Includes:           toSlashAll(r.Includes),
		Archives:           toSlashAll(r.Archives),
		PrecompiledHeaders: toSlashAll(r.PrecompiledHeaders),
		Binary:             filepath.ToSlash(r.Binary),
		Object:             filepath.ToSlash(r.Object),
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	prefix := target + ":"
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.entries[CacheKey(target, digest)] = rec
	c.dirty = true
	return nil
}

// Entries returns the records of target, or all records if target is empty.
func (c *Cache) Entries(target string) []CacheEntry {
	c.lock.Lock()
	defer c.lock.Unlock()
	var out []CacheEntry
	for key, rec := range c.entries {
		pos := strings.LastIndex(key, ":")
		if pos < 0 {
			continue
		}
		name, digest := key[:pos], key[pos+1:]
		if target != "" && name != target {
			continue
		}
		r, err := rec.result()
		if err != nil {
			continue
		}
		out = append(out, CacheEntry{Target: name, Digest: digest, Result: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Persist writes the whole record if it changed since loading.
func (c *Cache) Persist() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.dirty {
		return nil
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache error: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.fileName), 0755); err != nil {
		return fmt.Errorf("create cache dir error: %w", err)
	}
	if err := os.WriteFile(c.fileName, data, 0644); err != nil {
		return fmt.Errorf("write cache %q error: %w", c.fileName, err)
	}
	c.dirty = false
	return nil
}

func (r *cacheRecord) result() (Result, error) {
	kind, ok := ParseResultKind(r.Kind)
	if !ok || kind == KindFailure {
		return Result{}, fmt.Errorf("invalid kind %q", r.Kind)
	}
	return Result{
		Kind:               kind,
		Includes:           fromSlashAll(r.Includes),
		Archives:           fromSlashAll(r.Archives),
		PrecompiledHeaders: fromSlashAll(r.PrecompiledHeaders),
		Binary:             filepath.FromSlash(r.Binary),
		Object:             filepath.FromSlash(r.Object),
	}, nil
}

func checkArtifacts(r Result) error {
	paths := append(append([]string(nil), r.Archives...), r.PrecompiledHeaders...)
	if r.Binary != "" {
		paths = append(paths, r.Binary)
	}
	if r.Object != "" {
		paths = append(paths, r.Object)
	}
	for _, fn := range paths {
		if _, err := os.Stat(fn); err != nil {
			return fmt.Errorf("artifact %q: %w", fn, err)
		}
	}
	return nil
}

func loadCacheFrom(fn string) (map[string]*cacheRecord, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, fmt.Errorf("load cache error: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("empty cache file")
	}
	entries := make(map[string]*cacheRecord)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse cache error: %w", err)
	}
	for key, rec := range entries {
		if rec == nil {
			delete(entries, key)
		}
	}
	return entries, nil
}

func toSlashAll(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for n, p := range paths {
		out[n] = filepath.ToSlash(p)
	}
	return out
}

func fromSlashAll(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for n, p := range paths {
		out[n] = filepath.FromSlash(p)
	}
	return out
}

// CacheSet shares one Cache per output directory between concurrently
// building targets.
type CacheSet struct {
	logger zerolog.Logger

	lock   sync.Mutex
	caches map[string]*Cache
}

// NewCacheSet creates an empty CacheSet.
func NewCacheSet(logger zerolog.Logger) *CacheSet {
	return &CacheSet{logger: logger, caches: make(map[string]*Cache)}
}

// Open returns the cache of outDir, loading it on first use.
func (s *CacheSet) Open(outDir string) *Cache {
	key := filepath.Clean(outDir)
	s.lock.Lock()
	defer s.lock.Unlock()
	if c := s.caches[key]; c != nil {
		return c
	}
	c := OpenCache(key, s.logger)
	s.caches[key] = c
	return c
}
