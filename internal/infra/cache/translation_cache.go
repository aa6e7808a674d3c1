package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"translation-dispatch/internal/infra/metrics"
)

// TranslationCache is a content-addressable store of finished
// translations. Keys are derived from the trimmed source text so the
// same string stays addressable across runs regardless of surrounding
// whitespace. An empty path disables persistence entirely.
type TranslationCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
	dirty   bool
	log     *zerolog.Logger
}

func NewTranslationCache(path string, log *zerolog.Logger) *TranslationCache {
	return &TranslationCache{
		path:    path,
		entries: make(map[string]string),
		log:     log,
	}
}

func cacheKey(sourceText, sourceLang, targetLang string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sourceText)))
	return fmt.Sprintf("%s_%s_%s", sourceLang, targetLang, hex.EncodeToString(sum[:])[:16])
}

// Get returns the cached translation for (text, src, tgt), if any.
func (c *TranslationCache) Get(sourceText, sourceLang, targetLang string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[cacheKey(sourceText, sourceLang, targetLang)]
	if ok {
		metrics.IncCacheRequest("hit")
	} else {
		metrics.IncCacheRequest("miss")
	}
	return v, ok
}

// Put stores a translation. An empty translation deletes the entry
// instead of storing emptiness. The dirty flag is raised only when the
// effective mapping actually changes.
func (c *TranslationCache) Put(sourceText, translatedText, sourceLang, targetLang string) {
	key := cacheKey(sourceText, sourceLang, targetLang)
	newValue := strings.TrimSpace(translatedText)

	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.entries[key]
	if exists && current == newValue {
		return
	}
	if newValue == "" {
		if !exists {
			return
		}
		delete(c.entries, key)
	} else {
		c.entries[key] = newValue
	}
	c.dirty = true
}

// Dirty reports whether the in-memory map differs from the last
// successfully persisted copy.
func (c *TranslationCache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Len returns the number of cached translations.
func (c *TranslationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Load replaces the in-memory map from the backing file. A missing,
// unreadable or corrupt file falls back to an empty cache; Load never
// fails the caller.
func (c *TranslationCache) Load() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]string)
	c.dirty = false
	if c.path == "" {
		c.log.Info().Msg("cache path not configured, using in-memory cache")
		return
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.log.Info().Str("path", c.path).Msg("no cache file, starting empty")
		} else {
			c.log.Error().Err(err).Str("path", c.path).Msg("cache read failed, starting empty")
		}
		return
	}
	if err := json.Unmarshal(b, &c.entries); err != nil {
		c.log.Error().Err(err).Str("path", c.path).Msg("cache parse failed, starting empty")
		c.entries = make(map[string]string)
		return
	}
	c.log.Info().Str("path", c.path).Int("entries", len(c.entries)).Msg("cache loaded")
}

// Persist writes the cache to a temp file and atomically renames it
// over the real path. On failure the in-memory map and the dirty flag
// stay as they were, so nothing is lost, just not yet durable.
func (c *TranslationCache) Persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		c.log.Error().Err(err).Msg("cache marshal failed")
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		c.log.Error().Err(err).Str("path", tmp).Msg("cache write failed")
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.log.Error().Err(err).Str("path", c.path).Msg("cache rename failed")
		return err
	}
	c.dirty = false
	c.log.Info().Str("path", c.path).Int("entries", len(c.entries)).Msg("cache persisted")
	return nil
}

// Clear empties the map and removes the backing file if present.
func (c *TranslationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]string)
	c.dirty = false
	if c.path == "" {
		return
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		c.log.Error().Err(err).Str("path", c.path).Msg("cache file delete failed")
	}
}
