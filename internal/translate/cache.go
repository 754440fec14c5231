package translate

import (
	"context"

	"github.com/mtliou/speechrelay/internal/segment"
)

// Cache stores finished translations keyed by normalized text, source, and
// target with a short TTL.
type Cache interface {
	Get(ctx context.Context, key CacheKey) (string, bool)
	Put(ctx context.Context, key CacheKey, translated string) error
	Close()
}

type CacheKey struct {
	NormalizedText string
	Source         string
	Target         string
}

// NewCacheKey normalizes the text the same way utterance fingerprints do so
// casing and diacritic variants share an entry.
func NewCacheKey(text, source, target string) CacheKey {
	return CacheKey{
		NormalizedText: segment.Normalize(text),
		Source:         source,
		Target:         target,
	}
}

// WithCache decorates a translator with read-through caching.
func WithCache(inner Translator, cache Cache) Translator {
	return &cachingTranslator{inner: inner, cache: cache}
}

type cachingTranslator struct {
	inner Translator
	cache Cache
}

func (c *cachingTranslator) Translate(ctx context.Context, text, source string, targets []string) (map[string]string, error) {
	out := make(map[string]string, len(targets))
	var misses []string
	for _, target := range targets {
		if cached, ok := c.cache.Get(ctx, NewCacheKey(text, source, target)); ok {
			out[target] = cached
			continue
		}
		misses = append(misses, target)
	}
	if len(misses) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Translate(ctx, text, source, misses)
	for target, translated := range fresh {
		out[target] = translated
		_ = c.cache.Put(ctx, NewCacheKey(text, source, target), translated)
	}
	return out, err
}

func (c *cachingTranslator) TranslateBatch(ctx context.Context, texts []string, source string, targets []string) ([]map[string]string, error) {
	out := make([]map[string]string, 0, len(texts))
	for _, text := range texts {
		m, err := c.Translate(ctx, text, source, targets)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *cachingTranslator) Detect(ctx context.Context, text string) (string, error) {
	return c.inner.Detect(ctx, text)
}
