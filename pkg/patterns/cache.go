package patterns

import (
	"regexp"
	"sync"
)

// cache holds compiled patterns keyed by their source text. Hot reloads tend to
// re-apply unchanged pattern strings, so compiling each distinct text once is enough.
var cache sync.Map

// compile returns the cached compiled form of pattern, compiling it on first use.
func compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := cache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	actual, _ := cache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

// clearCache removes all cached patterns. Tests only.
func clearCache() {
	cache.Range(func(key, _ any) bool {
		cache.Delete(key)
		return true
	})
}

// cacheSize returns the number of cached patterns.
func cacheSize() int {
	count := 0
	cache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
