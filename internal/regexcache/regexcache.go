// Package regexcache memoizes compiled regular expressions for configured patterns.
package regexcache

import (
	"regexp"
	"sync"
)

// Cache maps (pattern, flags) to a compiled matcher. Entries are inserted once
// and never evicted; the key space is the fixed set of configured patterns.
// A nil *Cache compiles without memoizing.
type Cache struct {
	entries sync.Map // string -> *regexp.Regexp
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{}
}

// Compile returns the compiled form of pattern. flags is a set of RE2 flag
// letters (for example "i" for case-insensitive) applied as a (?flags) prefix.
// Concurrent first calls for the same key may both compile; the first stored
// matcher wins and the duplicate is discarded.
func (c *Cache) Compile(pattern, flags string) (*regexp.Regexp, error) {
	key := flags + "\x00" + pattern
	if c != nil {
		if v, ok := c.entries.Load(key); ok {
			return v.(*regexp.Regexp), nil
		}
	}

	expr := pattern
	if flags != "" {
		expr = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}

	if c == nil {
		return re, nil
	}
	actual, _ := c.entries.LoadOrStore(key, re)
	return actual.(*regexp.Regexp), nil
}

// Len returns the number of cached matchers.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
