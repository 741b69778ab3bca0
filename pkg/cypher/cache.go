package cypher

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of parsed statements kept by NewCache
// when no size is given.
const DefaultCacheSize = 256

// Cache memoizes parsed statements by source text. It is safe for
// concurrent use.
type Cache struct {
	stmts *lru.Cache[string, *Statement]
}

// NewCache creates a cache holding up to size statements.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *Statement](size)
	if err != nil {
		return nil, err
	}
	return &Cache{stmts: c}, nil
}

// Parse returns the cached statement for src, parsing it on a miss.
// Syntax errors are not cached.
func (c *Cache) Parse(src string) (*Statement, error) {
	if s, ok := c.stmts.Get(src); ok {
		return s, nil
	}
	s, err := Parse(src)
	if err != nil {
		return nil, err
	}
	c.stmts.Add(src, s)
	return s, nil
}

// Len returns the number of cached statements.
func (c *Cache) Len() int {
	return c.stmts.Len()
}
