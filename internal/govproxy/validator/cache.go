package validator

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

type cacheEntry struct {
	key string
	res model.ValidationResult
}

// resultCache memoises validation results by query shape. Entries are
// bucketed by the xxhash of the key and a hit requires the full key to match.
type resultCache struct {
	lru *lru.Cache[uint64, cacheEntry]
}

func newResultCache(size int) (*resultCache, error) {
	c, err := lru.New[uint64, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &resultCache{lru: c}, nil
}

// cacheKey encodes the SQL text together with the declared tables, the only
// inputs the rules read. Every field is length-prefixed so no two distinct
// inputs share a key.
func cacheKey(q *model.AgentQuery) string {
	var b strings.Builder
	writeField := func(s string) {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	writeField(q.SQLQuery)
	b.WriteString(strconv.Itoa(len(q.RequestedTables)))
	b.WriteByte('#')
	for _, t := range q.RequestedTables {
		writeField(strings.ToUpper(t))
	}
	return b.String()
}

func (c *resultCache) get(key string) (model.ValidationResult, bool) {
	e, ok := c.lru.Get(xxhash.Sum64String(key))
	if !ok || e.key != key {
		return model.ValidationResult{}, false
	}
	return e.res.Clone(), true
}

func (c *resultCache) add(key string, res model.ValidationResult) {
	c.lru.Add(xxhash.Sum64String(key), cacheEntry{key: key, res: res.Clone()})
}

func (c *resultCache) len() int {
	return c.lru.Len()
}
