package cache

import (
	"github.com/go-faster/city"

	"github.com/tessera-db/tessera/frontend/engine"
)

// TypesAndSelect is a cached compiled SELECT (or EXPLAIN): the cursor
// factory plus the parameter type lists it was compiled against.
type TypesAndSelect struct {
	Factory CursorFactoryRef
	Type    engine.QueryType
	Tag     string

	// parameter OIDs from the PARSE message the SQL was compiled
	// with; reuse requires the next PARSE to declare the same ones
	InOIDs  []uint32
	OutOIDs []uint32
}

type CursorFactoryRef = engine.CursorFactory

// TypesAndInsert is a cached compiled INSERT.
type TypesAndInsert struct {
	InsertOp engine.InsertOperation
	Type     engine.QueryType
	Tag      string

	InOIDs  []uint32
	OutOIDs []uint32
}

func (t *TypesAndInsert) HasBindVariables() bool {
	return len(t.OutOIDs) > 0
}

// ReconcileParameterTypes checks that the cached artifact was compiled
// with the parameter types the client is declaring now. Only the
// client-declared types matter: the same SQL text produces the same
// inferred types on every compilation.
func ReconcileParameterTypes(parseOIDs []uint32, cachedInOIDs []uint32) bool {
	if len(parseOIDs) == 0 {
		return true
	}
	if len(parseOIDs) != len(cachedInOIDs) {
		return false
	}
	for i := range parseOIDs {
		if parseOIDs[i] != cachedInOIDs[i] {
			return false
		}
	}
	return true
}

type selectEntry struct {
	sqlText string
	value   *TypesAndSelect
}

// SelectCache is the per-connection compiled SELECT cache, keyed by
// the CityHash of the SQL text. Collisions fall back to text equality.
// Not safe for concurrent use; a connection is single-fibered.
type SelectCache struct {
	capacity int
	entries  map[uint64]selectEntry
}

func NewSelectCache(capacity int) *SelectCache {
	return &SelectCache{
		capacity: capacity,
		entries:  map[uint64]selectEntry{},
	}
}

func (c *SelectCache) key(sqlText string) uint64 {
	return city.CH64([]byte(sqlText))
}

// Peek looks up without removing; the caller must not close the
// returned factory while it stays cached.
func (c *SelectCache) Peek(sqlText string) *TypesAndSelect {
	e, ok := c.entries[c.key(sqlText)]
	if !ok || e.sqlText != sqlText {
		return nil
	}
	return e.value
}

func (c *SelectCache) Put(sqlText string, v *TypesAndSelect) {
	if len(c.entries) >= c.capacity {
		// cheap random eviction, the cache is per connection
		for k, e := range c.entries {
			e.value.Factory.Close()
			delete(c.entries, k)
			break
		}
	}
	c.entries[c.key(sqlText)] = selectEntry{sqlText: sqlText, value: v}
}

func (c *SelectCache) Remove(sqlText string) {
	k := c.key(sqlText)
	if e, ok := c.entries[k]; ok && e.sqlText == sqlText {
		delete(c.entries, k)
	}
}

func (c *SelectCache) Close() {
	for k, e := range c.entries {
		e.value.Factory.Close()
		delete(c.entries, k)
	}
}

type insertEntry struct {
	sqlText string
	value   *TypesAndInsert
}

// InsertCache is the per-connection compiled INSERT cache.
type InsertCache struct {
	capacity int
	entries  map[uint64]insertEntry
}

func NewInsertCache(capacity int) *InsertCache {
	return &InsertCache{
		capacity: capacity,
		entries:  map[uint64]insertEntry{},
	}
}

func (c *InsertCache) key(sqlText string) uint64 {
	return city.CH64([]byte(sqlText))
}

func (c *InsertCache) Peek(sqlText string) *TypesAndInsert {
	e, ok := c.entries[c.key(sqlText)]
	if !ok || e.sqlText != sqlText {
		return nil
	}
	return e.value
}

func (c *InsertCache) Put(sqlText string, v *TypesAndInsert) {
	if len(c.entries) >= c.capacity {
		for k, e := range c.entries {
			e.value.InsertOp.Close()
			delete(c.entries, k)
			break
		}
	}
	c.entries[c.key(sqlText)] = insertEntry{sqlText: sqlText, value: v}
}

func (c *InsertCache) Remove(sqlText string) {
	k := c.key(sqlText)
	if e, ok := c.entries[k]; ok && e.sqlText == sqlText {
		delete(c.entries, k)
	}
}

func (c *InsertCache) Close() {
	for k, e := range c.entries {
		e.value.InsertOp.Close()
		delete(c.entries, k)
	}
}
