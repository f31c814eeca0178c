package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tessera-db/tessera/frontend/engine"
)

type fakeFactory struct {
	closed bool
}

func (f *fakeFactory) Metadata() *engine.Metadata {
	return &engine.Metadata{}
}

func (f *fakeFactory) Cursor(ctx *engine.ExecContext) (engine.Cursor, error) {
	return nil, nil
}

func (f *fakeFactory) Close() {
	f.closed = true
}

func TestSelectCachePeekMatchesExactText(t *testing.T) {
	c := NewSelectCache(4)
	v := &TypesAndSelect{Factory: &fakeFactory{}, Tag: engine.TagSelect}
	c.Put("select 1", v)

	assert.Same(t, v, c.Peek("select 1"))
	assert.Nil(t, c.Peek("select 2"))

	c.Remove("select 1")
	assert.Nil(t, c.Peek("select 1"))
}

func TestSelectCacheEvictionClosesFactory(t *testing.T) {
	c := NewSelectCache(1)
	f1 := &fakeFactory{}
	c.Put("q1", &TypesAndSelect{Factory: f1})
	c.Put("q2", &TypesAndSelect{Factory: &fakeFactory{}})

	assert.True(t, f1.closed)
	assert.NotNil(t, c.Peek("q2"))
}

func TestSelectCacheCloseReleasesAll(t *testing.T) {
	c := NewSelectCache(4)
	f := &fakeFactory{}
	c.Put("q", &TypesAndSelect{Factory: f})
	c.Close()
	assert.True(t, f.closed)
	assert.Nil(t, c.Peek("q"))
}

func TestReconcileParameterTypes(t *testing.T) {
	cached := []uint32{23, 20}

	// no client types: always reusable
	assert.True(t, ReconcileParameterTypes(nil, cached))
	// exact match
	assert.True(t, ReconcileParameterTypes([]uint32{23, 20}, cached))
	// different OID at the same position
	assert.False(t, ReconcileParameterTypes([]uint32{23, 21}, cached))
	// different arity
	assert.False(t, ReconcileParameterTypes([]uint32{23}, cached))
}
