// Package registry supplies the two hash-table shapes the relay core
// needs (string-keyed and u64-keyed), both safe for lookup under a
// refcount.Domain read section and for unique-insertion races. It is a
// thin, typed layer over github.com/alphadose/haxmap and, where a
// stable iteration order matters, github.com/zhangyunhao116/skipmap —
// not a reimplementation of either.
package registry

import (
	"github.com/alphadose/haxmap"
	"github.com/zhangyunhao116/skipmap"
)

// StringTable is the registry shape used for a session's subpath -> ctf
// trace map.
type StringTable[V any] struct {
	m *haxmap.Map[string, V]
}

func NewStringTable[V any]() *StringTable[V] {
	return &StringTable[V]{m: haxmap.New[string, V]()}
}

// Lookup returns the value stored under key, meant to be called from
// within a refcount.Domain read section; the caller is responsible for
// calling GetUnlessZero on the returned entity before trusting it.
func (t *StringTable[V]) Lookup(key string) (V, bool) {
	return t.m.Get(key)
}

// GetOrInsert inserts the value produced by create only if key is
// absent, atomically. It reports the value actually stored (the new one
// on a clean insert, the pre-existing one on a race) and whether an
// existing entry was found.
func (t *StringTable[V]) GetOrInsert(key string, create func() V) (actual V, existed bool) {
	return t.m.GetOrCompute(key, create)
}

// Remove deletes key unconditionally. Callers normally already hold
// the node and are removing it by identity; since haxmap has
// no node handle, removal here is by the same key the node was inserted
// under (the caller still owns the entity and is the only one allowed to
// remove it, so this behaves like a node-handle removal in practice).
func (t *StringTable[V]) Remove(key string) {
	t.m.Del(key)
}

func (t *StringTable[V]) Range(fn func(key string, v V) bool) {
	t.m.ForEach(fn)
}

func (t *StringTable[V]) Len() int {
	return int(t.m.Len())
}

// U64Table is the registry shape used for the process-wide stream map and
// for a stream's seqnum -> relay_index map.
type U64Table[V any] struct {
	m *haxmap.Map[uint64, V]
}

func NewU64Table[V any]() *U64Table[V] {
	return &U64Table[V]{m: haxmap.New[uint64, V]()}
}

func (t *U64Table[V]) Lookup(key uint64) (V, bool) {
	return t.m.Get(key)
}

func (t *U64Table[V]) GetOrInsert(key uint64, create func() V) (actual V, existed bool) {
	return t.m.GetOrCompute(key, create)
}

func (t *U64Table[V]) Remove(key uint64) {
	t.m.Del(key)
}

func (t *U64Table[V]) Range(fn func(key uint64, v V) bool) {
	t.m.ForEach(fn)
}

func (t *U64Table[V]) Len() int {
	return int(t.m.Len())
}

// OrderedU64Table is the u64-keyed shape backing the process-wide
// viewer-stream registry, which benefits from the
// order-preserving iteration skipmap provides (stable, ascending-handle
// snapshots for diagnostics/listing) where the plain hash table does not
// need to guarantee an order.
type OrderedU64Table[V any] struct {
	m *skipmap.Uint64Map[V]
}

func NewOrderedU64Table[V any]() *OrderedU64Table[V] {
	return &OrderedU64Table[V]{m: skipmap.NewUint64[V]()}
}

func (t *OrderedU64Table[V]) Lookup(key uint64) (V, bool) {
	return t.m.Load(key)
}

func (t *OrderedU64Table[V]) GetOrInsert(key uint64, value V) (actual V, existed bool) {
	return t.m.LoadOrStore(key, value)
}

func (t *OrderedU64Table[V]) Remove(key uint64) {
	t.m.Delete(key)
}

func (t *OrderedU64Table[V]) Range(fn func(key uint64, v V) bool) {
	t.m.Range(fn)
}

func (t *OrderedU64Table[V]) Len() int {
	return t.m.Len()
}
