// Package hashtable is a generic, bucket-sharded hash table with a
// lock-free Get: buckets are singly-linked chains updated with
// atomic.Pointer stores so a concurrent reader never observes a torn
// pointer, while Set/Del serialize via a per-bucket RWMutex. The block
// buffer cache (kernel/src/fs) uses one instance keyed on (dev,
// blockno) pairs (spec.md §6's "buffer cache... O(1) average lookup").
package hashtable

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// elem_t is one chain link. next is an atomic.Pointer so Get can walk
// the chain without taking the bucket lock.
type elem_t[K comparable, V any] struct {
	key     K
	value   V
	keyHash uint32
	next    atomic.Pointer[elem_t[K, V]]
}

type bucket_t[K comparable, V any] struct {
	sync.RWMutex
	first atomic.Pointer[elem_t[K, V]]
}

func (b *bucket_t[K, V]) len() int {
	n := 0
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		n++
	}
	return n
}

func (b *bucket_t[K, V]) elems() []Pair[K, V] {
	var p []Pair[K, V]
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		p = append(p, Pair[K, V]{Key: e.key, Value: e.value})
	}
	return p
}

// Pair is one key/value tuple returned by Elems.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

// Hashtable is a fixed-bucket-count hash table mapping K to V. HashFn
// computes a key's hash; callers supply it at construction since a
// generic table cannot derive a hash for an arbitrary comparable type.
type Hashtable[K comparable, V any] struct {
	table    []*bucket_t[K, V]
	hashFn   func(K) uint32
	maxchain int32
}

// Mk allocates a table with nbuckets buckets.
func Mk[K comparable, V any](nbuckets int, hashFn func(K) uint32) *Hashtable[K, V] {
	ht := &Hashtable[K, V]{
		table:  make([]*bucket_t[K, V], nbuckets),
		hashFn: hashFn,
	}
	for i := range ht.table {
		ht.table[i] = &bucket_t[K, V]{}
	}
	return ht
}

func (ht *Hashtable[K, V]) bucketOf(kh uint32) *bucket_t[K, V] {
	return ht.table[kh%uint32(len(ht.table))]
}

// Size returns the total element count across all buckets.
func (ht *Hashtable[K, V]) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

// Elems returns every key/value pair currently stored.
func (ht *Hashtable[K, V]) Elems() []Pair[K, V] {
	var p []Pair[K, V]
	for _, b := range ht.table {
		p = append(p, b.elems()...)
	}
	return p
}

// Get looks up key without taking any lock, relying on the atomic
// chain pointers for safe concurrent traversal against Set/Del.
func (ht *Hashtable[K, V]) Get(key K) (V, bool) {
	kh := ht.hashFn(key) * 2654435761
	b := ht.bucketOf(kh)
	n := int32(0)
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
		n++
		if n > atomic.LoadInt32(&ht.maxchain) {
			atomic.StoreInt32(&ht.maxchain, n)
		}
	}
	var zero V
	return zero, false
}

// Set inserts key/value, keeping the bucket chain ordered by keyHash.
// Returns false without modifying the table if key already exists.
func (ht *Hashtable[K, V]) Set(key K, value V) bool {
	kh := ht.hashFn(key) * 2654435761
	b := ht.bucketOf(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem_t[K, V]
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			return false
		}
		if kh < e.keyHash {
			break
		}
		last = e
	}
	n := &elem_t[K, V]{key: key, value: value, keyHash: kh}
	if last == nil {
		n.next.Store(b.first.Load())
		b.first.Store(n)
	} else {
		n.next.Store(last.next.Load())
		last.next.Store(n)
	}
	return true
}

// Del removes key, panicking if it is not present — callers always
// know a key is in the table before deleting it (e.g. evicting a
// buffer-cache entry they just looked up).
func (ht *Hashtable[K, V]) Del(key K) {
	kh := ht.hashFn(key) * 2654435761
	b := ht.bucketOf(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem_t[K, V]
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			if last == nil {
				b.first.Store(e.next.Load())
			} else {
				last.next.Store(e.next.Load())
			}
			return
		}
		last = e
	}
	panic(fmt.Sprintf("hashtable: del of non-existing key %v", key))
}

// Iter applies f to every key/value pair until f returns true.
func (ht *Hashtable[K, V]) Iter(f func(K, V) bool) bool {
	for _, b := range ht.table {
		for e := b.first.Load(); e != nil; e = e.next.Load() {
			if f(e.key, e.value) {
				return true
			}
		}
	}
	return false
}

// String formats the chain contents bucket by bucket, for panic dumps.
func (ht *Hashtable[K, V]) String() string {
	s := ""
	for i, b := range ht.table {
		if b.first.Load() == nil {
			continue
		}
		s += fmt.Sprintf("b %d:\n", i)
		for e := b.first.Load(); e != nil; e = e.next.Load() {
			s += fmt.Sprintf("(%v, %v), ", e.keyHash, e.key)
		}
		s += "\n"
	}
	return s
}
