// Package list provides doubly linked lists whose links live in an arena of
// reusable slots. A link is addressed by a generation-checked Handle instead of
// a pointer, so a handle kept past the removal of its link is detected as stale
// rather than silently aliasing whatever reuses the slot.
package list

import (
	"github.com/bits-and-blooms/bitset"
)

const none int32 = -1

// Handle refers to a link in an Arena. The zero Handle refers to nothing.
type Handle struct {
	index int32
	gen   uint32
}

// Nil is the handle that refers to no link.
var Nil = Handle{}

// IsNil reports whether the handle refers to no link.
func (h Handle) IsNil() bool {
	return h.gen == 0
}

type link[T any] struct {
	value T
	list  *List[T]
	prev  int32
	next  int32
	gen   uint32
}

// Arena owns the storage of every link of the lists created from it.
// An Arena is not safe for concurrent use.
type Arena[T any] struct {
	links []link[T]
	free  []int32
	inUse *bitset.BitSet
}

// NewArena creates an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{inUse: bitset.New(0)}
}

// NewList creates an empty list whose links are stored in the arena.
func (a *Arena[T]) NewList() *List[T] {
	return &List[T]{arena: a, head: none, tail: none}
}

// Len returns the number of live links across all lists of the arena.
func (a *Arena[T]) Len() int {
	return int(a.inUse.Count())
}

// Get returns the value stored at h.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	lk, ok := a.lookup(h)
	if !ok {
		var zero T
		return zero, false
	}
	return lk.value, true
}

// Set replaces the value stored at h.
func (a *Arena[T]) Set(h Handle, value T) bool {
	lk, ok := a.lookup(h)
	if ok {
		lk.value = value
	}
	return ok
}

// Valid reports whether h still refers to a live link.
func (a *Arena[T]) Valid(h Handle) bool {
	_, ok := a.lookup(h)
	return ok
}

// GetList returns the list the link at h belongs to, or nil for a stale handle.
func (a *Arena[T]) GetList(h Handle) *List[T] {
	lk, ok := a.lookup(h)
	if !ok {
		return nil
	}
	return lk.list
}

// Next returns the handle of the link after h.
func (a *Arena[T]) Next(h Handle) Handle {
	lk, ok := a.lookup(h)
	if !ok {
		return Nil
	}
	return a.handle(lk.next)
}

// Prev returns the handle of the link before h.
func (a *Arena[T]) Prev(h Handle) Handle {
	lk, ok := a.lookup(h)
	if !ok {
		return Nil
	}
	return a.handle(lk.prev)
}

// PopSelf unlinks the link at h from its list in constant time and frees its
// slot. It returns false if h is stale.
func (a *Arena[T]) PopSelf(h Handle) bool {
	lk, ok := a.lookup(h)
	if !ok {
		return false
	}
	l := lk.list
	if lk.prev != none {
		a.links[lk.prev].next = lk.next
	} else {
		l.head = lk.next
	}
	if lk.next != none {
		a.links[lk.next].prev = lk.prev
	} else {
		l.tail = lk.prev
	}
	l.size--
	a.release(h.index)
	return true
}

func (a *Arena[T]) lookup(h Handle) (*link[T], bool) {
	if h.gen == 0 || h.index < 0 || int(h.index) >= len(a.links) || !a.inUse.Test(uint(h.index)) {
		return nil, false
	}
	lk := &a.links[h.index]
	if lk.gen != h.gen {
		return nil, false
	}
	return lk, true
}

func (a *Arena[T]) handle(index int32) Handle {
	if index == none {
		return Nil
	}
	return Handle{index: index, gen: a.links[index].gen}
}

func (a *Arena[T]) alloc(value T, l *List[T]) int32 {
	var index int32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.links = append(a.links, link[T]{})
		index = int32(len(a.links) - 1)
	}
	lk := &a.links[index]
	lk.gen++
	lk.value = value
	lk.list = l
	lk.prev = none
	lk.next = none
	a.inUse.Set(uint(index))
	return index
}

func (a *Arena[T]) release(index int32) {
	var zero T
	lk := &a.links[index]
	lk.value = zero
	lk.list = nil
	lk.prev = none
	lk.next = none
	// Odd generations are live, even ones are free.
	lk.gen++
	a.inUse.Clear(uint(index))
	a.free = append(a.free, index)
}

// List is a doubly linked list backed by an Arena.
type List[T any] struct {
	arena *Arena[T]
	head  int32
	tail  int32
	size  int
}

// Arena returns the arena that stores the list's links.
func (list *List[T]) Arena() *Arena[T] {
	return list.arena
}

// Len returns the number of links in the list.
func (list *List[T]) Len() int {
	return list.size
}

// Empty reports whether the list has no links.
func (list *List[T]) Empty() bool {
	return list.size == 0
}

// PeekHead returns the handle of the first link.
func (list *List[T]) PeekHead() Handle {
	return list.arena.handle(list.head)
}

// PeekTail returns the handle of the last link.
func (list *List[T]) PeekTail() Handle {
	return list.arena.handle(list.tail)
}

// PushHead adds value at the start of the list and returns its handle.
func (list *List[T]) PushHead(value T) Handle {
	a := list.arena
	index := a.alloc(value, list)
	a.links[index].next = list.head
	if list.head != none {
		a.links[list.head].prev = index
	}
	list.head = index
	if list.tail == none {
		list.tail = index
	}
	list.size++
	return a.handle(index)
}

// PushTail adds value at the end of the list and returns its handle.
func (list *List[T]) PushTail(value T) Handle {
	a := list.arena
	index := a.alloc(value, list)
	a.links[index].prev = list.tail
	if list.tail != none {
		a.links[list.tail].next = index
	}
	list.tail = index
	if list.head == none {
		list.head = index
	}
	list.size++
	return a.handle(index)
}

// Find returns the handle of the first link whose value satisfies f.
func (list *List[T]) Find(f func(T) bool) Handle {
	a := list.arena
	for i := list.head; i != none; i = a.links[i].next {
		if f(a.links[i].value) {
			return a.handle(i)
		}
	}
	return Nil
}

// Map applies f to every value in order. f must not modify the list.
func (list *List[T]) Map(f func(T)) {
	a := list.arena
	for i := list.head; i != none; i = a.links[i].next {
		f(a.links[i].value)
	}
}

// Values returns the values of the list in order.
func (list *List[T]) Values() []T {
	values := make([]T, 0, list.size)
	list.Map(func(v T) {
		values = append(values, v)
	})
	return values
}
