// Package fixed provides containers whose capacity is set once at
// construction and never grows. Misuse (out-of-range access, push past
// capacity, pop on empty) is a programming error and panics.
package fixed

import "fmt"

// Array is a bounds-checked array of n elements.
type Array[T any] struct {
	data []T
}

// NewArray allocates an Array with n zero-valued elements.
func NewArray[T any](n int) Array[T] {
	if n < 0 {
		panic(fmt.Sprintf("fixed: negative array size %d", n))
	}
	return Array[T]{data: make([]T, n)}
}

func (a *Array[T]) Len() int { return len(a.data) }

func (a *Array[T]) At(i int) T {
	a.check(i)
	return a.data[i]
}

func (a *Array[T]) Set(i int, v T) {
	a.check(i)
	a.data[i] = v
}

// Ptr returns a pointer to element i for in-place updates.
func (a *Array[T]) Ptr(i int) *T {
	a.check(i)
	return &a.data[i]
}

// Slice returns data[from:to] with both bounds checked.
func (a *Array[T]) Slice(from, to int) []T {
	if from < 0 || to > len(a.data) || from > to {
		panic(fmt.Sprintf("fixed: slice [%d:%d] out of range for array of %d", from, to, len(a.data)))
	}
	return a.data[from:to]
}

// Fill sets every element to v.
func (a *Array[T]) Fill(v T) {
	for i := range a.data {
		a.data[i] = v
	}
}

func (a *Array[T]) check(i int) {
	if i < 0 || i >= len(a.data) {
		panic(fmt.Sprintf("fixed: index %d out of range for array of %d", i, len(a.data)))
	}
}

// Vector is a variable-length sequence over a fixed backing array.
type Vector[T any] struct {
	data []T
	n    int
}

// NewVector allocates an empty Vector holding at most capacity elements.
func NewVector[T any](capacity int) Vector[T] {
	if capacity < 0 {
		panic(fmt.Sprintf("fixed: negative vector capacity %d", capacity))
	}
	return Vector[T]{data: make([]T, capacity)}
}

func (v *Vector[T]) Len() int { return v.n }
func (v *Vector[T]) Cap() int { return len(v.data) }
func (v *Vector[T]) Full() bool { return v.n == len(v.data) }
func (v *Vector[T]) Empty() bool { return v.n == 0 }
func (v *Vector[T]) Clear() { v.Resize(0) }
func (v *Vector[T]) Slice() []T { return v.data[:v.n] }
func (v *Vector[T]) At(i int) T { v.check(i); return v.data[i] }
func (v *Vector[T]) Ptr(i int) *T { v.check(i); return &v.data[i] }
func (v *Vector[T]) Set(i int, x T) { v.check(i); v.data[i] = x }

func (v *Vector[T]) PushBack(x T) {
	if v.n == len(v.data) {
		panic(fmt.Sprintf("fixed: push on full vector (capacity %d)", len(v.data)))
	}
	v.data[v.n] = x
	v.n++
}

func (v *Vector[T]) PopBack() T {
	if v.n == 0 {
		panic("fixed: pop on empty vector")
	}
	v.n--
	x := v.data[v.n]
	var zero T
	v.data[v.n] = zero
	return x
}

// Resize changes the length. New elements are zero valued.
func (v *Vector[T]) Resize(n int) {
	if n < 0 || n > len(v.data) {
		panic(fmt.Sprintf("fixed: resize to %d outside capacity %d", n, len(v.data)))
	}
	var zero T
	for i := n; i < v.n; i++ {
		v.data[i] = zero
	}
	v.n = n
}

func (v *Vector[T]) check(i int) {
	if i < 0 || i >= v.n {
		panic(fmt.Sprintf("fixed: index %d out of range for vector of %d", i, v.n))
	}
}

// Bitset is a fixed number of bits.
type Bitset struct {
	words []uint64
	n     int
}

func NewBitset(n int) Bitset {
	if n < 0 {
		panic(fmt.Sprintf("fixed: negative bitset size %d", n))
	}
	return Bitset{words: make([]uint64, (n+63)/64), n: n}
}

func (b *Bitset) Len() int { return b.n }

func (b *Bitset) Set(i int) {
	b.check(i)
	b.words[i/64] |= 1 << (uint(i) % 64)
}

func (b *Bitset) Clear(i int) {
	b.check(i)
	b.words[i/64] &^= 1 << (uint(i) % 64)
}

func (b *Bitset) Test(i int) bool {
	b.check(i)
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

// SetRange sets bits [from, from+n).
func (b *Bitset) SetRange(from, n int) {
	for i := from; i < from+n; i++ {
		b.Set(i)
	}
}

func (b *Bitset) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

func (b *Bitset) Any() bool {
	for _, w := range b.words {
		if w != 0 {
			return true
		}
	}
	return false
}

func (b *Bitset) Count() int {
	c := 0
	for i := 0; i < b.n; i++ {
		if b.Test(i) {
			c++
		}
	}
	return c
}

func (b *Bitset) check(i int) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("fixed: bit %d out of range for bitset of %d", i, b.n))
	}
}
