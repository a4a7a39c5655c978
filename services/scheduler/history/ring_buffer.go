// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

// RingBuffer keeps the most recent N values.
//
// # Description
//
// Push is O(1). Once the buffer holds Cap values, each Push evicts the
// oldest one and returns it.
//
// # Thread Safety
//
// NOT safe for concurrent use; History synchronizes access.
type RingBuffer[T any] struct {
	data  []T
	start int
	size  int
}

// NewRingBuffer creates a buffer holding up to capacity values.
// Non-positive capacities select DefaultSize.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Push appends v, returning the evicted value when the buffer was full.
func (r *RingBuffer[T]) Push(v T) (evicted T, ok bool) {
	if r.size < len(r.data) {
		r.data[(r.start+r.size)%len(r.data)] = v
		r.size++
		return evicted, false
	}
	evicted = r.data[r.start]
	r.data[r.start] = v
	r.start = (r.start + 1) % len(r.data)
	return evicted, true
}

// at returns the i-th oldest value.
func (r *RingBuffer[T]) at(i int) T {
	return r.data[(r.start+i)%len(r.data)]
}

// Newest returns the most recently pushed value.
func (r *RingBuffer[T]) Newest() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.at(r.size - 1), true
}

// Slice copies all values, oldest first.
func (r *RingBuffer[T]) Slice() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.at(i)
	}
	return out
}

// Last copies up to n values, newest first.
func (r *RingBuffer[T]) Last(n int) []T {
	n = min(n, r.size)
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = r.at(r.size - 1 - i)
	}
	return out
}

// ForEach visits values oldest first until fn returns false.
func (r *RingBuffer[T]) ForEach(fn func(T) bool) {
	for i := 0; i < r.size; i++ {
		if !fn(r.at(i)) {
			return
		}
	}
}

// Len returns the number of stored values.
func (r *RingBuffer[T]) Len() int {
	return r.size
}

// Cap returns the capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.data)
}
