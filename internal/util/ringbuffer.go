// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package util

import (
	"errors"
	"sync"
)

type pair[Key comparable, Value any] struct {
	Set   bool
	Key   Key
	Value Value
}

// RingBuffer is a fixed-capacity FIFO that overwrites its oldest entry once
// full. senderkey.Record uses it as the backing store for a group's state
// ring: Push is addState's append-with-eviction, and Iter walks newest first,
// which is exactly the tailward validity scan getState needs.
type RingBuffer[Key comparable, Value any] struct {
	ptr  int
	data []pair[Key, Value]
	lock sync.RWMutex
	size int
}

func NewRingBuffer[Key comparable, Value any](size int) *RingBuffer[Key, Value] {
	return &RingBuffer[Key, Value]{
		data: make([]pair[Key, Value], size),
	}
}

var (
	// StopIteration can be returned by the RingBuffer.Iter or MapRingBuffer callbacks to stop iteration immediately.
	StopIteration = errors.New("stop iteration")

	// SkipItem can be returned by the MapRingBuffer callback to skip adding a specific item.
	SkipItem = errors.New("skip item")
)

// unlockedIter walks newest first, for exactly rb.size steps. Counting down
// from rb.size (rather than stopping when the cursor returns to rb.ptr) is
// what makes a full ring still yield its oldest entry: once size equals the
// array length, rb.ptr points at that oldest entry's own slot, so a
// pointer-equality stop condition would skip it.
func (rb *RingBuffer[Key, Value]) unlockedIter(callback func(key Key, val Value) error) error {
	i := clamp(rb.ptr-1, len(rb.data))
	for n := 0; n < rb.size; n++ {
		entry := rb.data[i]
		if !entry.Set {
			break
		}
		err := callback(entry.Key, entry.Value)
		if err != nil {
			if errors.Is(err, StopIteration) {
				return nil
			}
			return err
		}
		i = clamp(i-1, len(rb.data))
	}
	return nil
}

// Iter walks entries newest first, stopping early if the callback returns
// StopIteration.
func (rb *RingBuffer[Key, Value]) Iter(callback func(key Key, val Value) error) error {
	rb.lock.RLock()
	defer rb.lock.RUnlock()
	return rb.unlockedIter(callback)
}

func MapRingBuffer[Key comparable, Value, Output any](rb *RingBuffer[Key, Value], callback func(key Key, val Value) (Output, error)) ([]Output, error) {
	rb.lock.RLock()
	defer rb.lock.RUnlock()
	output := make([]Output, 0, rb.size)
	err := rb.unlockedIter(func(key Key, val Value) error {
		item, err := callback(key, val)
		if err != nil {
			if errors.Is(err, SkipItem) {
				return nil
			}
			return err
		}
		output = append(output, item)
		return nil
	})
	return output, err
}

func (rb *RingBuffer[Key, Value]) Size() int {
	rb.lock.RLock()
	defer rb.lock.RUnlock()
	return rb.size
}

func (rb *RingBuffer[Key, Value]) Contains(val Key) bool {
	_, ok := rb.Get(val)
	return ok
}

func (rb *RingBuffer[Key, Value]) Get(key Key) (val Value, found bool) {
	rb.lock.RLock()
	i := clamp(rb.ptr-1, len(rb.data))
	for n := 0; n < rb.size; n++ {
		if rb.data[i].Set && rb.data[i].Key == key {
			val = rb.data[i].Value
			found = true
			break
		}
		i = clamp(i-1, len(rb.data))
	}
	rb.lock.RUnlock()
	return
}

func (rb *RingBuffer[Key, Value]) Replace(key Key, val Value) bool {
	rb.lock.Lock()
	defer rb.lock.Unlock()
	i := clamp(rb.ptr-1, len(rb.data))
	for n := 0; n < rb.size; n++ {
		if rb.data[i].Set && rb.data[i].Key == key {
			rb.data[i].Value = val
			return true
		}
		i = clamp(i-1, len(rb.data))
	}
	return false
}

func (rb *RingBuffer[Key, Value]) Push(key Key, val Value) {
	rb.lock.Lock()
	rb.data[rb.ptr] = pair[Key, Value]{Key: key, Value: val, Set: true}
	rb.ptr = (rb.ptr + 1) % len(rb.data)
	if rb.size < len(rb.data) {
		rb.size++
	}
	rb.lock.Unlock()
}

// Reset clears the buffer, discarding all entries.
func (rb *RingBuffer[Key, Value]) Reset() {
	rb.lock.Lock()
	for i := range rb.data {
		rb.data[i] = pair[Key, Value]{}
	}
	rb.ptr = 0
	rb.size = 0
	rb.lock.Unlock()
}

// OldestFirst returns the buffered values ordered oldest to newest, which is
// the order the spec's JSON array serialization expects (newest at the tail).
func (rb *RingBuffer[Key, Value]) OldestFirst() []Value {
	rb.lock.RLock()
	defer rb.lock.RUnlock()
	newestFirst := make([]Value, 0, rb.size)
	_ = rb.unlockedIter(func(_ Key, val Value) error {
		newestFirst = append(newestFirst, val)
		return nil
	})
	out := make([]Value, len(newestFirst))
	for i, v := range newestFirst {
		out[len(newestFirst)-1-i] = v
	}
	return out
}

func clamp(index, len int) int {
	if index < 0 {
		return len + index
	} else if index >= len {
		return len - index
	} else {
		return index
	}
}
