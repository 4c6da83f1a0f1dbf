// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package redisconn

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Conn used by the store/lock test suites so they run
// without a live Redis, per SPEC_FULL.md's test-tooling note. It is not a
// faithful Redis reimplementation: only the commands Conn exposes are
// supported, and SCAN returns every matching key in one page (cursor 0 ->
// next 0), which is a valid (if maximally eager) SCAN implementation.
type Fake struct {
	mu      sync.Mutex
	strings map[string]fakeEntry
	lists   map[string][][]byte
	zsets   map[string]map[string]float64
}

type fakeEntry struct {
	val     []byte
	expires time.Time // zero means no expiry
}

// NewFake returns a ready-to-use in-memory Conn.
func NewFake() *Fake {
	return &Fake{
		strings: make(map[string]fakeEntry),
		lists:   make(map[string][][]byte),
		zsets:   make(map[string]map[string]float64),
	}
}

func (f *Fake) expired(e fakeEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.strings[key]
	if !ok || f.expired(e) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.val...), nil
}

func (f *Fake) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := fakeEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	f.strings[key] = e
	return nil
}

func (f *Fake) GetSet(_ context.Context, key string, val []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.strings[key]
	f.strings[key] = fakeEntry{val: append([]byte(nil), val...)}
	if !ok || f.expired(prev) {
		return nil, nil
	}
	return prev.val, nil
}

func (f *Fake) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.strings[key]; ok && !f.expired(e) {
		return false, nil
	}
	e := fakeEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	f.strings[key] = e
	return true, nil
}

func (f *Fake) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.strings, k)
		delete(f.lists, k)
		delete(f.zsets, k)
	}
	return nil
}

func (f *Fake) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e, ok := f.strings[k]; ok && !f.expired(e) {
			out[i] = append([]byte(nil), e.val...)
		}
	}
	return out, nil
}

func (f *Fake) Scan(_ context.Context, _ uint64, match string, _ int64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k, e := range f.strings {
		if f.expired(e) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, 0, nil
}

func (f *Fake) LPush(_ context.Context, key string, val []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := append([]byte(nil), val...)
	f.lists[key] = append([][]byte{v}, f.lists[key]...)
	return nil
}

func (f *Fake) LRange(_ context.Context, key string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.lists[key]))
	copy(out, f.lists[key])
	return out, nil
}

func (f *Fake) LRem(_ context.Context, key string, val []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	out := list[:0]
	for _, v := range list {
		if bytes.Equal(v, val) {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		delete(f.lists, key)
	} else {
		f.lists[key] = out
	}
	return nil
}

func (f *Fake) ZAdd(_ context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	f.zsets[key][member] = score
	return nil
}

func (f *Fake) ZRem(_ context.Context, key string, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.zsets[key], member)
	if len(f.zsets[key]) == 0 {
		delete(f.zsets, key)
	}
	return nil
}

func (f *Fake) ZRangeByScore(_ context.Context, key string, max float64, limit int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type entry struct {
		member string
		score  float64
	}
	var entries []entry
	for m, s := range f.zsets[key] {
		if s <= max {
			entries = append(entries, entry{m, s})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.member
	}
	return out, nil
}

func (f *Fake) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.strings[key]
	if !ok || f.expired(e) || !bytes.Equal(e.val, expected) {
		return false, nil
	}
	delete(f.strings, key)
	return true, nil
}

func (f *Fake) Close() error { return nil }
