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

package regstore

import (
	"context"

	"github.com/openmtc/devreg"
	"github.com/openmtc/devreg/codec"
	"github.com/openmtc/devreg/keys"
)

const scanPageSize = 100

// Iterator is a finite, non-restartable pull iterator over the primary
// keyspace. It resolves each page of scanned keys with a single MGET
// (grounded on kvtools-redis's list/keys/mget pagination). Because the
// backing SCAN is not a point-in-time snapshot, a registration added or
// removed mid-scan may be seen twice, missed, or seen as absent - the
// iterator tolerates all three rather than failing, per spec.md §4.3. Next
// is an explicit Option-returning call rather than panic/StopIteration
// style, resolving the "exception for control flow" design note.
type Iterator struct {
	ctx    context.Context
	reg    *Store
	cursor uint64
	buffer []devreg.Registration
	done   bool
	err    error
}

// GetAllRegistrations returns a fresh Iterator over every currently live
// primary record. The sequence is not restartable; call it again for a
// new pass.
func (s *Store) GetAllRegistrations(ctx context.Context) *Iterator {
	return &Iterator{ctx: ctx, reg: s}
}

// Next returns the next Registration, or ok=false when the sequence is
// exhausted (err is nil) or a backing-store error ended it early (err is
// non-nil).
func (it *Iterator) Next() (reg devreg.Registration, ok bool, err error) {
	for {
		if len(it.buffer) > 0 {
			reg, it.buffer = it.buffer[0], it.buffer[1:]
			return reg, true, nil
		}
		if it.done {
			return devreg.Registration{}, false, it.err
		}
		if err := it.fill(); err != nil {
			it.done = true
			it.err = err
			return devreg.Registration{}, false, err
		}
		if it.done && len(it.buffer) == 0 {
			return devreg.Registration{}, false, nil
		}
	}
}

func (it *Iterator) fill() error {
	pageKeys, next, err := it.reg.conn.Scan(it.ctx, it.cursor, keys.Registration("")+"*", scanPageSize)
	if err != nil {
		return err
	}
	it.cursor = next
	if next == 0 {
		it.done = true
	}
	if len(pageKeys) == 0 {
		return nil
	}
	vals, err := it.reg.conn.MGet(it.ctx, pageKeys...)
	if err != nil {
		return err
	}
	for _, v := range vals {
		if v == nil {
			// Key removed between SCAN and MGET; tolerate the gap.
			continue
		}
		r, decErr := codec.DecodeRegistration(v)
		if decErr != nil {
			it.reg.log.WithError(decErr).Warn("regstore: corrupted registration record during scan, skipping")
			continue
		}
		it.buffer = append(it.buffer, r)
	}
	return nil
}
