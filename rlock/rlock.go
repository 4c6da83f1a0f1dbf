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

// Package rlock implements PeerLock, the per-endpoint advisory lock that
// serializes registration/observation mutations for one device across all
// server processes sharing the backing Redis instance. Intra-process
// locking (a sync.Mutex) would not suffice here: two different server
// instances can race to register the same endpoint.
package rlock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/openmtc/devreg"
	"github.com/openmtc/devreg/keys"
	"github.com/openmtc/devreg/redisconn"
)

const tokenSize = 16

// errNotAcquired signals the backoff loop to keep retrying; it never
// escapes Acquire.
var errNotAcquired = errors.New("rlock: lock held by another holder")

// Lock is a PeerLock over a shared Conn.
type Lock struct {
	conn        redisconn.Conn
	ttl         time.Duration
	retryBudget time.Duration
	log         logrus.FieldLogger
}

// New creates a PeerLock. ttl bounds how long a held lock survives a crash
// between Acquire and Release (the deadlock backstop of spec.md §4.2).
// retryBudget bounds how long Acquire will retry before giving up with
// devreg.ErrLockAcquisitionFailed; pass 0 to retry until ctx is cancelled.
func New(conn redisconn.Conn, ttl, retryBudget time.Duration, log logrus.FieldLogger) *Lock {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Lock{conn: conn, ttl: ttl, retryBudget: retryBudget, log: log}
}

// Acquire blocks the caller until the lock for endpoint is held, or until
// ctx is cancelled or the retry budget is exhausted. It returns an opaque
// token that must be passed to Release.
func (l *Lock) Acquire(ctx context.Context, endpoint string) ([]byte, error) {
	key := keys.Lock(endpoint)
	token := make([]byte, tokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("rlock: generating lock token: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 1.3
	bo.MaxElapsedTime = l.retryBudget

	attempt := func() error {
		ok, err := l.conn.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotAcquired
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(bo, ctx))
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, errNotAcquired):
		return nil, devreg.ErrLockAcquisitionFailed
	default:
		return nil, err
	}
}

// Release releases the lock for endpoint iff token matches the value
// currently stored, atomically (a compare-and-delete). Releasing a lock
// whose TTL has already expired and been reacquired by another holder is a
// safe no-op: we must never delete a binding we no longer own.
func (l *Lock) Release(ctx context.Context, endpoint string, token []byte) error {
	key := keys.Lock(endpoint)
	ok, err := l.conn.CompareAndDelete(ctx, key, token)
	if err != nil {
		return fmt.Errorf("rlock: releasing %s: %w", endpoint, err)
	}
	if !ok {
		l.log.WithField("endpoint", endpoint).Warn("rlock: release no-op, lock expired or held by another holder")
	}
	return nil
}

// With acquires the lock for endpoint, runs fn, and releases the lock on
// every exit path (including fn panicking or returning an error), matching
// the "releases the lock on all exit paths" contract of every
// RegistrationStore/ObservationStore operation in spec.md §4.3/§4.4.
func (l *Lock) With(ctx context.Context, endpoint string, fn func() error) error {
	token, err := l.Acquire(ctx, endpoint)
	if err != nil {
		return err
	}
	defer func() {
		// Use context.Background for release: if ctx was cancelled mid
		// critical-section we still want the lock returned promptly
		// rather than left to expire via TTL.
		if relErr := l.Release(context.Background(), endpoint, token); relErr != nil {
			l.log.WithError(relErr).WithField("endpoint", endpoint).Error("rlock: failed to release lock")
		}
	}()
	return fn()
}
