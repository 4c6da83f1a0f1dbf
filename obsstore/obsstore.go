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

// Package obsstore implements ObservationStore: the token-indexed long
// poll/observe subscriptions opened against a device's resources. It
// exposes two surfaces over the same storage - an upper surface keyed by
// registration id, for protocol handlers, and a lower surface keyed by the
// raw transport token, for the transport layer that owns the token's
// message context.
package obsstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/openmtc/devreg"
	"github.com/openmtc/devreg/codec"
	"github.com/openmtc/devreg/keys"
	"github.com/openmtc/devreg/redisconn"
	"github.com/openmtc/devreg/rlock"
)

// Store is ObservationStore.
type Store struct {
	conn redisconn.Conn
	lock *rlock.Lock
	log  logrus.FieldLogger
}

// New creates an ObservationStore sharing conn and lock with the
// RegistrationStore of the same deployment; the two stores serialize on
// the same per-endpoint PeerLock so a registration removal and an
// observation add can never race past each other (invariant I7).
func New(conn redisconn.Conn, lock *rlock.Lock, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{conn: conn, lock: lock, log: log}
}

// resolveEndpoint reads the same id-index regstore writes, without
// importing package regstore (there is no dependency between the two;
// they merely agree on the keys package). Returns devreg.ErrNoSuchRegistration
// when the id-index has no entry (I5).
func (s *Store) resolveEndpoint(ctx context.Context, regID string) (string, error) {
	b, err := s.conn.Get(ctx, keys.RegistrationID(regID))
	if errors.Is(err, redisconn.ErrNotFound) {
		return "", devreg.ErrNoSuchRegistration
	}
	if err != nil {
		return "", fmt.Errorf("obsstore: reading id index %s: %w", regID, err)
	}
	return string(b), nil
}

// AddObservation is the upper surface's supersession step: it evicts any
// pre-existing observation on the same (regID, path) whose token differs
// from o.Token, and returns the evicted set. It does not write o itself -
// that is the transport layer's job via Put/PutIfAbsent, per spec's
// division of labor between the two surfaces.
func (s *Store) AddObservation(ctx context.Context, regID string, o devreg.Observation) ([]devreg.Observation, error) {
	endpoint, err := s.resolveEndpoint(ctx, regID)
	if err != nil {
		return nil, err
	}

	var evicted []devreg.Observation
	err = s.lock.With(ctx, endpoint, func() error {
		all, err := s.readAll(ctx, regID)
		if err != nil {
			return err
		}
		for _, existing := range all {
			if existing.Path != o.Path || string(existing.Token) == string(o.Token) {
				continue
			}
			if err := s.deleteOne(ctx, regID, existing.Token); err != nil {
				return err
			}
			evicted = append(evicted, existing)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// RemoveObservation deletes the token-indexed record and its entry in the
// per-registration list, iff the stored observation belongs to regID - a
// guard against a stale caller acting on a token that has since been
// reused by a different registration.
func (s *Store) RemoveObservation(ctx context.Context, regID string, token []byte) error {
	endpoint, err := s.resolveEndpoint(ctx, regID)
	if err != nil {
		return err
	}
	return s.lock.With(ctx, endpoint, func() error {
		o, ok, err := s.read(ctx, token)
		if err != nil || !ok {
			return err
		}
		if o.RegistrationID != regID {
			return nil
		}
		return s.deleteOne(ctx, regID, token)
	})
}

// GetObservation reads a single observation by (regID, token), returning
// nil if absent or owned by a different registration.
func (s *Store) GetObservation(ctx context.Context, regID string, token []byte) (*devreg.Observation, error) {
	o, ok, err := s.read(ctx, token)
	if err != nil || !ok || o.RegistrationID != regID {
		return nil, err
	}
	return &o, nil
}

// GetObservations returns every observation currently open for regID.
func (s *Store) GetObservations(ctx context.Context, regID string) ([]devreg.Observation, error) {
	return s.readAll(ctx, regID)
}

// RemoveObservations bulk-deletes every observation owned by regID.
//
// Unlike the rest of the upper surface this does NOT acquire PeerLock
// itself: its only caller is regstore, via the ObservationRemover
// interface, and regstore always invokes it from inside its own
// PeerLock(endpoint) critical section while evicting or removing a
// registration (invariant I7). Acquiring the same per-endpoint lock again
// here would deadlock against the outer holder. A caller outside that
// path must take PeerLock(endpoint) itself before calling this.
func (s *Store) RemoveObservations(ctx context.Context, regID string) ([]devreg.Observation, error) {
	all, err := s.readAll(ctx, regID)
	if err != nil {
		return nil, err
	}
	for _, o := range all {
		if err := s.deleteOne(ctx, regID, o.Token); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// Put unconditionally writes the token-indexed record and left-pushes the
// token onto the per-registration index. A prior value at token is
// overwritten; that case is logged, not rejected, since the transport
// layer is the sole owner of token allocation and a collision there is
// its bug to chase, not this store's to block on.
func (s *Store) Put(ctx context.Context, token []byte, o devreg.Observation) error {
	if _, err := s.resolveEndpoint(ctx, o.RegistrationID); err != nil {
		return err
	}
	prev, ok, err := s.read(ctx, token)
	if err != nil {
		return err
	}
	if ok {
		s.log.WithField("regID", prev.RegistrationID).Warn("obsstore: token collision on put, overwriting")
	}
	return s.writeOne(ctx, token, o)
}

// PutIfAbsent writes the token-indexed record only if token is unused,
// returning the existing observation instead of overwriting on collision.
func (s *Store) PutIfAbsent(ctx context.Context, token []byte, o devreg.Observation) (*devreg.Observation, error) {
	if _, err := s.resolveEndpoint(ctx, o.RegistrationID); err != nil {
		return nil, err
	}
	prev, ok, err := s.read(ctx, token)
	if err != nil {
		return nil, err
	}
	if ok {
		return &prev, nil
	}
	if err := s.writeOne(ctx, token, o); err != nil {
		return nil, err
	}
	return nil, nil
}

// Get reads an observation directly by token, no locking.
func (s *Store) Get(ctx context.Context, token []byte) (*devreg.Observation, error) {
	o, ok, err := s.read(ctx, token)
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

// Remove resolves the owning registration and endpoint from the stored
// observation, then atomically deletes the record and its list entry
// under PeerLock(endpoint). If the registration has already been removed
// (its id-index is gone), the observation is stale bookkeeping and is
// deleted without a lock: nothing else can still be racing the now-absent
// endpoint for it.
func (s *Store) Remove(ctx context.Context, token []byte) error {
	o, ok, err := s.read(ctx, token)
	if err != nil || !ok {
		return err
	}
	endpoint, err := s.resolveEndpoint(ctx, o.RegistrationID)
	if errors.Is(err, devreg.ErrNoSuchRegistration) {
		return s.deleteOne(ctx, o.RegistrationID, token)
	}
	if err != nil {
		return err
	}
	return s.lock.With(ctx, endpoint, func() error {
		return s.deleteOne(ctx, o.RegistrationID, token)
	})
}

// SetContext updates the transport correlation metadata of an existing
// observation. A missing token is a silent no-op: the transport layer may
// race a retransmit against an observation that already completed.
func (s *Store) SetContext(ctx context.Context, token []byte, endpointContext []byte) error {
	o, ok, err := s.read(ctx, token)
	if err != nil || !ok {
		return err
	}
	endpoint, err := s.resolveEndpoint(ctx, o.RegistrationID)
	if err != nil {
		return err
	}
	return s.lock.With(ctx, endpoint, func() error {
		o, ok, err := s.read(ctx, token)
		if err != nil || !ok {
			return err
		}
		o.EndpointContext = endpointContext
		return s.writeOne(ctx, token, o)
	})
}

func (s *Store) read(ctx context.Context, token []byte) (devreg.Observation, bool, error) {
	b, err := s.conn.Get(ctx, keys.Observation(token))
	if errors.Is(err, redisconn.ErrNotFound) {
		return devreg.Observation{}, false, nil
	}
	if err != nil {
		return devreg.Observation{}, false, fmt.Errorf("obsstore: reading observation: %w", err)
	}
	o, err := codec.DecodeObservation(b)
	if err != nil {
		s.log.WithError(err).Warn("obsstore: corrupted observation record, treating as not found")
		return devreg.Observation{}, false, nil
	}
	return o, true, nil
}

func (s *Store) readAll(ctx context.Context, regID string) ([]devreg.Observation, error) {
	tokens, err := s.conn.LRange(ctx, keys.ObservationIndex(regID))
	if err != nil {
		return nil, fmt.Errorf("obsstore: reading observation index for %s: %w", regID, err)
	}
	var out []devreg.Observation
	for _, tok := range tokens {
		o, ok, err := s.read(ctx, tok)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) writeOne(ctx context.Context, token []byte, o devreg.Observation) error {
	encoded, err := codec.EncodeObservation(o)
	if err != nil {
		return err
	}
	if err := s.conn.Set(ctx, keys.Observation(token), encoded, 0); err != nil {
		return fmt.Errorf("obsstore: writing observation: %w", err)
	}
	if err := s.conn.LPush(ctx, keys.ObservationIndex(o.RegistrationID), token); err != nil {
		return fmt.Errorf("obsstore: indexing observation for %s: %w", o.RegistrationID, err)
	}
	return nil
}

func (s *Store) deleteOne(ctx context.Context, regID string, token []byte) error {
	if err := s.conn.Del(ctx, keys.Observation(token)); err != nil {
		return fmt.Errorf("obsstore: deleting observation: %w", err)
	}
	if err := s.conn.LRem(ctx, keys.ObservationIndex(regID), token); err != nil {
		return fmt.Errorf("obsstore: removing observation index entry for %s: %w", regID, err)
	}
	return nil
}
