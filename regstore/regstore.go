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

// Package regstore implements RegistrationStore: CRUD over Registration
// records with three secondary indexes (registration id, peer address,
// expiration priority queue), serialized per-endpoint by a PeerLock.
package regstore

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/openmtc/devreg"
	"github.com/openmtc/devreg/codec"
	"github.com/openmtc/devreg/keys"
	"github.com/openmtc/devreg/redisconn"
	"github.com/openmtc/devreg/rlock"
)

// ObservationRemover is the slice of ObservationStore's upper surface that
// RegistrationStore needs to maintain invariant I7 (removing a
// registration removes its observations). Declared here rather than
// importing package obsstore, so regstore does not depend on obsstore
// (obsstore itself depends on redisconn/keys/rlock/codec, not on regstore).
type ObservationRemover interface {
	RemoveObservations(ctx context.Context, regID string) ([]devreg.Observation, error)
}

// Patch describes the mutable fields of an updateRegistration call. Nil
// fields are left unchanged.
type Patch struct {
	Lifetime   *time.Duration
	Address    *netip.AddrPort
	LastUpdate *time.Time
	// JSONAttributePatch merges individual fields into a JSON-encoded
	// Payload via sjson's path syntax, without a full unmarshal/remarshal
	// round trip - the same technique cmd/proxy/proxy.go uses to patch a
	// single response field. Nil/empty is a no-op; callers storing
	// non-JSON payloads never need this.
	JSONAttributePatch map[string]string
}

func (p Patch) apply(r devreg.Registration, now time.Time) (devreg.Registration, error) {
	if p.Lifetime != nil {
		r.Lifetime = *p.Lifetime
	}
	if p.Address != nil {
		r.Address = *p.Address
	}
	if p.LastUpdate != nil {
		r.LastUpdate = *p.LastUpdate
	} else {
		r.LastUpdate = now
	}
	for path, val := range p.JSONAttributePatch {
		patched, err := sjson.SetBytes(r.Payload, path, val)
		if err != nil {
			return r, fmt.Errorf("regstore: patching attribute %q: %w", path, err)
		}
		r.Payload = patched
	}
	return r, nil
}

// Store is RegistrationStore.
type Store struct {
	conn  redisconn.Conn
	lock  *rlock.Lock
	obs   ObservationRemover
	grace time.Duration
	log   logrus.FieldLogger
}

// New creates a RegistrationStore. grace is the configured gracePeriod
// added to every lifetime (spec.md §6).
func New(conn redisconn.Conn, lock *rlock.Lock, obs ObservationRemover, grace time.Duration, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{conn: conn, lock: lock, obs: obs, grace: grace, log: log}
}

// AddRegistration writes r as the live registration for r.Endpoint. If a
// registration already existed at that endpoint, it (and its observations)
// are evicted and returned as a Deregistration; nil, nil means there was
// no prior registration.
func (s *Store) AddRegistration(ctx context.Context, r devreg.Registration) (*devreg.Deregistration, error) {
	var dereg *devreg.Deregistration
	err := s.lock.With(ctx, r.Endpoint, func() error {
		encoded, err := codec.EncodeRegistration(r)
		if err != nil {
			return err
		}
		prevBytes, err := s.conn.GetSet(ctx, keys.Registration(r.Endpoint), encoded)
		if err != nil {
			return fmt.Errorf("regstore: writing primary record for %s: %w", r.Endpoint, err)
		}
		if err := s.conn.Set(ctx, keys.RegistrationID(r.ID), []byte(r.Endpoint), 0); err != nil {
			return fmt.Errorf("regstore: writing id index for %s: %w", r.ID, err)
		}
		if r.Address.IsValid() {
			if err := s.conn.Set(ctx, keys.Address(r.Address), []byte(r.Endpoint), 0); err != nil {
				return fmt.Errorf("regstore: writing address index for %s: %w", r.Address, err)
			}
		}
		if err := s.upsertExpiration(ctx, r); err != nil {
			return err
		}

		if prevBytes == nil {
			return nil
		}
		prev, err := codec.DecodeRegistration(prevBytes)
		if err != nil {
			s.log.WithError(err).WithField("endpoint", r.Endpoint).Warn("regstore: corrupted prior registration, treating as absent")
			return nil
		}
		if prev.ID != r.ID {
			if err := s.conn.Del(ctx, keys.RegistrationID(prev.ID)); err != nil {
				return fmt.Errorf("regstore: deleting stale id index %s: %w", prev.ID, err)
			}
		}
		if prev.Address.IsValid() && prev.Address != r.Address {
			// Guard per invariant I3: only remove the binding if it still
			// names this endpoint. If another endpoint's AddRegistration
			// has already claimed prev.Address, leave it alone.
			if _, err := s.conn.CompareAndDelete(ctx, keys.Address(prev.Address), []byte(r.Endpoint)); err != nil {
				return fmt.Errorf("regstore: deleting stale address index %s: %w", prev.Address, err)
			}
		}
		removed, err := s.obs.RemoveObservations(ctx, prev.ID)
		if err != nil {
			return fmt.Errorf("regstore: removing observations of superseded registration %s: %w", prev.ID, err)
		}
		dereg = &devreg.Deregistration{Registration: prev, Observations: removed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dereg, nil
}

// UpdateRegistration resolves regID via the id-index, applies patch under
// PeerLock(endpoint), and writes the result back. Returns nil, nil if the
// registration is unknown or vanished between the id-index lookup and the
// lock being acquired (the prior record may have just expired).
func (s *Store) UpdateRegistration(ctx context.Context, regID string, patch Patch) (*devreg.UpdatedRegistration, error) {
	endpoint, err := s.resolveEndpoint(ctx, regID)
	if err != nil || endpoint == "" {
		return nil, err
	}

	var result *devreg.UpdatedRegistration
	err = s.lock.With(ctx, endpoint, func() error {
		prior, ok, err := s.readRegistration(ctx, endpoint)
		if err != nil || !ok {
			return err
		}
		next, err := patch.apply(prior, time.Now().UTC())
		if err != nil {
			return err
		}
		encoded, err := codec.EncodeRegistration(next)
		if err != nil {
			return err
		}
		if err := s.conn.Set(ctx, keys.Registration(endpoint), encoded, 0); err != nil {
			return fmt.Errorf("regstore: writing updated record for %s: %w", endpoint, err)
		}
		if err := s.upsertExpiration(ctx, next); err != nil {
			return err
		}
		if next.Address != prior.Address {
			if next.Address.IsValid() {
				if err := s.conn.Set(ctx, keys.Address(next.Address), []byte(endpoint), 0); err != nil {
					return fmt.Errorf("regstore: writing new address index for %s: %w", endpoint, err)
				}
			}
			if prior.Address.IsValid() {
				if _, err := s.conn.CompareAndDelete(ctx, keys.Address(prior.Address), []byte(endpoint)); err != nil {
					return fmt.Errorf("regstore: deleting old address index for %s: %w", endpoint, err)
				}
			}
		}
		result = &devreg.UpdatedRegistration{Prior: prior, New: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetRegistration looks up a registration by its server-assigned id.
func (s *Store) GetRegistration(ctx context.Context, regID string) (*devreg.Registration, error) {
	endpoint, err := s.resolveEndpoint(ctx, regID)
	if err != nil || endpoint == "" {
		return nil, err
	}
	return s.GetRegistrationByEndpoint(ctx, endpoint)
}

// GetRegistrationByEndpoint looks up a registration by its primary key.
func (s *Store) GetRegistrationByEndpoint(ctx context.Context, endpoint string) (*devreg.Registration, error) {
	r, ok, err := s.readRegistration(ctx, endpoint)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// GetRegistrationByAddress looks up a registration by its last-known peer
// address, per the last-writer-wins address index (invariant I3).
func (s *Store) GetRegistrationByAddress(ctx context.Context, addr netip.AddrPort) (*devreg.Registration, error) {
	b, err := s.conn.Get(ctx, keys.Address(addr))
	if errors.Is(err, redisconn.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("regstore: reading address index %s: %w", addr, err)
	}
	return s.GetRegistrationByEndpoint(ctx, string(b))
}

// RemoveRegistration unconditionally removes the registration with the
// given id, and every observation it owned.
func (s *Store) RemoveRegistration(ctx context.Context, regID string) (*devreg.Deregistration, error) {
	return s.removeRegistration(ctx, regID, nil)
}

// RemoveRegistrationIfExpired removes the registration with the given id
// only if it is no longer alive as of now. Used by the sweeper, which
// re-checks liveness after acquiring the lock to avoid evicting a
// registration that was refreshed concurrently.
func (s *Store) RemoveRegistrationIfExpired(ctx context.Context, regID string, now time.Time) (*devreg.Deregistration, error) {
	return s.removeRegistration(ctx, regID, &now)
}

func (s *Store) removeRegistration(ctx context.Context, regID string, onlyIfExpiredAsOf *time.Time) (*devreg.Deregistration, error) {
	endpoint, err := s.resolveEndpoint(ctx, regID)
	if err != nil || endpoint == "" {
		return nil, err
	}

	var result *devreg.Deregistration
	err = s.lock.With(ctx, endpoint, func() error {
		reg, ok, err := s.readRegistration(ctx, endpoint)
		if err != nil || !ok {
			return err
		}
		if reg.ID != regID {
			// The id-index pointed at an endpoint that has since been
			// claimed by a newer registration; nothing to remove here.
			return nil
		}
		if onlyIfExpiredAsOf != nil && reg.IsAlive(*onlyIfExpiredAsOf, s.grace) {
			return nil
		}
		if err := s.conn.Del(ctx, keys.RegistrationID(regID), keys.Registration(endpoint)); err != nil {
			return fmt.Errorf("regstore: deleting registration %s: %w", regID, err)
		}
		if reg.Address.IsValid() {
			if _, err := s.conn.CompareAndDelete(ctx, keys.Address(reg.Address), []byte(endpoint)); err != nil {
				return fmt.Errorf("regstore: deleting address index for %s: %w", endpoint, err)
			}
		}
		if err := s.conn.ZRem(ctx, keys.ExpirationQueue, endpoint); err != nil {
			return fmt.Errorf("regstore: removing %s from expiration queue: %w", endpoint, err)
		}
		removed, err := s.obs.RemoveObservations(ctx, regID)
		if err != nil {
			return fmt.Errorf("regstore: removing observations of %s: %w", regID, err)
		}
		result = &devreg.Deregistration{Registration: reg, Observations: removed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) upsertExpiration(ctx context.Context, r devreg.Registration) error {
	score := float64(r.ExpirationTimestamp(s.grace).Unix())
	if err := s.conn.ZAdd(ctx, keys.ExpirationQueue, score, r.Endpoint); err != nil {
		return fmt.Errorf("regstore: upserting expiration entry for %s: %w", r.Endpoint, err)
	}
	return nil
}

// resolveEndpoint reads the id-index. Returns "", nil, nil when unknown -
// callers treat an empty endpoint as the NotFound sentinel.
func (s *Store) resolveEndpoint(ctx context.Context, regID string) (string, error) {
	b, err := s.conn.Get(ctx, keys.RegistrationID(regID))
	if errors.Is(err, redisconn.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("regstore: reading id index %s: %w", regID, err)
	}
	return string(b), nil
}

// readRegistration reads and decodes the primary record. A codec failure
// here is logged and treated as not-found (read-path policy of
// spec.md §7), so a single corrupted row never blocks the rest of the
// fleet.
func (s *Store) readRegistration(ctx context.Context, endpoint string) (devreg.Registration, bool, error) {
	b, err := s.conn.Get(ctx, keys.Registration(endpoint))
	if errors.Is(err, redisconn.ErrNotFound) {
		return devreg.Registration{}, false, nil
	}
	if err != nil {
		return devreg.Registration{}, false, fmt.Errorf("regstore: reading primary record for %s: %w", endpoint, err)
	}
	r, err := codec.DecodeRegistration(b)
	if err != nil {
		s.log.WithError(err).WithField("endpoint", endpoint).Warn("regstore: corrupted registration record, treating as not found")
		return devreg.Registration{}, false, nil
	}
	return r, true, nil
}
