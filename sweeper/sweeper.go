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

// Package sweeper implements ExpirationSweeper: a background task that
// periodically evicts registrations whose lease has lapsed and notifies an
// ExpirationListener.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/openmtc/devreg"
	"github.com/openmtc/devreg/keys"
	"github.com/openmtc/devreg/redisconn"
)

// Store is the slice of RegistrationStore the sweeper needs. Declared
// locally, the same way regstore.ObservationRemover decouples regstore
// from obsstore, so this package never imports package regstore directly.
type Store interface {
	GetRegistrationByEndpoint(ctx context.Context, endpoint string) (*devreg.Registration, error)
	RemoveRegistrationIfExpired(ctx context.Context, regID string, now time.Time) (*devreg.Deregistration, error)
}

// Sweeper is ExpirationSweeper's {stopped -> running -> stopped} state
// machine. Start and Stop are idempotent.
type Sweeper struct {
	conn     redisconn.Conn
	store    Store
	grace    time.Duration
	period   time.Duration
	limit    int64
	listener devreg.ExpirationListener
	log      logrus.FieldLogger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex // guards stopCh/doneCh across Start/Stop races
}

// New creates a Sweeper. period is cleanPeriod, limit is cleanLimit -
// spec.md §6's bound on how much backlog one tick will work through.
// listener may be nil; notifications are then dropped.
func New(conn redisconn.Conn, store Store, grace, period time.Duration, limit int64, listener devreg.ExpirationListener, log logrus.FieldLogger) *Sweeper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{conn: conn, store: store, grace: grace, period: period, limit: limit, listener: listener, log: log}
}

// Start begins ticking in a background goroutine. Calling Start while
// already running is a no-op.
func (s *Sweeper) Start() {
	if !s.running.CAS(false, true) {
		return
	}
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.run(stopCh, doneCh)
}

// Stop requests termination and waits up to 5 seconds for the in-flight
// tick to finish. Calling Stop while already stopped is a no-op. On
// timeout the sweeper is logged as orphaned; its goroutine keeps running
// to completion and will observe stopCh on its next iteration.
func (s *Sweeper) Stop() {
	if !s.running.CAS(true, false) {
		return
	}
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()
	close(stopCh)

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		s.log.Warn("sweeper: stop timed out after 5s waiting for in-flight tick, sweeper goroutine orphaned")
	}
}

func (s *Sweeper) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// Sequential by construction: the next tick cannot start
			// until this call returns, which is the "at-most-one
			// concurrent tick" guarantee spec.md §4.5 asks for.
			s.tick()
		}
	}
}

func (s *Sweeper) tick() {
	ctx := context.Background()
	now := time.Now().UTC()
	endpoints, err := s.conn.ZRangeByScore(ctx, keys.ExpirationQueue, float64(now.Unix()), s.limit)
	if err != nil {
		s.log.WithError(err).Error("sweeper: querying expiration queue")
		return
	}
	for _, endpoint := range endpoints {
		s.sweepOne(ctx, endpoint, now)
	}
}

// sweepOne processes a single expiration-queue endpoint. It recovers its
// own panics - in particular from a misbehaving ExpirationListener - so
// one bad endpoint only drops itself from the tick, never the rest of
// the batch: a listener failure is logged and swallowed, the tick
// continues.
func (s *Sweeper) sweepOne(ctx context.Context, endpoint string, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).WithField("endpoint", endpoint).Error("sweeper: sweeping endpoint panicked, continuing with the next endpoint")
		}
	}()

	reg, err := s.store.GetRegistrationByEndpoint(ctx, endpoint)
	if err != nil {
		s.log.WithError(err).WithField("endpoint", endpoint).Error("sweeper: failed to sweep endpoint, continuing")
		return
	}
	if reg == nil {
		return
	}
	if reg.IsAlive(now, s.grace) {
		// Refreshed after the expiration-queue snapshot was taken; leave it.
		return
	}
	dereg, err := s.store.RemoveRegistrationIfExpired(ctx, reg.ID, now)
	if err != nil {
		s.log.WithError(err).WithField("endpoint", endpoint).Error("sweeper: failed to sweep endpoint, continuing")
		return
	}
	if dereg == nil {
		return
	}
	if s.listener != nil {
		s.listener.RegistrationExpired(dereg.Registration, dereg.Observations)
	}
}
