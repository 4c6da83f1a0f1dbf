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

// Package transport adapts ObservationStore's two surfaces into the
// registration/deregistration bookkeeping a CoAP-style OBSERVE handler
// needs: allocate a token for a new long-lived subscription, look up the
// record addressed by an inbound token, and tear it down on dereg or
// RST. It owns token allocation; ObservationStore owns persistence.
package transport

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/openmtc/devreg"
)

const tokenSize = 8 // CoAP tokens are 1-8 bytes; use the maximum for collision resistance.

// ObservationStore is the slice of obsstore.Store a Manager needs,
// spanning both surfaces: AddObservation (upper, supersession pruning)
// and PutIfAbsent/Get/Remove/SetContext (lower, the raw token records).
// Declared locally so this package does not import obsstore's concrete
// type, matching the decoupling already used between regstore and
// obsstore.
type ObservationStore interface {
	AddObservation(ctx context.Context, regID string, o devreg.Observation) ([]devreg.Observation, error)
	PutIfAbsent(ctx context.Context, token []byte, o devreg.Observation) (*devreg.Observation, error)
	Get(ctx context.Context, token []byte) (*devreg.Observation, error)
	Remove(ctx context.Context, token []byte) error
	SetContext(ctx context.Context, token []byte, endpointContext []byte) error
}

// Manager is the transport-facing handle a protocol listener holds. It
// corresponds to the teacher's Observations type: one process-wide
// registry of in-flight OBSERVE subscriptions, but backed by
// ObservationStore instead of an in-memory map so the bookkeeping
// survives a process restart and is visible to every server instance.
type Manager struct {
	obs ObservationStore
	log logrus.FieldLogger
}

// New creates a Manager over an ObservationStore.
func New(obs ObservationStore, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{obs: obs, log: log}
}

// Register opens a new observation on (regID, path): it allocates a
// fresh token, evicts any pre-existing observation on the same path via
// the upper surface, and persists the new record via the lower surface.
// It mirrors HandleRegistration's register=true branch: compute the
// identity of the subscription, install it, then hand back what the
// caller needs to start streaming notifications.
func (m *Manager) Register(ctx context.Context, regID string, path devreg.ResourcePath, payload, endpointContext []byte) ([]byte, []devreg.Observation, error) {
	token, err := newToken()
	if err != nil {
		return nil, nil, err
	}
	o := devreg.Observation{
		Token:           token,
		RegistrationID:  regID,
		Path:            path,
		Payload:         payload,
		EndpointContext: endpointContext,
	}
	evicted, err := m.obs.AddObservation(ctx, regID, o)
	if err != nil {
		return nil, nil, err
	}
	if _, err := m.obs.PutIfAbsent(ctx, token, o); err != nil {
		return nil, nil, err
	}
	m.log.WithField("regID", regID).WithField("path", path.String()).Debug("transport: registered observation")
	return token, evicted, nil
}

// Deregister tears down the observation named by token, the counterpart
// to HandleRegistration's register=false branch.
func (m *Manager) Deregister(ctx context.Context, token []byte) error {
	return m.obs.Remove(ctx, token)
}

// Lookup resolves an inbound token to its observation, e.g. to find the
// registration a long-poll response belongs to.
func (m *Manager) Lookup(ctx context.Context, token []byte) (*devreg.Observation, error) {
	return m.obs.Get(ctx, token)
}

// Refresh updates the transport correlation metadata of an existing
// observation, used when a client's peer address changes (NAT rebind)
// but the subscription itself should survive.
func (m *Manager) Refresh(ctx context.Context, token, endpointContext []byte) error {
	return m.obs.SetContext(ctx, token, endpointContext)
}

func newToken() ([]byte, error) {
	token := make([]byte, tokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("transport: generating token: %w", err)
	}
	return token, nil
}
