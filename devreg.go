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

// Package devreg holds the domain types shared by every layer of the
// registration and observation store: the registry of connected devices
// and the long-lived observe subscriptions opened against them.
package devreg

import (
	"errors"
	"net/netip"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Errors raised as domain faults rather than returned as a nil sentinel.
// NotFound is deliberately not one of these: lookups that find nothing
// return (nil, nil) throughout this module.
var (
	// ErrNoSuchRegistration is raised by ObservationStore operations that
	// reference a registration id with no id-index entry (invariant I5).
	ErrNoSuchRegistration = errors.New("devreg: no such registration")
	// ErrLockAcquisitionFailed is raised when PeerLock could not be
	// obtained within its internal retry budget.
	ErrLockAcquisitionFailed = errors.New("devreg: lock acquisition failed")
	// ErrCodecFailure wraps every encode and decode error of package
	// codec. Store write paths return it; store read paths log it and
	// treat the record as NotFound instead.
	ErrCodecFailure = errors.New("devreg: codec failure")
)

// Registration is a device that has announced itself to the server.
type Registration struct {
	ID            string // server-assigned, unique
	Endpoint      string // client-chosen, unique, the primary key
	Address       netip.AddrPort
	RegisteredAt  time.Time
	Lifetime      time.Duration
	LastUpdate    time.Time
	Payload       []byte // opaque: object links, attributes, protocol version
}

// ExpirationTimestamp is lastUpdate + lifetime + grace.
func (r Registration) ExpirationTimestamp(grace time.Duration) time.Time {
	return r.LastUpdate.Add(r.Lifetime).Add(grace)
}

// IsAlive reports whether r has not yet reached its expiration timestamp,
// as observed at now. A registration is dead at the exact boundary: one
// with lifetime 0 is expired immediately at its own LastUpdate instant.
func (r Registration) IsAlive(now time.Time, grace time.Duration) bool {
	return now.Before(r.ExpirationTimestamp(grace))
}

// JSONAttribute reads a single field out of Payload using gjson's path
// syntax, the read-side counterpart to regstore.Patch's sjson-based
// field write. Returns the empty string if the field is absent or
// Payload does not hold JSON.
func (r Registration) JSONAttribute(path string) string {
	return gjson.GetBytes(r.Payload, path).String()
}

// Observation is a long-lived subscription to a resource path on a device.
type Observation struct {
	Token          []byte
	RegistrationID string
	Path           ResourcePath
	Payload        []byte // opaque: protocol request, content format
	EndpointContext []byte // opaque transport correlation metadata, see SetContext
}

// ResourcePath identifies an object/instance/resource tuple on a device.
type ResourcePath struct {
	ObjectID   int
	InstanceID int
	ResourceID int
}

// String renders the path the way the wire protocol addresses it, e.g.
// "/3/0/1". A negative component means "not present" and is omitted along
// with everything after it.
func (p ResourcePath) String() string {
	s := ""
	for _, v := range []int{p.ObjectID, p.InstanceID, p.ResourceID} {
		if v < 0 {
			break
		}
		s += "/" + strconv.Itoa(v)
	}
	if s == "" {
		return "/"
	}
	return s
}

// Deregistration pairs a removed Registration with the Observations that
// were removed alongside it (invariant I7).
type Deregistration struct {
	Registration Registration
	Observations []Observation
}

// UpdatedRegistration pairs the prior and new Registration records
// produced by an updateRegistration call.
type UpdatedRegistration struct {
	Prior Registration
	New   Registration
}

// ExpirationListener is notified by the sweeper whenever it evicts a
// registration. Implementations must not block for long; the sweeper
// calls this synchronously from its tick loop.
type ExpirationListener interface {
	RegistrationExpired(reg Registration, observations []Observation)
}

// ExpirationListenerFunc adapts a function to ExpirationListener.
type ExpirationListenerFunc func(reg Registration, observations []Observation)

// RegistrationExpired implements ExpirationListener.
func (f ExpirationListenerFunc) RegistrationExpired(reg Registration, observations []Observation) {
	f(reg, observations)
}
