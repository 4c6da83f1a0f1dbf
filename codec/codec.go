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

// Package codec serializes Registration and Observation records to and
// from opaque byte strings stored in Redis. The wire format is private:
// callers only need byte-for-byte round trip and forward compatibility as
// the schema grows, which CBOR's map-with-optional-fields encoding gives
// us for free (older readers skip keys they do not know, and a record
// written before a field existed decodes that field as its zero value).
package codec

import (
	"fmt"
	"net/netip"
	"time"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/openmtc/devreg"
)

// wireRegistration mirrors devreg.Registration with types CBOR marshals
// losslessly (netip.AddrPort and time.Time both implement the text/binary
// marshal interfaces cbor respects, but we flatten to primitives anyway so
// old records stay decodable if those types ever change upstream).
type wireRegistration struct {
	ID           string `cbor:"1,keyasint"`
	Endpoint     string `cbor:"2,keyasint"`
	Address      string `cbor:"3,keyasint"`
	RegisteredAt int64  `cbor:"4,keyasint"` // unix nanos
	LifetimeSec  int64  `cbor:"5,keyasint"`
	LastUpdate   int64  `cbor:"6,keyasint"`
	Payload      []byte `cbor:"7,keyasint"`
}

type wireObservation struct {
	Token           []byte `cbor:"1,keyasint"`
	RegistrationID  string `cbor:"2,keyasint"`
	ObjectID        int    `cbor:"3,keyasint"`
	InstanceID      int    `cbor:"4,keyasint"`
	ResourceID      int    `cbor:"5,keyasint"`
	Payload         []byte `cbor:"6,keyasint"`
	EndpointContext []byte `cbor:"7,keyasint"`
}

// EncodeRegistration serializes r to its wire form.
func EncodeRegistration(r devreg.Registration) ([]byte, error) {
	addr := ""
	if r.Address.IsValid() {
		addr = r.Address.String()
	}
	w := wireRegistration{
		ID:           r.ID,
		Endpoint:     r.Endpoint,
		Address:      addr,
		RegisteredAt: r.RegisteredAt.UnixNano(),
		LifetimeSec:  int64(r.Lifetime / time.Second),
		LastUpdate:   r.LastUpdate.UnixNano(),
		Payload:      r.Payload,
	}
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: encode registration: %s", devreg.ErrCodecFailure, err)
	}
	return b, nil
}

// DecodeRegistration parses the wire form produced by EncodeRegistration.
func DecodeRegistration(b []byte) (devreg.Registration, error) {
	var w wireRegistration
	if err := cbor.Unmarshal(b, &w); err != nil {
		return devreg.Registration{}, fmt.Errorf("%w: decode registration: %s", devreg.ErrCodecFailure, err)
	}
	var addr netip.AddrPort
	if w.Address != "" {
		var err error
		addr, err = netip.ParseAddrPort(w.Address)
		if err != nil {
			return devreg.Registration{}, fmt.Errorf("%w: decode registration address %q: %s", devreg.ErrCodecFailure, w.Address, err)
		}
	}
	return devreg.Registration{
		ID:           w.ID,
		Endpoint:     w.Endpoint,
		Address:      addr,
		RegisteredAt: time.Unix(0, w.RegisteredAt).UTC(),
		Lifetime:     time.Duration(w.LifetimeSec) * time.Second,
		LastUpdate:   time.Unix(0, w.LastUpdate).UTC(),
		Payload:      w.Payload,
	}, nil
}

// EncodeObservation serializes o to its wire form.
func EncodeObservation(o devreg.Observation) ([]byte, error) {
	w := wireObservation{
		Token:           o.Token,
		RegistrationID:  o.RegistrationID,
		ObjectID:        o.Path.ObjectID,
		InstanceID:      o.Path.InstanceID,
		ResourceID:      o.Path.ResourceID,
		Payload:         o.Payload,
		EndpointContext: o.EndpointContext,
	}
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: encode observation: %s", devreg.ErrCodecFailure, err)
	}
	return b, nil
}

// DecodeObservation parses the wire form produced by EncodeObservation.
func DecodeObservation(b []byte) (devreg.Observation, error) {
	var w wireObservation
	if err := cbor.Unmarshal(b, &w); err != nil {
		return devreg.Observation{}, fmt.Errorf("%w: decode observation: %s", devreg.ErrCodecFailure, err)
	}
	return devreg.Observation{
		Token:          w.Token,
		RegistrationID: w.RegistrationID,
		Path: devreg.ResourcePath{
			ObjectID:   w.ObjectID,
			InstanceID: w.InstanceID,
			ResourceID: w.ResourceID,
		},
		Payload:         w.Payload,
		EndpointContext: w.EndpointContext,
	}, nil
}
