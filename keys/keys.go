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

// Package keys defines the bijection between logical entity coordinates
// (endpoint name, registration id, peer address, token) and the flat
// byte-string keys used in the backing Redis keyspace. Nothing here talks
// to Redis; it only builds key strings, chosen so the six
// families never collide with one another.
package keys

import "net/netip"

// Well-known singleton key for the expiration priority queue.
const ExpirationQueue = "EXP:EP"

// Registration builds the primary record key for an endpoint.
func Registration(endpoint string) string {
	return "REG:EP:" + endpoint
}

// RegistrationID builds the id-index key for a registration id.
func RegistrationID(regID string) string {
	return "EP:REGID:" + regID
}

// Address builds the address-index key for a peer socket address.
// Stringification uses netip's textual form, which round-trips IPv4,
// IPv6, and IPv6 zone identifiers (e.g. "[fe80::1%eth0]:5683").
func Address(addr netip.AddrPort) string {
	return "EP:ADDR:" + addr.String()
}

// Lock builds the PeerLock key for an endpoint.
func Lock(endpoint string) string {
	return "LOCK:EP:" + endpoint
}

// Observation builds the observation record key for a token.
func Observation(token []byte) string {
	return "OBS:TKN:" + string(token)
}

// ObservationIndex builds the per-registration token list key.
func ObservationIndex(regID string) string {
	return "TKNS:REGID:" + regID
}
