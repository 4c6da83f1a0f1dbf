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

// Package config holds the tunables shared by every devregd component:
// the Redis dial options and the sweeper/lock timings spec.md §6 calls
// out by name.
package config

import "time"

// Config mirrors the shape of cmd/proxy's Config in the teacher: a flat
// struct filled in from flags by main, with documented defaults applied
// by Defaults rather than scattered zero-value checks.
type Config struct {
	// RedisAddr is the host:port of the backing Redis instance.
	RedisAddr      string
	RedisUsername  string
	RedisPassword  string
	RedisDB        int
	RedisPoolSize  int

	// CleanPeriod is how often the sweeper ticks. Default 60s.
	CleanPeriod time.Duration
	// CleanLimit bounds how many endpoints one sweeper tick processes.
	// Default 500.
	CleanLimit int64
	// GracePeriod is added to every registration's lifetime before it is
	// considered expired, absorbing clock skew and network delay between
	// server instances. Default 0.
	GracePeriod time.Duration
	// LockAcquireTimeout bounds how long PeerLock.Acquire retries before
	// giving up with devreg.ErrLockAcquisitionFailed. Default 500ms, the
	// floor spec.md §6 documents.
	LockAcquireTimeout time.Duration
	// LockTTL bounds how long a held PeerLock survives a crashed holder.
	LockTTL time.Duration
	// SchedulerThreadName is a diagnostic label attached to devregd's
	// "starting sweeper" log line; it has no behavioural effect.
	SchedulerThreadName string
}

// Defaults returns a Config with every documented default filled in; flag
// parsing in cmd/devregd only needs to override what the operator set.
func Defaults() Config {
	return Config{
		RedisAddr:          "localhost:6379",
		RedisPoolSize:      10,
		CleanPeriod:        60 * time.Second,
		CleanLimit:         500,
		GracePeriod:        0,
		LockAcquireTimeout: 500 * time.Millisecond,
		LockTTL:            5 * time.Second,
		SchedulerThreadName: "devreg-sweeper",
	}
}
