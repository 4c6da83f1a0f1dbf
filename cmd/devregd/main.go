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

// Command devregd runs the registration/observation store as a standalone
// daemon: it dials Redis, wires RegistrationStore, ObservationStore and
// the sweeper together, and blocks until it receives a termination
// signal - mirroring RunProxyServer's shape in the teacher's cmd/proxy.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openmtc/devreg/config"
)

var (
	redisAddr     = flag.String("redis-addr", "", "Redis host:port (default "+defaultRedisAddr+")")
	redisPassword = flag.String("redis-password", "", "Redis AUTH password (or set DEVREG_REDIS_PASSWORD)")
	redisDB       = flag.Int("redis-db", 0, "Redis logical database index")
	redisPoolSize = flag.Int("redis-pool-size", 0, "Redis connection pool size (default 10)")

	cleanPeriod = flag.Duration("clean-period", 0, "sweeper tick cadence (default 60s)")
	cleanLimit  = flag.Int64("clean-limit", 0, "max endpoints processed per sweep tick (default 500)")
	gracePeriod = flag.Duration("grace-period", 0, "forgiveness window added to every registration's lifetime")

	lockAcquireTimeout = flag.Duration("lock-acquire-timeout", 0, "how long PeerLock.Acquire retries before giving up (default 500ms, floor 500ms)")
	lockTTL            = flag.Duration("lock-ttl", 0, "how long a held PeerLock survives a crashed holder (default 5s)")
)

const defaultRedisAddr = "localhost:6379"

func main() {
	flag.Parse()

	cfg := config.Defaults()
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	// DEVREG_REDIS_PASSWORD lets the password reach the process without
	// appearing in a command line, the same environment-variable-escape-hatch
	// idiom cmd/coap uses for SSLKEYLOGFILE. The flag wins if both are set.
	if pw := os.Getenv("DEVREG_REDIS_PASSWORD"); pw != "" {
		cfg.RedisPassword = pw
	}
	if *redisPassword != "" {
		cfg.RedisPassword = *redisPassword
	}
	cfg.RedisDB = *redisDB
	if *redisPoolSize > 0 {
		cfg.RedisPoolSize = *redisPoolSize
	}
	if *cleanPeriod > 0 {
		cfg.CleanPeriod = *cleanPeriod
	}
	if *cleanLimit > 0 {
		cfg.CleanLimit = *cleanLimit
	}
	if *gracePeriod > 0 {
		cfg.GracePeriod = *gracePeriod
	}
	if *lockAcquireTimeout > 0 {
		if *lockAcquireTimeout < 500*time.Millisecond {
			logrus.Fatalf("lock-acquire-timeout must be >= 500ms")
		}
		cfg.LockAcquireTimeout = *lockAcquireTimeout
	}
	if *lockTTL > 0 {
		cfg.LockTTL = *lockTTL
	}

	if err := Run(cfg); err != nil {
		logrus.WithError(err).Fatal("devregd: exiting")
	}
}
