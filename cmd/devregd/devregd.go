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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/openmtc/devreg/config"
	"github.com/openmtc/devreg/obsstore"
	"github.com/openmtc/devreg/redisconn"
	"github.com/openmtc/devreg/regstore"
	"github.com/openmtc/devreg/rlock"
	"github.com/openmtc/devreg/sweeper"
)

// Run wires the storage and sweeper layers together and blocks until a
// termination signal arrives, the same "construct everything, then wait
// on a signal channel" shape RunProxyServer uses in the teacher.
func Run(cfg config.Config) error {
	log := logrus.StandardLogger()
	log.WithField("addr", cfg.RedisAddr).Info("devregd: dialing redis")

	conn := redisconn.New(redisconn.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	defer conn.Close()

	lock := rlock.New(conn, cfg.LockTTL, cfg.LockAcquireTimeout, log)
	obs := obsstore.New(conn, lock, log)
	reg := regstore.New(conn, lock, obs, cfg.GracePeriod, log)

	// devregd only owns the storage and eviction layers; a protocol
	// listener embedding this package wires obs into a
	// transport.Manager (package devreg/transport) for its own
	// token-bookkeeping.
	sw := sweeper.New(conn, reg, cfg.GracePeriod, cfg.CleanPeriod, cfg.CleanLimit, nil, log)
	log.WithField("period", cfg.CleanPeriod).WithField("limit", cfg.CleanLimit).
		WithField("thread", cfg.SchedulerThreadName).Info("devregd: starting sweeper")
	sw.Start()
	defer sw.Stop()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.WithField("signal", sig).Info("devregd: shutting down")
	return fmt.Errorf("interrupted by signal: %s", sig)
}
