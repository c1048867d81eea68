/*
Copyright 2025 the Decisionwise Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The decisionwise-api binary serves the tenant-facing HTTP API: run
// submission through the admission pipeline, run status polling, and usage
// reporting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ghilp934/Decisionwise-sub000/pkg/admission"
	"github.com/ghilp934/Decisionwise-sub000/pkg/api"
	"github.com/ghilp934/Decisionwise-sub000/pkg/cloud"
	"github.com/ghilp934/Decisionwise-sub000/pkg/config"
	"github.com/ghilp934/Decisionwise-sub000/pkg/kv"
	"github.com/ghilp934/Decisionwise-sub000/pkg/ledger"
	"github.com/ghilp934/Decisionwise-sub000/pkg/logging"
	"github.com/ghilp934/Decisionwise-sub000/pkg/metrics"
	"github.com/ghilp934/Decisionwise-sub000/pkg/objectstore"
	"github.com/ghilp934/Decisionwise-sub000/pkg/pack"
	"github.com/ghilp934/Decisionwise-sub000/pkg/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "decisionwise-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log, flush, err := logging.New("decisionwise-api")
	if err != nil {
		return err
	}
	defer flush()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	led, err := ledger.Open(ctx, cfg, log.WithName("ledger"))
	if err != nil {
		return err
	}
	defer led.Close()
	if err := led.MigrateUp(ctx); err != nil {
		return err
	}

	kvc, err := kv.Open(ctx, cfg, log.WithName("kv"))
	if err != nil {
		return err
	}
	defer kvc.Close()

	awsCfg, err := cloud.Load(ctx, cfg)
	if err != nil {
		return err
	}
	q, err := queue.Open(awsCfg, cfg, log.WithName("queue"))
	if err != nil {
		return err
	}
	objects := objectstore.Open(awsCfg, cfg, log.WithName("objectstore"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(reg)

	packs := pack.Builtin()
	pipeline := admission.New(cfg, kvc, led, q, packs, m, log.WithName("admission"))
	srv := api.New(cfg, led, kvc, q, objects, pipeline, m, reg, log.WithName("api"))

	log.Info("starting api", "listen_addr", cfg.ListenAddr, "packs", packs.Types())
	return srv.Run(ctx)
}
