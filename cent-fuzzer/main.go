// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// cent-fuzzer is a fuzzer process of a centralized session. All processes
// are started with the same command line; whoever binds the port first
// becomes the centralized broker. Exactly one process must be started with
// -main: it re-evaluates the testcases forwarded by the others and decides
// which ones are globally interesting.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/centfuzz/centfuzz/pkg/corpus"
	"github.com/centfuzz/centfuzz/pkg/event"
	"github.com/centfuzz/centfuzz/pkg/fuzzer"
	"github.com/centfuzz/centfuzz/pkg/log"
	"github.com/centfuzz/centfuzz/pkg/osutil"
	"github.com/centfuzz/centfuzz/pkg/shmq"
	"github.com/centfuzz/centfuzz/pkg/stage"
	"github.com/centfuzz/centfuzz/pkg/state"
	"github.com/centfuzz/centfuzz/pkg/stats"
)

// The transport endpoint handshake survives process respawns in this
// environment variable.
const centralizedEnv = "CENTFUZZ_CENTRALIZED"

type Config struct {
	// Port of the centralized broker.
	Port int `yaml:"port"`
	// Address of the HTTP stats endpoint, empty to disable.
	HTTP string `yaml:"http"`
	// Directory for corpus persistence, empty to keep the corpus in memory.
	CorpusDir string `yaml:"corpus_dir"`
	// Probability to retain an active corpus entry across a restart.
	RetainProb float64 `yaml:"retain_prob"`
	// Restart the process (with corpus pruning) this often; 0 disables.
	RestartEvery time.Duration `yaml:"restart_every"`
}

func defaultConfig() *Config {
	return &Config{
		Port:       28735,
		RetainProb: stage.DefaultRetainProb,
	}
}

func main() {
	var (
		flagConfig = flag.String("config", "", "configuration file")
		flagPort   = flag.Int("port", 0, "centralized broker port (overrides the config)")
		flagMain   = flag.Bool("main", false, "run as the main evaluator node")
	)
	flag.Parse()
	log.EnableLogCaching(1000, 1<<20)

	cfg := defaultConfig()
	if *flagConfig != "" {
		data, err := osutil.ReadFile(*flagConfig)
		if err != nil {
			log.Fatal(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Fatalf("failed to parse config: %v", err)
		}
	}
	if *flagPort != 0 {
		cfg.Port = *flagPort
	}

	if cfg.HTTP != "" {
		go serveHTTP(cfg.HTTP)
	}
	if err := run(cfg, *flagMain); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *Config, isMain bool) error {
	corp, err := loadCorpus(cfg)
	if err != nil {
		return err
	}
	st := state.New(corp, rand.New(rand.NewSource(time.Now().UnixNano())))
	exec := newExecutor()
	eval := fuzzer.NewEvaluator(exec.ObserverConfig())

	inner := event.NewSimpleManager(exec.ObserverConfig())
	inner.Encoder = func(obs event.Observers) ([]byte, error) {
		return fuzzer.EncodeObservers(obs.(*fuzzer.CoverObservers)), nil
	}
	builder := event.NewBuilder().IsMain(isMain)
	mgr, broker, err := attach(builder, inner, cfg.Port)
	if err != nil {
		return err
	}
	if err := mgr.ToEnv(centralizedEnv); err != nil {
		return err
	}

	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)

	l := &loop{
		cfg:     cfg,
		st:      st,
		exec:    exec,
		eval:    eval,
		mgr:     mgr,
		pruning: &stage.CorpusPruning{RetainProb: cfg.RetainProb},
		stop:    shutdown,
	}
	err = l.run(isMain)
	if shutdownErr := mgr.OnShutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if broker != nil {
		// Give the lagging clients a moment to drain, then take the
		// broker down with us.
		time.Sleep(time.Second)
		broker.Close()
	}
	return err
}

func loadCorpus(cfg *Config) (*corpus.Corpus, error) {
	if cfg.CorpusDir == "" {
		return corpus.New(), nil
	}
	return corpus.Load(cfg.CorpusDir)
}

// attach reuses the connection of a previous incarnation of this process
// if there is one, otherwise it creates a fresh one.
func attach(builder *event.Builder, inner event.Manager, port int) (
	*event.CentralizedManager, *shmq.Broker, error) {
	if os.Getenv(centralizedEnv) != "" {
		mgr, err := builder.BuildExistingClientFromEnv(inner, nil, centralizedEnv)
		return mgr, nil, err
	}
	return builder.BuildOnPort(inner, nil, port)
}

func serveHTTP(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		for _, val := range stats.Collect() {
			fmt.Fprintf(w, "%v: %v\n", val.Name, val.Val())
		}
	})
	log.Logf(0, "serving stats on http://%v", addr)
	err := http.ListenAndServe(addr, handlers.CombinedLoggingHandler(os.Stderr, mux))
	log.Fatalf("failed to serve http: %v", err)
}
