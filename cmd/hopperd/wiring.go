package main

import (
	"os"

	goredis "github.com/go-redis/redis/v8"

	"github.com/hopper-run/hopper/internal/consolidated"
	"github.com/hopper-run/hopper/internal/delegation"
	"github.com/hopper-run/hopper/internal/episodic"
	"github.com/hopper-run/hopper/internal/feedback"
	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/internal/instance"
	"github.com/hopper-run/hopper/internal/learning"
	"github.com/hopper-run/hopper/internal/memory"
	"github.com/hopper-run/hopper/internal/router"
	"github.com/hopper-run/hopper/internal/rules"
	"github.com/hopper-run/hopper/internal/similarity"
	"github.com/hopper-run/hopper/internal/taskstore"
)

// System is every wired component cmd/hopperd's HTTP surface dispatches
// into. Building it is the one place in this module allowed to choose
// concrete backends (spec §6); everything downstream depends only on the
// interfaces.
type System struct {
	Config     *Config
	Log        hoppercore.Logger
	Telemetry  hoppercore.Telemetry
	Registry   instance.Store
	Tasks      taskstore.Store
	Patterns   consolidated.Store
	Episodes   episodic.Store
	Similarity *similarity.Index
	Feedback   feedback.Store
	Memory     memory.Store
	Rules      *rules.Engine
	Router     *router.Router
	Delegation *delegation.Engine
	Learning   *learning.Engine
}

// Build wires every component from cfg, picking Redis-backed stores when
// cfg.RedisURL is set and falling back to the in-memory backends otherwise
// (spec §6: core is backend-agnostic behind its Store interfaces).
func Build(cfg *Config) (*System, error) {
	log := hoppercore.NewProductionLogger(cfg.ServiceName, cfg.Debug, cfg.Development, os.Stdout)
	telemetry := hoppercore.NewOTelTelemetry(cfg.ServiceName)

	var tasks taskstore.Store
	var mem memory.Store
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, hoppercore.NewWrapped("hopperd.Build", err)
		}
		client := goredis.NewClient(opts)
		tasks = taskstore.NewRedis(client, cfg.RedisNamespace, log)
		mem = memory.NewRemoteStore(client, cfg.RedisNamespace, log)
	} else {
		tasks = taskstore.NewLocal(log)
		mem = memory.NewLocalStore(cfg.WorkingMemoryMaxEntries, log)
	}

	registry := instance.NewRegistry(log)
	patterns := consolidated.NewLocal()
	episodes := episodic.NewLocal(log)
	sim := similarity.NewIndex(
		similarity.WithMaxCorpus(cfg.SimilarityMaxCorpus),
		similarity.WithMaxAgeDays(cfg.SimilarityMaxAgeDays),
	)
	fb := feedback.NewLocal()

	ruleSet, err := loadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	ruleEngine := rules.NewEngine(ruleSet)

	r := router.New(registry, tasks, patterns, episodes, sim, ruleEngine, log, telemetry)
	r.SetTimeout(cfg.RouterTimeout)

	delegationEngine := delegation.New(delegation.NewLocal(), tasks, log, telemetry)
	learningEngine := learning.New(mem, episodes, sim, patterns, fb, log)

	return &System{
		Config:     cfg,
		Log:        log,
		Telemetry:  telemetry,
		Registry:   registry,
		Tasks:      tasks,
		Patterns:   patterns,
		Episodes:   episodes,
		Similarity: sim,
		Feedback:   fb,
		Memory:     mem,
		Rules:      ruleEngine,
		Router:     r,
		Delegation: delegationEngine,
		Learning:   learningEngine,
	}, nil
}

// loadRules reads a YAML rule file when path is set, falling back to the
// teacher-mirrored starter set (rules.DefaultRules) otherwise.
func loadRules(path string) ([]rules.Rule, error) {
	if path == "" {
		return rules.DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, hoppercore.NewWrapped("hopperd.loadRules", err)
	}
	return rules.LoadRules(data)
}
