package main

import (
	"fmt"
	"os"
	"time"

	"github.com/G5unit/ripples/applog"
	"github.com/G5unit/ripples/channel"
	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/metrics"
	"github.com/G5unit/ripples/querylog"
	"github.com/G5unit/ripples/resolver"
	"github.com/G5unit/ripples/resource"
	"github.com/G5unit/ripples/vectorloop"
)

// run wires the process together: per shard control channels, the shard
// threads, and the three worker threads (application log, resource, query
// log). Shards share nothing mutable with each other; every cross thread
// hand off goes over the channels built here.
func run(cfg *config.Config) error {
	m := metrics.New()
	shards := cfg.ProcessThreadCount

	resourceChannels := make([]*channel.Control, shards)
	queryLogChannels := make([]*channel.Control, shards)
	for i := 0; i < shards; i++ {
		resourceChannels[i] = channel.NewControl()
		queryLogChannels[i] = channel.NewControl()
	}

	// One application log channel per shard, plus one each for the
	// resource and query log workers.
	appLogChannels := make([]*channel.Log, shards+2)
	for i := range appLogChannels {
		appLogChannels[i] = channel.NewLog()
	}

	if err := os.MkdirAll(cfg.QueryLogPath, 0o755); err != nil {
		return fmt.Errorf("query log directory: %w", err)
	}

	for i := 0; i < shards; i++ {
		vl, err := vectorloop.New(cfg, i, resolver.NewZoneResolver(),
			resourceChannels[i], queryLogChannels[i], appLogChannels[i], m)
		if err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
		go vl.Run()
	}

	go applog.NewLoop(cfg, appLogChannels, m).Run()

	resources := []*resource.Resource{{
		Name:       cfg.ResourceName,
		Filepath:   cfg.ResourceFilepath,
		UpdateFreq: time.Duration(cfg.ResourceUpdateFreq) * time.Second,
		CheckLoad: resource.ZoneCheckLoad(func(data []byte) (any, error) {
			return resolver.LoadZone(data)
		}),
	}}
	go resource.NewLoop(resources, resourceChannels, appLogChannels[shards], m).Run()

	go querylog.NewLoop(cfg, queryLogChannels, appLogChannels[shards+1], m).Run()

	go metrics.Serve(cfg.MetricsBind, m)

	return nil
}
