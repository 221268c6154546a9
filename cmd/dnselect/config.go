// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/discoverynet/dnselect"
	"github.com/discoverynet/dnselect/health"
	"github.com/discoverynet/dnselect/registry"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultWatchInterval = time.Minute
	defaultWatchPath     = "/v1/full/tracks/trending?limit=1"
)

type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to an ini configuration file" no-ini:"true"`

	Bootstrap    []string      `short:"b" long:"bootstrap" description:"Discovery node to bootstrap from; may be specified multiple times"`
	Allow        []string      `long:"allow" description:"Only select this node; may be specified multiple times"`
	Block        []string      `long:"block" description:"Never select this node; may be specified multiple times"`
	Initial      string        `long:"initial" description:"Node to use without probing until it proves unfit"`
	MinVersion   string        `long:"minversion" description:"Oldest acceptable discovery node version"`
	MaxBlockDiff int64         `long:"maxblockdiff" description:"Largest acceptable indexing lag in blocks (0 for the default)"`
	MaxSlotDiff  int64         `long:"maxslotdiff" description:"Largest acceptable plays indexing lag in slots (negative to disable)" default:"-1"`
	Timeout      time.Duration `long:"timeout" description:"Health check timeout" default:"30s"`
	UnhealthyTTL time.Duration `long:"unhealthyttl" description:"How long an unhealthy node is excluded" default:"1h"`
	BackupsTTL   time.Duration `long:"backupsttl" description:"How long a behind node is remembered as a backup" default:"2m"`
	MaxProbes    int           `long:"maxprobes" description:"Maximum concurrent health checks (0 for unlimited)"`

	Unique        int           `short:"n" long:"unique" description:"Print this many healthy nodes with distinct owners instead of a single selection"`
	Watch         bool          `short:"w" long:"watch" description:"Keep running and print every change of selection"`
	WatchInterval time.Duration `long:"watchinterval" description:"How often to send a request through the selected node while watching"`
	WatchPath     string        `long:"watchpath" description:"API path requested through the selected node while watching"`
	MetricsListen string        `long:"metricslisten" description:"Serve Prometheus metrics on this address while watching"`

	Debug bool `short:"d" long:"debug" description:"Enable debug logging"`
}

// loadConfig parses the command line, reading the config file it names in
// between so that command line options take precedence.
func loadConfig(args []string) (*config, error) {
	var preCfg config
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.IgnoreUnknown)
	// Errors, including a request for help, are reported by the full parse.
	_, _ = preParser.ParseArgs(args)

	cfg := config{
		WatchInterval: defaultWatchInterval,
		WatchPath:     defaultWatchPath,
	}
	parser := flags.NewParser(&cfg, flags.Default)
	if preCfg.ConfigFile != "" {
		if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("config file %s: %w", preCfg.ConfigFile, err)
		}
	}
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", rest)
	}
	if len(cfg.Bootstrap) == 0 {
		return nil, errors.New("at least one --bootstrap node is required")
	}
	if cfg.Unique < 0 {
		return nil, fmt.Errorf("--unique must not be negative: %d", cfg.Unique)
	}
	if cfg.Unique > 0 && cfg.Watch {
		return nil, errors.New("--unique and --watch are mutually exclusive")
	}
	if cfg.Watch && cfg.WatchInterval <= 0 {
		return nil, fmt.Errorf("--watchinterval must be positive: %v", cfg.WatchInterval)
	}
	return &cfg, nil
}

func (cfg *config) thresholds() health.Thresholds {
	thresholds := health.Thresholds{
		MinVersion:   cfg.MinVersion,
		MaxBlockDiff: cfg.MaxBlockDiff,
	}
	if cfg.MaxSlotDiff >= 0 {
		maxSlotDiff := cfg.MaxSlotDiff
		thresholds.MaxSlotDiffPlays = &maxSlotDiff
	}
	return thresholds
}

func (cfg *config) bootstrap() []registry.Node {
	nodes := make([]registry.Node, 0, len(cfg.Bootstrap))
	for _, endpoint := range cfg.Bootstrap {
		nodes = append(nodes, registry.Node{Endpoint: endpoint})
	}
	return nodes
}

func (cfg *config) selectorOptions() []dnselect.Option {
	opts := []dnselect.Option{
		dnselect.WithHealthCheckThresholds(cfg.thresholds()),
		dnselect.WithBlocklist(cfg.Block...),
		dnselect.WithRequestTimeout(cfg.Timeout),
		dnselect.WithUnhealthyTTL(cfg.UnhealthyTTL),
		dnselect.WithBackupsTTL(cfg.BackupsTTL),
		dnselect.WithMaxConcurrentProbes(cfg.MaxProbes),
	}
	if len(cfg.Allow) > 0 {
		opts = append(opts, dnselect.WithAllowlist(cfg.Allow...))
	}
	if cfg.Initial != "" {
		opts = append(opts, dnselect.WithInitialSelectedNode(cfg.Initial))
	}
	return opts
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
