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

// Command dnselect picks a discovery node the way clients of the
// discovery network do, and prints it.
//
// By default it runs a single selection and prints the chosen endpoint.
// With --unique it prints several healthy endpoints with distinct owners.
// With --watch it keeps running, periodically sending a request through
// the selected node and printing every change of selection, optionally
// serving Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/discoverynet/dnselect"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		}
		fatalf("%v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		stop()
		fatalf("%v\n", err)
	}
}

func run(ctx context.Context, cfg *config, out io.Writer) error {
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	opts := append(cfg.selectorOptions(),
		dnselect.WithLogger(logger),
		dnselect.WithMetrics(reg),
		dnselect.WithRootContext(ctx),
	)
	sel, err := dnselect.NewSelector(cfg.bootstrap(), opts...)
	if err != nil {
		return err
	}
	defer func() { _ = sel.Close() }()

	switch {
	case cfg.Unique > 0:
		endpoints, err := sel.GetUniquelyOwnedEndpoints(ctx, cfg.Unique)
		if err != nil {
			return err
		}
		for _, endpoint := range endpoints {
			fmt.Fprintln(out, endpoint)
		}
		return nil
	case cfg.Watch:
		return watch(ctx, cfg, sel, reg, logger, out)
	default:
		endpoint, err := sel.GetSelectedEndpoint(ctx)
		if err != nil {
			return err
		}
		if endpoint == "" {
			return errors.New("no usable discovery node found")
		}
		fmt.Fprintln(out, endpoint)
		return nil
	}
}

func watch(ctx context.Context, cfg *config, sel *dnselect.Selector, reg *prometheus.Registry, logger *zap.Logger, out io.Writer) error {
	if cfg.MetricsListen != "" {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		shutdown, err := serveMetrics(ctx, cfg.MetricsListen, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	unsubscribe := sel.Subscribe(dnselect.EventChange, func(endpoint string) {
		fmt.Fprintf(out, "%s %s\n", time.Now().UTC().Format(time.RFC3339), endpoint)
	})
	defer unsubscribe()

	client := sel.NewHTTPClient()
	ticker := time.NewTicker(cfg.WatchInterval)
	defer ticker.Stop()
	for {
		watchOnce(ctx, client, cfg.WatchPath, logger)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// watchOnce sends a request through the selected node, which lets the
// middleware notice if it has fallen behind or failed.
func watchOnce(ctx context.Context, client *http.Client, path string, logger *zap.Logger) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		logger.Error("invalid watch path", zap.String("path", path), zap.Error(err))
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("watch request failed", zap.Error(err))
		}
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	logger.Debug("watch request done", zap.String("url", req.URL.String()), zap.Int("status", resp.StatusCode))
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.Stringer("addr", listener.Addr()))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "console"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zapCfg.Build()
}
