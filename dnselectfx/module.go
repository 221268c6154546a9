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

// Package dnselectfx provides a [dnselect.Selector] to fx applications.
//
// The module needs a [Config] in the graph. A *zap.Logger and a
// prometheus.Registerer are used if present. The selector is closed when
// the application stops.
package dnselectfx

import (
	"context"

	"github.com/discoverynet/dnselect"
	"github.com/discoverynet/dnselect/registry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a *dnselect.Selector.
//
//nolint:gochecknoglobals
var Module = fx.Module("dnselect",
	fx.Provide(New),
)

// Config configures the provided selector.
type Config struct {
	// Bootstrap is the set of nodes to start from.
	Bootstrap []registry.Node
	// Options are applied after the logger and registerer found in the
	// graph, so they take precedence.
	Options []dnselect.Option
	// WarmUp makes application start wait for a first selection, so that
	// the first request does not pay for it.
	WarmUp bool
}

// Params are the dependencies of New.
type Params struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     Config
	Logger     *zap.Logger           `optional:"true"`
	Registerer prometheus.Registerer `optional:"true"`
}

// Result is the output of New.
type Result struct {
	fx.Out

	Selector *dnselect.Selector
}

// New creates a selector and ties it to the application lifecycle.
func New(params Params) (Result, error) {
	var opts []dnselect.Option
	if params.Logger != nil {
		opts = append(opts, dnselect.WithLogger(params.Logger))
	}
	if params.Registerer != nil {
		opts = append(opts, dnselect.WithMetrics(params.Registerer))
	}
	opts = append(opts, params.Config.Options...)
	sel, err := dnselect.NewSelector(params.Config.Bootstrap, opts...)
	if err != nil {
		return Result{}, err
	}
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !params.Config.WarmUp {
				return nil
			}
			_, err := sel.GetSelectedEndpoint(ctx)
			return err
		},
		OnStop: func(context.Context) error {
			return sel.Close()
		},
	})
	return Result{Selector: sel}, nil
}
