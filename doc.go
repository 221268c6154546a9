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

// Package dnselect picks which discovery node a client should talk to, and
// keeps that choice fit for as long as the client runs.
//
// To create a selector use the [NewSelector] function, passing the nodes
// to bootstrap from. The selector learns about further nodes from the
// health checks of the nodes it probes, so a single reachable bootstrap
// node is enough.
//
// Selection is lazy. Once an endpoint is selected, or seeded with
// [WithInitialSelectedNode], [Selector.GetSelectedEndpoint] returns it
// without checking its health again. Instead, the [Middleware] watches
// ordinary traffic: responses carry the serving node's chain telemetry, and
// a node that turns out to be behind, to fail with server errors, or to be
// unreachable is replaced by running a new selection round.
//
// A selection round health checks every eligible node concurrently:
//
//  1. Nodes that are not allowlisted (when an allowlist is configured),
//     that are blocklisted, or that were recently found unhealthy are
//     skipped.
//
//  2. The fastest healthy node wins.
//
//  3. If no node is healthy, the least behind node is used as a backup,
//     and [Selector.IsBehind] reports true until it catches up.
//
// Concurrent callers share a single round. Subscribers registered with
// [Selector.Subscribe] are told whenever a round settles on a new endpoint.
//
// # Using the middleware
//
// The simplest way to route traffic is the client returned by
// [Selector.NewHTTPClient], which resolves relative request URLs against
// the selected endpoint:
//
//	selector, err := dnselect.NewSelector(bootstrap,
//	    dnselect.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer selector.Close()
//	resp, err := selector.NewHTTPClient().Get("/v1/users/handle/someone")
//
// The hooks are also available individually through [Selector.Middleware],
// for integrating with clients that have their own middleware chains.
//
// # Decentralized reads
//
// Callers that need answers from independent operators can use
// [Selector.GetUniquelyOwnedEndpoints] to get several healthy nodes, no
// two of which belong to the same owner.
package dnselect
