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

// Package health evaluates the health of discovery nodes.
//
// A discovery node reports its own view of its health in two shapes: the
// dedicated "/health_check" endpoint returns a [CheckResponse], and ordinary
// "full" API responses may carry an [APIResponse] telemetry envelope. Both
// are members of the [Payload] sum type, and [Evaluate] turns either one plus
// a set of [Thresholds] into a [Verdict].
//
// A verdict is one of three states. [StateHealthy] nodes are safe to query.
// [StateBehind] nodes are reachable but stale, which makes them usable as a
// last resort. [StateUnhealthy] nodes must not be used at all.
//
// This package also defines [Prober], which issues the dedicated health check
// against a single endpoint. The default implementation, returned by
// [NewHTTPProber], never fails: any transport problem is reported as an
// unhealthy verdict.
package health
