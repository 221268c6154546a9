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

// Package registry tracks the discovery nodes a client may talk to.
//
// A [Registry] combines the caller-supplied bootstrap nodes with peers
// learned through gossip, filters them through an optional allowlist and a
// blocklist, and excludes nodes that recently failed a health check. Failed
// nodes are held in a time-bounded cache that acts as a circuit breaker.
// Nodes that were merely behind are remembered separately as backups.
//
// Both caches expire lazily: an entry is only evicted when the registry is
// next consulted, never by a background timer.
package registry
