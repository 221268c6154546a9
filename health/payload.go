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

package health

// ServiceName is the identity a discovery node reports about itself.
const ServiceName = "discovery-node"

// Payload is a health report from a discovery node. It is either a
// *CheckResponse, from the dedicated health-check endpoint, or an
// *APIResponse, from telemetry embedded in an ordinary API response. The
// shape is decided by the code path that fetched it, never by inspecting
// the body.
type Payload interface {
	isPayload()
}

// CheckResponse is the body of a "/health_check" response.
type CheckResponse struct {
	Data  *CheckData   `json:"data"`
	Comms *CommsStatus `json:"comms,omitempty"`
}

// CheckData is the node's self-reported health.
type CheckData struct {
	Service                  string       `json:"service"`
	Version                  string       `json:"version"`
	BlockDifference          int64        `json:"block_difference"`
	LatestChainSlotPlays     *int64       `json:"latest_chain_slot_plays,omitempty"`
	LatestIndexedSlotPlays   *int64       `json:"latest_indexed_slot_plays,omitempty"`
	ChainHealth              *ChainHealth `json:"chain_health,omitempty"`
	DiscoveryProviderHealthy *bool        `json:"discovery_provider_healthy,omitempty"`
	Errors                   []string     `json:"errors,omitempty"`
	Network                  *NetworkInfo `json:"network,omitempty"`
}

// ChainHealth reports the health of the chain the node indexes.
type ChainHealth struct {
	Status string `json:"status"`
}

// CommsStatus reports the health of the node's messaging subsystem.
type CommsStatus struct {
	Healthy bool `json:"healthy"`
}

// NetworkInfo is the node's view of network membership.
type NetworkInfo struct {
	DiscoveryNodes          []string `json:"discovery_nodes,omitempty"`
	DiscoveryNodesWithOwner []Peer   `json:"discovery_nodes_with_owner,omitempty"`
}

// Peer is a discovery node as reported by another node.
type Peer struct {
	Endpoint            string `json:"endpoint"`
	DelegateOwnerWallet string `json:"delegateOwnerWallet"`
	OwnerWallet         string `json:"ownerWallet"`
}

// Peers returns the peers reported in the payload, if any.
func (r *CheckResponse) Peers() []Peer {
	if r == nil || r.Data == nil || r.Data.Network == nil {
		return nil
	}
	return r.Data.Network.DiscoveryNodesWithOwner
}

// APIResponse is the telemetry envelope that full API responses carry next
// to their domain payload.
type APIResponse struct {
	Version                *VersionInfo `json:"version,omitempty"`
	LatestChainBlock       *int64       `json:"latest_chain_block,omitempty"`
	LatestIndexedBlock     *int64       `json:"latest_indexed_block,omitempty"`
	LatestChainSlotPlays   *int64       `json:"latest_chain_slot_plays,omitempty"`
	LatestIndexedSlotPlays *int64       `json:"latest_indexed_slot_plays,omitempty"`
}

// VersionInfo identifies the service that produced an API response.
type VersionInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// HasTelemetry reports whether any telemetry field is present. Responses
// without telemetry say nothing about the node's health.
func (r *APIResponse) HasTelemetry() bool {
	return r != nil && (r.Version != nil ||
		r.LatestChainBlock != nil ||
		r.LatestIndexedBlock != nil ||
		r.LatestChainSlotPlays != nil ||
		r.LatestIndexedSlotPlays != nil)
}

func (*CheckResponse) isPayload() {}
func (*APIResponse) isPayload()   {}
