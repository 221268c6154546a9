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

import (
	"fmt"
	"strings"
)

const chainStatusUnhealthy = "Unhealthy"

// Evaluate judges the given payload against the given thresholds. A nil
// payload, including a typed nil, is unhealthy.
func Evaluate(payload Payload, thresholds Thresholds) Verdict {
	switch payload := payload.(type) {
	case *CheckResponse:
		return EvaluateCheck(payload, thresholds)
	case *APIResponse:
		return EvaluateAPI(payload, thresholds)
	default:
		return unhealthy(ReasonData, "no health data")
	}
}

// EvaluateCheck judges a response from the dedicated health-check endpoint.
//
// Checks are applied in order and the first failing one decides the
// verdict. Hard disqualifiers (missing data, wrong service, missing version,
// unhealthy chain or comms) come first, followed by the staleness checks
// that yield StateBehind, and finally the node's own error report.
func EvaluateCheck(resp *CheckResponse, thresholds Thresholds) Verdict {
	if resp == nil || resp.Data == nil {
		return unhealthy(ReasonData, "no health data")
	}
	data := resp.Data
	var slotDiff int64
	if data.LatestChainSlotPlays != nil && data.LatestIndexedSlotPlays != nil {
		slotDiff = *data.LatestChainSlotPlays - *data.LatestIndexedSlotPlays
	}
	telemetry := Verdict{Version: data.Version, BlockDiff: data.BlockDifference, SlotDiff: slotDiff}

	if verdict, ok := checkIdentity(data.Service, data.Version, thresholds, telemetry); !ok {
		return verdict
	}
	if data.ChainHealth != nil && data.ChainHealth.Status == chainStatusUnhealthy {
		return unhealthy(ReasonChain, "chain reported unhealthy")
	}
	if resp.Comms == nil || !resp.Comms.Healthy {
		return unhealthy(ReasonComms, "comms not healthy")
	}
	if verdict, ok := checkLag(data.LatestChainSlotPlays, data.LatestIndexedSlotPlays, thresholds, telemetry); !ok {
		return verdict
	}
	if data.DiscoveryProviderHealthy != nil && !*data.DiscoveryProviderHealthy {
		verdict := telemetry
		verdict.State = StateUnhealthy
		verdict.Reason = ReasonServerReported
		verdict.Detail = strings.Join(data.Errors, ", ")
		return verdict
	}
	telemetry.State = StateHealthy
	return telemetry
}

// EvaluateAPI judges the telemetry envelope of a full API response. It
// applies the same rules as EvaluateCheck, minus the checks that only the
// dedicated endpoint reports (chain, comms and the node's error list).
func EvaluateAPI(resp *APIResponse, thresholds Thresholds) Verdict {
	if resp == nil {
		return unhealthy(ReasonData, "no health data")
	}
	var service, version string
	if resp.Version != nil {
		service, version = resp.Version.Service, resp.Version.Version
	}
	telemetry := Verdict{Version: version}
	if resp.LatestChainBlock != nil && resp.LatestIndexedBlock != nil {
		telemetry.BlockDiff = *resp.LatestChainBlock - *resp.LatestIndexedBlock
	}
	if resp.LatestChainSlotPlays != nil && resp.LatestIndexedSlotPlays != nil {
		telemetry.SlotDiff = *resp.LatestChainSlotPlays - *resp.LatestIndexedSlotPlays
	}

	if verdict, ok := checkIdentity(service, version, thresholds, telemetry); !ok {
		return verdict
	}
	if verdict, ok := checkLag(resp.LatestChainSlotPlays, resp.LatestIndexedSlotPlays, thresholds, telemetry); !ok {
		return verdict
	}
	telemetry.State = StateHealthy
	return telemetry
}

func checkIdentity(service, version string, thresholds Thresholds, telemetry Verdict) (Verdict, bool) {
	if service != ServiceName {
		return unhealthy(ReasonName, fmt.Sprintf("unexpected service %q", service)), false
	}
	if thresholds.MinVersion == "" {
		return Verdict{}, true
	}
	if version == "" {
		return unhealthy(ReasonVersion, "no version reported"), false
	}
	if !isValidVersion(version) {
		return unhealthy(ReasonVersion, fmt.Sprintf("invalid version %q", version)), false
	}
	if CompareVersions(version, thresholds.MinVersion) < 0 {
		verdict := telemetry
		verdict.State = StateBehind
		verdict.Reason = ReasonVersion
		verdict.Detail = fmt.Sprintf("version %s older than %s", version, thresholds.MinVersion)
		return verdict, false
	}
	return Verdict{}, true
}

func checkLag(chainSlot, indexedSlot *int64, thresholds Thresholds, telemetry Verdict) (Verdict, bool) {
	if maxDiff := thresholds.maxBlockDiff(); telemetry.BlockDiff > maxDiff {
		verdict := telemetry
		verdict.State = StateBehind
		verdict.Reason = ReasonBlockDiff
		verdict.Detail = fmt.Sprintf("%d blocks behind (max %d)", telemetry.BlockDiff, maxDiff)
		return verdict, false
	}
	if thresholds.MaxSlotDiffPlays != nil && chainSlot != nil && indexedSlot != nil &&
		telemetry.SlotDiff > *thresholds.MaxSlotDiffPlays {
		verdict := telemetry
		verdict.State = StateBehind
		verdict.Reason = ReasonSlotDiff
		verdict.Detail = fmt.Sprintf("%d slots behind (max %d)", telemetry.SlotDiff, *thresholds.MaxSlotDiffPlays)
		return verdict, false
	}
	return Verdict{}, true
}
