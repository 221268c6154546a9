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

import "fmt"

// State represents the health of a discovery node. Their natural ordering is
// for "better" states to be before "worse" states. So StateHealthy is the
// lowest value and StateUnhealthy is the highest.
type State int

// StateUnknown is the zero value: a verdict that was never evaluated, such as
// the empty Result of a custom Prober. Selection treats it the same as
// StateUnhealthy.
const (
	StateHealthy   = State(-1)
	StateUnknown   = State(0)
	StateBehind    = State(1)
	StateUnhealthy = State(2)
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateBehind:
		return "behind"
	case StateUnhealthy:
		return "unhealthy"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Reason is a short code describing why a node is not healthy.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonData           Reason = "data"
	ReasonName           Reason = "name"
	ReasonVersion        Reason = "version"
	ReasonBlockDiff      Reason = "block-diff"
	ReasonSlotDiff       Reason = "slot-diff"
	ReasonChain          Reason = "chain"
	ReasonComms          Reason = "comms"
	ReasonServerReported Reason = "server-reported"
	// ReasonRequest is used when the health check itself could not be
	// completed: a network error, a timeout or a non-2xx status.
	ReasonRequest Reason = "request"
)

// Verdict is the outcome of evaluating a health payload.
//
// Version, BlockDiff and SlotDiff carry whatever the node reported, so that
// behind nodes can be ranked against each other.
type Verdict struct {
	State  State
	Reason Reason
	// Detail is a human-readable elaboration of Reason, such as the joined
	// error list reported by the node or the message of a failed request.
	Detail string

	Version   string
	BlockDiff int64
	SlotDiff  int64
}

// Lag returns the magnitude of staleness relevant to the verdict's reason.
func (v Verdict) Lag() int64 {
	if v.Reason == ReasonSlotDiff {
		return v.SlotDiff
	}
	return v.BlockDiff
}

func (v Verdict) String() string {
	switch {
	case v.Reason == ReasonNone:
		return v.State.String()
	case v.Detail == "":
		return fmt.Sprintf("%s (%s)", v.State, v.Reason)
	default:
		return fmt.Sprintf("%s (%s: %s)", v.State, v.Reason, v.Detail)
	}
}

func unhealthy(reason Reason, detail string) Verdict {
	return Verdict{State: StateUnhealthy, Reason: reason, Detail: detail}
}
