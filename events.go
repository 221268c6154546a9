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

package dnselect

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Event identifies something a Selector can notify subscribers about.
type Event int

const (
	// EventChange fires whenever a selection round settles on an endpoint
	// other than the one previously selected. Handlers receive the newly
	// selected endpoint.
	EventChange Event = iota
)

func (e Event) String() string {
	switch e {
	case EventChange:
		return "change"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Handler is invoked with the endpoint associated with an event.
type Handler func(endpoint string)

type subscription struct {
	id      uint64
	event   Event
	handler Handler
}

// emitter delivers events synchronously, in subscription order. A handler
// that panics is logged and does not prevent delivery to the others.
type emitter struct {
	logger *zap.Logger

	mu sync.Mutex
	// +checklocks:mu
	nextID uint64
	// +checklocks:mu
	subs []subscription
}

func (e *emitter) subscribe(event Event, handler Handler) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscription{id: id, event: event, handler: handler})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, sub := range e.subs {
				if sub.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *emitter) emit(event Event, endpoint string) {
	e.mu.Lock()
	subs := make([]subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		if sub.event == event {
			subs = append(subs, sub)
		}
	}
	e.mu.Unlock()

	for _, sub := range subs {
		e.deliver(sub, endpoint)
	}
}

func (e *emitter) deliver(sub subscription, endpoint string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				zap.Stringer("event", sub.event),
				zap.String("endpoint", endpoint),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(endpoint)
}
