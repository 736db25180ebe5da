// Copyright 2021-2022 The ratingrelay Authors
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

package client

import (
	"fmt"
	"sync"

	"github.com/alwitt/ratingrelay/common"
	"github.com/apex/log"
)

// AllTopics subscribes a handler to every event kind
const AllTopics = "*"

// EventHandler callback for an event published on the EventBus
type EventHandler func(evt common.Event)

// EventBus in-process publish / subscribe of relay events, keyed by event kind
type EventBus struct {
	common.Component
	lock        sync.RWMutex
	nextID      uint64
	subscribers map[string]map[uint64]EventHandler
}

// NewEventBus define a new event bus
func NewEventBus(instance string) *EventBus {
	logTags := log.Fields{"module": "client", "component": "event-bus", "instance": instance}
	return &EventBus{
		Component:   common.Component{LogTags: logTags},
		subscribers: make(map[string]map[uint64]EventHandler),
	}
}

// Subscribe register a handler for one event kind. Use AllTopics to receive every event.
//
// Returns a function which removes the subscription; calling it again is a no-op.
func (b *EventBus) Subscribe(topic string, handler EventHandler) func() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	id := b.nextID
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[uint64]EventHandler)
	}
	b.subscribers[topic][id] = handler
	return func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		if subs, ok := b.subscribers[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
}

// Publish deliver an event to the subscribers of its kind, and to those of AllTopics
//
// Handlers run in the caller's goroutine. Returns the number of handlers called.
func (b *EventBus) Publish(evt common.Event) int {
	b.lock.RLock()
	handlers := make([]EventHandler, 0)
	for _, topic := range []string{string(evt.Type), AllTopics} {
		for _, handler := range b.subscribers[topic] {
			handlers = append(handlers, handler)
		}
	}
	b.lock.RUnlock()

	for _, handler := range handlers {
		if err := b.dispatch(handler, evt); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Handler failed on %s", evt)
		}
	}
	return len(handlers)
}

func (b *EventBus) dispatch(handler EventHandler, evt common.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	handler(evt)
	return nil
}
