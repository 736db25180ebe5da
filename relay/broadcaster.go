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

package relay

import (
	"context"

	"github.com/alwitt/ratingrelay/common"
	"github.com/alwitt/ratingrelay/metrics"
	"github.com/apex/log"
)

// Broadcaster fans out events to the live connections
type Broadcaster interface {
	// Broadcast deliver an event to the live connections. The origin is the ID of the
	// connection which emitted the event, or empty if there is none.
	//
	// Delivery failures are handled per connection, and never reported to the caller.
	Broadcast(ctx context.Context, event common.Event, origin string)
}

// localBroadcaster implements Broadcaster against a local connection registry
type localBroadcaster struct {
	common.Component
	registry      *Registry
	excludeSender bool
	metrics       *metrics.RelayMetrics
}

// GetLocalBroadcaster define a Broadcaster delivering to the connections in a registry
//
// If excludeSender is set, an event is not delivered back to its origin connection.
func GetLocalBroadcaster(
	instance string,
	registry *Registry,
	excludeSender bool,
	relayMetrics *metrics.RelayMetrics,
) Broadcaster {
	logTags := log.Fields{
		"module": "relay", "component": "broadcaster", "instance": instance,
	}
	return &localBroadcaster{
		Component:     common.Component{LogTags: logTags},
		registry:      registry,
		excludeSender: excludeSender,
		metrics:       relayMetrics,
	}
}

// Broadcast deliver an event to the live connections
func (b *localBroadcaster) Broadcast(_ context.Context, event common.Event, origin string) {
	payload, err := event.Encode()
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to serialize %s", event)
		return
	}
	skipped := 0
	failed := 0
	delivered := b.registry.ForEachLive(func(conn Connection) error {
		if b.excludeSender && origin != "" && conn.ID() == origin {
			skipped++
			return nil
		}
		if err := conn.Send(payload); err != nil {
			failed++
			return err
		}
		return nil
	})
	delivered -= skipped
	b.metrics.Broadcast(string(event.Type), delivered, failed)
	log.WithFields(b.LogTags).Debugf("Broadcast %s to %d connections", event, delivered)
}
