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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ratingrelay/common"
	"github.com/alwitt/ratingrelay/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// bridgeEnvelope an event in flight between relay instances
type bridgeEnvelope struct {
	// Source is the relay instance which accepted the event
	Source string `json:"source" validate:"required"`
	// Origin is the ID of the connection which emitted the event
	Origin string `json:"origin"`
	// Event is the event being relayed
	Event common.Event `json:"event" validate:"required"`
}

// natsBridgeBroadcaster implements Broadcaster by sharing every event with all relay
// instances through a NATS subject. Each instance, this one included, delivers the events
// it receives from the subject to its local connections.
type natsBridgeBroadcaster struct {
	common.Component
	instance     string
	subject      string
	nats         *core.NatsClient
	local        Broadcaster
	validate     *validator.Validate
	subscription *nats.Subscription
	ctxt         context.Context
}

const subscribeFlushTimeout = time.Second * 5

// GetNATSBridgeBroadcaster define a Broadcaster which fans out through NATS
//
// The subscription to the NATS subject ends when the context ends.
func GetNATSBridgeBroadcaster(
	ctxt context.Context,
	instance string,
	subject string,
	natsClient *core.NatsClient,
	local Broadcaster,
	wg *sync.WaitGroup,
) (Broadcaster, error) {
	logTags := log.Fields{
		"module":    "relay",
		"component": "nats-bridge",
		"instance":  instance,
		"subject":   subject,
	}
	bridge := &natsBridgeBroadcaster{
		Component: common.Component{LogTags: logTags},
		instance:  instance,
		subject:   subject,
		nats:      natsClient,
		local:     local,
		validate:  validator.New(),
		ctxt:      ctxt,
	}
	sub, err := natsClient.NATs().Subscribe(subject, bridge.receive)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to subscribe to %s", subject)
		return nil, err
	}
	// The subscription must reach the server before the bridge is usable
	if err := natsClient.NATs().FlushTimeout(subscribeFlushTimeout); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to flush subscription to %s", subject)
		_ = sub.Unsubscribe()
		return nil, err
	}
	bridge.subscription = sub
	// Handler to automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		if err := bridge.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Error occurred when unsubscribing from %s", subject,
			)
		}
		log.WithFields(logTags).Infof("Unsubscribed from %s", subject)
	}()
	return bridge, nil
}

// receive process an envelope published by a relay instance
func (b *natsBridgeBroadcaster) receive(msg *nats.Msg) {
	var envelope bridgeEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to read envelope: %s", msg.Data)
		return
	}
	if err := b.validate.Struct(&envelope); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Invalid envelope: %s", msg.Data)
		return
	}
	log.WithFields(b.LogTags).Debugf("Received %s from %s", envelope.Event, envelope.Source)
	b.local.Broadcast(b.ctxt, envelope.Event, envelope.Origin)
}

// Broadcast publish the event to all relay instances
func (b *natsBridgeBroadcaster) Broadcast(ctx context.Context, event common.Event, origin string) {
	envelope := bridgeEnvelope{Source: b.instance, Origin: origin, Event: event}
	if event.Data == nil {
		envelope.Event.Data = map[string]interface{}{}
	}
	payload, err := json.Marshal(&envelope)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to serialize %s", event)
		return
	}
	if err := b.publish(payload); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to publish %s, delivering locally only", event,
		)
		b.local.Broadcast(ctx, event, origin)
	}
}

func (b *natsBridgeBroadcaster) publish(payload []byte) error {
	if !b.nats.NATs().IsConnected() {
		return fmt.Errorf("not connected to NATS server")
	}
	return b.nats.NATs().Publish(b.subject, payload)
}
