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
	"testing"
	"time"

	"github.com/alwitt/ratingrelay/common"
	"github.com/alwitt/ratingrelay/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

// startTestNATSServer run an embedded NATS server for the duration of a test
func startTestNATSServer(t *testing.T) *server.Server {
	opts := &server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("unable to define NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(time.Second * 5) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSBridgeFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ns := startTestNATSServer(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{
		"module": "relay_test", "component": "nats-bridge", "instance": "fan-out",
	}
	natsParam := core.NATSConnectParams{
		ServerURI:           ns.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Reconnected with NATs server")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}

	// Two relay instances, each with its own NATS client and registry
	type instance struct {
		registry *Registry
		bridge   Broadcaster
	}
	defineInstance := func(name string) instance {
		client, err := core.GetNATSClient(natsParam)
		assert.Nil(err)
		t.Cleanup(func() {
			closeCtxt, closeCancel := context.WithTimeout(context.Background(), time.Second)
			defer closeCancel()
			assert.Nil(client.Close(closeCtxt))
		})
		assert.Eventually(func() bool {
			return client.NATs().IsConnected()
		}, time.Second*2, time.Millisecond*10)
		registry := NewRegistry(name, nil)
		local := GetLocalBroadcaster(name, registry, true, nil)
		bridge, err := GetNATSBridgeBroadcaster(utCtxt, name, "ut.ratingrelay.events", client, local, &wg)
		assert.Nil(err)
		return instance{registry: registry, bridge: bridge}
	}
	relay1 := defineInstance("relay-1")
	relay2 := defineInstance("relay-2")

	sender := newFakeConnection()
	peer1 := newFakeConnection()
	peer2 := newFakeConnection()
	relay1.registry.Register(sender)
	relay1.registry.Register(peer1)
	relay2.registry.Register(peer2)

	evt := common.NewEvent(
		common.EventRatingStatsUpdated,
		"m7",
		map[string]interface{}{"averageRating": 3.5, "totalRatings": float64(12)},
		time.Now(),
	)
	relay1.bridge.Broadcast(utCtxt, evt, sender.ID())

	assert.Eventually(func() bool {
		return len(peer1.payloads()) == 1 && len(peer2.payloads()) == 1
	}, time.Second*2, time.Millisecond*10)
	// The sender is still excluded even though the event went through NATS
	assert.Len(sender.payloads(), 0)

	if !assert.Len(peer2.payloads(), 1) {
		return
	}
	validate := validator.New()
	parsed, err := common.DecodeEvent(peer2.payloads()[0], validate)
	assert.Nil(err)
	assert.Equal(evt.Type, parsed.Type)
	assert.Equal(evt.MovieID, parsed.MovieID)
	assert.Equal(evt.Data, parsed.Data)
	assert.Equal(evt.Timestamp, parsed.Timestamp)

	// A freshly started instance receives events published right after it starts
	for itr := 0; itr < 10; itr++ {
		fresh := defineInstance(fmt.Sprintf("relay-fresh-%d", itr))
		watcher := newFakeConnection()
		fresh.registry.Register(watcher)
		relay1.bridge.Broadcast(
			utCtxt,
			common.NewEvent(common.EventTest, "m8", nil, time.Now()),
			sender.ID(),
		)
		assert.Eventually(func() bool {
			return len(watcher.payloads()) == 1
		}, time.Second*2, time.Millisecond*10, "instance %d", itr)
	}
}
