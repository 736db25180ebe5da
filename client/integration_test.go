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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/ratingrelay/apis"
	"github.com/alwitt/ratingrelay/common"
	"github.com/alwitt/ratingrelay/relay"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// testRelay relay server for testing the client against
type testRelay struct {
	server      *httptest.Server
	registry    *relay.Registry
	broadcaster relay.Broadcaster
	cancel      context.CancelFunc
}

func (r *testRelay) eventsURL() string {
	return fmt.Sprintf("%s/api/realtime/events", r.server.URL)
}

func startTestRelay(t *testing.T, instance string) *testRelay {
	config := &common.RelayServerConfig{
		HTTPSetting: common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Ratingrelay-Request-ID"},
		},
		Endpoints: common.RelayEndpointConfig{PathPrefix: "/", MetricsPath: "/metrics"},
		Connection: common.RelayConnectionConfig{
			SendBufferSize:    16,
			WriteTimeout:      5,
			HeartbeatInterval: 30,
			InboundRateLimit:  100,
			InboundBurst:      100,
		},
		ExcludeSender: true,
	}
	registry := relay.NewRegistry(instance, nil)
	broadcaster := relay.GetLocalBroadcaster(instance, registry, true, nil)
	ctxt, cancel := context.WithCancel(context.Background())
	handler, err := apis.GetAPIRestRelayHandler(
		ctxt, instance, config, registry, broadcaster, nil, nil, nil,
	)
	if err != nil {
		t.Fatalf("unable to define relay handler: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/realtime/events", handler.StreamEventsHandler())
	mux.HandleFunc("/api/realtime/socket", handler.SocketHandler())
	result := &testRelay{
		server:      httptest.NewServer(mux),
		registry:    registry,
		broadcaster: broadcaster,
		cancel:      cancel,
	}
	t.Cleanup(func() {
		cancel()
		result.server.Close()
	})
	return result
}

// subscribeChan forward events of one kind into a channel
func subscribeChan(bus *EventBus, kind common.EventType) chan common.Event {
	events := make(chan common.Event, 16)
	bus.Subscribe(string(kind), func(evt common.Event) {
		events <- evt
	})
	return events
}

func waitForEvent(assert *assert.Assertions, events chan common.Event) (common.Event, bool) {
	select {
	case evt := <-events:
		return evt, true
	case <-time.After(time.Second * 5):
		assert.Fail("no event received")
		return common.Event{}, false
	}
}

func TestClientOverSSE(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := startTestRelay(t, "ut-client-sse")

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	bus := NewEventBus("ut-client-sse")
	connected := subscribeChan(bus, common.EventConnected)
	ratings := subscribeChan(bus, common.EventRatingUpdated)

	uut, err := GetReconnector("ut-client-sse", ReconnectorParams{
		RelayURL:    server.eventsURL(),
		Transport:   NewSSETransport(nil),
		Bus:         bus,
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond * 20,
	}, utCtxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop(utCtxt))
	}()

	// Case 0: connect, the relay acknowledges
	assert.Nil(uut.Connect(utCtxt))
	ack, ok := waitForEvent(assert, connected)
	assert.True(ok)
	assert.Equal(float64(1), ack.Data["connectedClients"])
	connID, _ := ack.Data["connectionId"].(string)
	assert.Equal(StatusConnected, uut.State().Status)

	// Case 1: a broadcast round trips unchanged
	{
		data := map[string]interface{}{"rating": 4.5, "action": "update", "userId": "u1"}
		sent := common.NewEvent(common.EventRatingUpdated, "m1", data, time.Now())
		server.broadcaster.Broadcast(utCtxt, sent, "")
		evt, ok := waitForEvent(assert, ratings)
		assert.True(ok)
		assert.Equal(sent.Type, evt.Type)
		assert.Equal(sent.MovieID, evt.MovieID)
		assert.Equal(sent.Data, evt.Data)
		assert.Equal(sent.Timestamp, evt.Timestamp)
	}

	// Case 2: the relay dropping the connection triggers a reconnect
	{
		conn, ok := server.registry.Get(connID)
		assert.True(ok)
		conn.Close()
		ack, ok := waitForEvent(assert, connected)
		assert.True(ok)
		assert.NotEqual(connID, ack.Data["connectionId"])
		assert.Eventually(func() bool {
			state := uut.State()
			return state.Status == StatusConnected && state.Attempts == 0
		}, time.Second*5, time.Millisecond*10)
	}

	// Case 3: disconnect releases the server side connection
	assert.Nil(uut.Disconnect(utCtxt))
	assert.Eventually(func() bool {
		return server.registry.Count() == 0
	}, time.Second*5, time.Millisecond*10)
	assert.Equal(StatusDisconnected, uut.State().Status)
}

func TestClientOverSocket(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := startTestRelay(t, "ut-client-socket")

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	type peer struct {
		uut       *Reconnector
		connected chan common.Event
		tests     chan common.Event
	}
	peers := []peer{}
	for itr := 0; itr < 2; itr++ {
		bus := NewEventBus(fmt.Sprintf("ut-client-socket-%d", itr))
		p := peer{
			connected: subscribeChan(bus, common.EventConnected),
			tests:     subscribeChan(bus, common.EventTest),
		}
		uut, err := GetReconnector(fmt.Sprintf("ut-client-socket-%d", itr), ReconnectorParams{
			RelayURL:    server.eventsURL(),
			Transport:   NewWebSocketTransport(nil),
			Bus:         bus,
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond * 20,
		}, utCtxt)
		assert.Nil(err)
		p.uut = uut
		assert.Nil(uut.Connect(utCtxt))
		_, ok := waitForEvent(assert, p.connected)
		assert.True(ok)
		peers = append(peers, p)
	}
	defer func() {
		for _, p := range peers {
			assert.Nil(p.uut.Stop(utCtxt))
		}
	}()
	assert.Equal(2, server.registry.Count())

	// Case 0: an emitted event reaches the other peer only
	{
		emitted := common.NewEvent(
			common.EventTest, "m3", map[string]interface{}{"from": "peer-0"}, time.Now(),
		)
		assert.Nil(peers[0].uut.Emit(utCtxt, emitted))
		evt, ok := waitForEvent(assert, peers[1].tests)
		assert.True(ok)
		assert.Equal(emitted.MovieID, evt.MovieID)
		assert.Equal(emitted.Data, evt.Data)

		assert.Nil(peers[1].uut.Emit(utCtxt, common.NewEvent(
			common.EventTest, "m4", map[string]interface{}{"from": "peer-1"}, time.Now(),
		)))
		evt, ok = waitForEvent(assert, peers[0].tests)
		assert.True(ok)
		assert.Equal("m4", evt.MovieID)
	}
}
