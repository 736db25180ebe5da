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
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// maxInboundMessageSize max size of one client emitted message
const maxInboundMessageSize = 64 * 1024

// InboundHandler callback processing one message emitted by a socket client
type InboundHandler func(raw []byte)

// SocketConnection connection over a bidirectional WebSocket
type SocketConnection struct {
	*queuedConnection
	ws           *websocket.Conn
	writeTimeout time.Duration
	limiter      *rate.Limiter
}

// NewSocketConnection define a new connection over an upgraded WebSocket
//
// Inbound messages exceeding the limiter are dropped. A nil limiter admits everything.
func NewSocketConnection(
	ws *websocket.Conn,
	remoteAddr string,
	params ConnectionParams,
	limiter *rate.Limiter,
	now time.Time,
) *SocketConnection {
	writeTimeout := params.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = time.Second * 10
	}
	ws.SetReadLimit(maxInboundMessageSize)
	return &SocketConnection{
		queuedConnection: newQueuedConnection(TransportSocket, remoteAddr, params, now),
		ws:               ws,
		writeTimeout:     writeTimeout,
		limiter:          limiter,
	}
}

// Run operate the socket until the context ends, the peer disconnects, or a write fails.
//
// Inbound messages are passed to onInbound; messages refused by the rate limiter are
// passed to onDropped.
func (c *SocketConnection) Run(
	ctx context.Context, onInbound InboundHandler, onDropped InboundHandler,
) error {
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer c.Close()
		for {
			msgType, data, err := c.ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			if c.limiter != nil && !c.limiter.Allow() {
				onDropped(data)
				continue
			}
			onInbound(data)
		}
	}()

	err := c.pump(ctx, func(msg outbound) error {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
		if msg.ping {
			return c.ws.WriteMessage(websocket.PingMessage, nil)
		}
		return c.ws.WriteMessage(websocket.TextMessage, msg.payload)
	})

	// Best effort close handshake, then release the reader
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = c.ws.Close()
	<-readerDone
	return err
}
