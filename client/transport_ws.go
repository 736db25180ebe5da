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
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const socketWriteTimeout = time.Second * 10

// WebSocketTransport Transport over a bidirectional WebSocket
type WebSocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebSocketTransport define a WebSocket transport. A nil dialer uses
// websocket.DefaultDialer.
func NewWebSocketTransport(dialer *websocket.Dialer) *WebSocketTransport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocketTransport{dialer: dialer}
}

// Open connect to the relay socket. relayURL may be the event stream URL, in which
// case the matching socket URL is used.
func (t *WebSocketTransport) Open(ctx context.Context, relayURL string) (EventStream, error) {
	target, err := SocketURL(relayURL)
	if err != nil {
		return nil, err
	}
	ws, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	stream := &socketStream{ws: ws, done: make(chan struct{})}
	// The dial context only bounds the handshake; cancelling it later ends the stream
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-stream.done:
		}
	}()
	return stream, nil
}

// socketStream EventStream over a WebSocket
type socketStream struct {
	ws        *websocket.Conn
	writeLock sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Next read the next text message
func (s *socketStream) Next() ([]byte, error) {
	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Send write a text message
func (s *socketStream) Send(raw []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, raw)
}

// Close the stream, with a best effort close handshake
func (s *socketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeLock.Lock()
		_ = s.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeLock.Unlock()
		err = s.ws.Close()
	})
	return err
}
