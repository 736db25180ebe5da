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
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrReceiveOnly the transport can not carry client emitted events
var ErrReceiveOnly = errors.New("transport is receive only")

// EventStream an open connection to the relay
type EventStream interface {
	// Next block until the next message arrives. Returns an error once the stream ends.
	Next() ([]byte, error)
	// Send emit a message to the relay
	Send(raw []byte) error
	// Close the stream. Pending and future Next calls fail.
	Close() error
}

// Transport opens EventStreams to a relay
type Transport interface {
	// Open connect to the relay event stream at relayURL
	Open(ctx context.Context, relayURL string) (EventStream, error)
}

// GetTransport define the transport for a binding name: "sse" or "socket"
func GetTransport(binding string) (Transport, error) {
	switch binding {
	case "sse":
		return NewSSETransport(nil), nil
	case "socket":
		return NewWebSocketTransport(nil), nil
	default:
		return nil, fmt.Errorf("unknown transport binding %s", binding)
	}
}

// SocketURL convert a relay event stream URL into the matching socket URL
func SocketURL(relayURL string) (string, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	if strings.HasSuffix(parsed.Path, "/events") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/events") + "/socket"
	}
	return parsed.String(), nil
}
