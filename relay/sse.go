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
	"net/http"
	"time"
)

// SSEConnection connection over a long lived streamed HTTP response, using the
// server-sent events framing
type SSEConnection struct {
	*queuedConnection
	writer  http.ResponseWriter
	flusher http.Flusher
}

// NewSSEConnection define a new SSE connection over a HTTP response
func NewSSEConnection(
	w http.ResponseWriter, remoteAddr string, params ConnectionParams, now time.Time,
) (*SSEConnection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &SSEConnection{
		queuedConnection: newQueuedConnection(TransportSSE, remoteAddr, params, now),
		writer:           w,
		flusher:          flusher,
	}, nil
}

// Open send the response headers, opening the stream
func (c *SSEConnection) Open() {
	c.writer.Header().Set("Content-Type", "text/event-stream")
	c.writer.Header().Set("Cache-Control", "no-cache")
	c.writer.Header().Set("Connection", "keep-alive")
	c.writer.Header().Set("X-Accel-Buffering", "no")
	c.writer.WriteHeader(http.StatusOK)
	c.flusher.Flush()
}

// Run write queued events to the stream until the context ends, the connection closes,
// or a write fails
func (c *SSEConnection) Run(ctx context.Context) error {
	return c.pump(ctx, func(msg outbound) error {
		var err error
		if msg.ping {
			_, err = fmt.Fprint(c.writer, ": ping\n\n")
		} else {
			_, err = fmt.Fprintf(c.writer, "data: %s\n\n", msg.payload)
		}
		if err != nil {
			return err
		}
		c.flusher.Flush()
		return nil
	})
}
