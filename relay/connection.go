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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/ratingrelay/common"
	"github.com/google/uuid"
)

// TransportKind the transport binding of a connection
type TransportKind string

const (
	// TransportSSE long lived streamed HTTP response
	TransportSSE TransportKind = "sse"
	// TransportSocket bidirectional WebSocket
	TransportSocket TransportKind = "socket"
)

// ErrConnectionClosed returned when writing to a connection which already closed
var ErrConnectionClosed = errors.New("connection closed")

// ErrSendQueueFull returned when a connection can not keep up with the events sent to it
var ErrSendQueueFull = errors.New("connection send queue full")

// ErrConnectionStalled returned when a write to a connection has not completed within
// the write timeout
var ErrConnectionStalled = errors.New("connection write stalled")

// ConnectionInfo metadata of one connection
type ConnectionInfo struct {
	// ID is the connection ID
	ID string `json:"id"`
	// Transport is the transport binding used
	Transport TransportKind `json:"transport"`
	// RemoteAddr is the client address
	RemoteAddr string `json:"remoteAddr"`
	// ConnectedAt is when the connection opened, in ms since epoch
	ConnectedAt int64 `json:"connectedAt"`
	// Sequence is the number of events queued to the connection
	Sequence uint64 `json:"sequence"`
}

// Connection one live client attachment
type Connection interface {
	// ID the connection ID
	ID() string
	// Info the connection metadata
	Info() ConnectionInfo
	// Send queue one encoded event for delivery. This never blocks; a connection which
	// is closed or can not keep up returns an error.
	Send(payload []byte) error
	// Ping queue a keep-alive. A connection with a write stuck for longer than the
	// write timeout is closed instead.
	Ping() error
	// Close the connection. Safe to call multiple times.
	Close()
	// Done channel which is closed once the connection closes
	Done() <-chan struct{}
}

// ConnectionParams per connection parameters
type ConnectionParams struct {
	// SendBufferSize is the number of outbound messages which can be queued
	SendBufferSize int
	// WriteTimeout is the max duration of one write. Zero disables the stall check.
	WriteTimeout time.Duration
}

// outbound one queued outbound message
type outbound struct {
	payload []byte
	ping    bool
}

// queuedConnection common base of the transport bindings. Outbound messages are queued
// and written by a single writer, giving per connection FIFO delivery.
type queuedConnection struct {
	id          string
	transport   TransportKind
	remoteAddr  string
	connectedAt time.Time
	sequence    uint64
	queue       chan outbound
	done        chan struct{}
	closeOnce   sync.Once

	// writeStart is when the in-flight write began in unix ns, zero when idle
	writeStart   int64
	writeTimeout time.Duration
	clock        common.Clock
}

func newQueuedConnection(
	transport TransportKind, remoteAddr string, params ConnectionParams, now time.Time,
) *queuedConnection {
	bufferSize := params.SendBufferSize
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &queuedConnection{
		id:           uuid.NewString(),
		transport:    transport,
		remoteAddr:   remoteAddr,
		connectedAt:  now,
		queue:        make(chan outbound, bufferSize),
		done:         make(chan struct{}),
		writeTimeout: params.WriteTimeout,
		clock:        time.Now,
	}
}

// ID the connection ID
func (c *queuedConnection) ID() string {
	return c.id
}

// Info the connection metadata
func (c *queuedConnection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:          c.id,
		Transport:   c.transport,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: common.EpochMillis(c.connectedAt),
		Sequence:    atomic.LoadUint64(&c.sequence),
	}
}

func (c *queuedConnection) enqueue(msg outbound) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		c.Close()
		return ErrSendQueueFull
	}
}

// Send queue one encoded event for delivery
func (c *queuedConnection) Send(payload []byte) error {
	if err := c.enqueue(outbound{payload: payload}); err != nil {
		return err
	}
	atomic.AddUint64(&c.sequence, 1)
	return nil
}

// Ping queue a keep-alive
func (c *queuedConnection) Ping() error {
	if c.stalled() {
		c.Close()
		return ErrConnectionStalled
	}
	return c.enqueue(outbound{ping: true})
}

func (c *queuedConnection) stalled() bool {
	if c.writeTimeout <= 0 {
		return false
	}
	started := atomic.LoadInt64(&c.writeStart)
	if started == 0 {
		return false
	}
	return c.clock().Sub(time.Unix(0, started)) > c.writeTimeout
}

// Close the connection
func (c *queuedConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done channel which is closed once the connection closes
func (c *queuedConnection) Done() <-chan struct{} {
	return c.done
}

// pump drain the outbound queue through the writer until the connection or the context
// closes, or a write fails. The connection is always closed on return.
func (c *queuedConnection) pump(ctx context.Context, write func(outbound) error) error {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case msg := <-c.queue:
			atomic.StoreInt64(&c.writeStart, c.clock().UnixNano())
			err := write(msg)
			atomic.StoreInt64(&c.writeStart, 0)
			if err != nil {
				return err
			}
		}
	}
}
