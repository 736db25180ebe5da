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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeConnection in-memory Connection for testing
type fakeConnection struct {
	id        string
	lock      sync.Mutex
	received  [][]byte
	pings     int
	sendError error
	panicOn   bool
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{id: uuid.NewString(), done: make(chan struct{})}
}

func (c *fakeConnection) ID() string {
	return c.id
}

func (c *fakeConnection) Info() ConnectionInfo {
	c.lock.Lock()
	defer c.lock.Unlock()
	return ConnectionInfo{
		ID:          c.id,
		Transport:   "fake",
		ConnectedAt: time.Now().UnixMilli(),
		Sequence:    uint64(len(c.received)),
	}
}

func (c *fakeConnection) Send(payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.panicOn {
		panic(fmt.Sprintf("connection %s exploded", c.id))
	}
	if c.sendError != nil {
		return c.sendError
	}
	c.received = append(c.received, payload)
	return nil
}

func (c *fakeConnection) Ping() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.sendError != nil {
		return c.sendError
	}
	c.pings++
	return nil
}

func (c *fakeConnection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *fakeConnection) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConnection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConnection) payloads() [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([][]byte, len(c.received))
	copy(result, c.received)
	return result
}

func (c *fakeConnection) pingCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pings
}

func (c *fakeConnection) failWith(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sendError = err
}
