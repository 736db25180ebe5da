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
	"sort"
	"sync"

	"github.com/alwitt/ratingrelay/common"
	"github.com/alwitt/ratingrelay/metrics"
	"github.com/apex/log"
)

// ConnectionVisitor function applied to a live connection. Returning an error marks the
// connection as dead.
type ConnectionVisitor func(conn Connection) error

// Registry the set of currently connected clients
type Registry struct {
	common.Component
	lock    sync.RWMutex
	conns   map[string]Connection
	metrics *metrics.RelayMetrics
}

// NewRegistry define a new connection registry
func NewRegistry(instance string, relayMetrics *metrics.RelayMetrics) *Registry {
	logTags := log.Fields{
		"module": "relay", "component": "connection-registry", "instance": instance,
	}
	return &Registry{
		Component: common.Component{LogTags: logTags},
		conns:     make(map[string]Connection),
		metrics:   relayMetrics,
	}
}

// Register add a connection. Registering the same connection again is a no-op.
//
// Returns whether the connection was added.
func (r *Registry) Register(conn Connection) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.conns[conn.ID()]; ok {
		return false
	}
	r.conns[conn.ID()] = conn
	r.metrics.ConnectionRegistered(string(conn.Info().Transport))
	log.WithFields(r.LogTags).Debugf("Registered connection %s (%d live)", conn.ID(), len(r.conns))
	return true
}

// Unregister remove a connection. Removing an absent connection is a no-op.
//
// Returns whether the connection was removed.
func (r *Registry) Unregister(conn Connection) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.conns[conn.ID()]; !ok {
		return false
	}
	delete(r.conns, conn.ID())
	r.metrics.ConnectionUnregistered(string(conn.Info().Transport))
	log.WithFields(r.LogTags).Debugf("Unregistered connection %s (%d live)", conn.ID(), len(r.conns))
	return true
}

// Count number of live connections
func (r *Registry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.conns)
}

// Get fetch a live connection by ID
func (r *Registry) Get(id string) (Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Snapshot metadata of all live connections, oldest first
func (r *Registry) Snapshot() []ConnectionInfo {
	r.lock.RLock()
	result := make([]ConnectionInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		result = append(result, conn.Info())
	}
	r.lock.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].ConnectedAt == result[j].ConnectedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].ConnectedAt < result[j].ConnectedAt
	})
	return result
}

// ForEachLive apply the visitor to every live connection. A connection for which the
// visitor fails is closed and unregistered before the iteration moves on.
//
// Returns the number of connections the visitor succeeded on.
func (r *Registry) ForEachLive(visitor ConnectionVisitor) int {
	r.lock.RLock()
	live := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		live = append(live, conn)
	}
	r.lock.RUnlock()

	success := 0
	for _, conn := range live {
		if err := r.visit(conn, visitor); err != nil {
			log.WithError(err).WithFields(r.LogTags).Infof("Pruning connection %s", conn.ID())
			conn.Close()
			r.Unregister(conn)
			continue
		}
		success++
	}
	return success
}

// visit apply the visitor to one connection, converting a panic into an error
func (r *Registry) visit(conn Connection, visitor ConnectionVisitor) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("visitor panicked: %v", recovered)
		}
	}()
	return visitor(conn)
}
