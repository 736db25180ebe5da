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
	"sync"
	"time"

	"github.com/alwitt/ratingrelay/common"
	"github.com/apex/log"
)

// StartHeartbeat periodically queue a keep-alive on every live connection. Connections
// which can no longer accept writes are pruned from the registry.
//
// The heartbeat stops when the context ends, or when the returned timer is stopped.
func StartHeartbeat(
	ctxt context.Context,
	instance string,
	registry *Registry,
	interval time.Duration,
	wg *sync.WaitGroup,
) (common.IntervalTimer, error) {
	logTags := log.Fields{
		"module": "relay", "component": "heartbeat", "instance": instance,
	}
	timer, err := common.GetIntervalTimerInstance(instance+".heartbeat", ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat timer")
		return nil, err
	}
	beat := func() error {
		alive := registry.ForEachLive(func(conn Connection) error {
			return conn.Ping()
		})
		log.WithFields(logTags).Debugf("Heartbeat reached %d connections", alive)
		return nil
	}
	if err := timer.Start(interval, beat, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start heartbeat timer")
		return nil, err
	}
	return timer, nil
}
