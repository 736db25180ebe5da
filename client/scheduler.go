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
	"sync"
	"time"

	"github.com/alwitt/ratingrelay/common"
)

// RetryScheduler schedules the delayed reconnect attempt
type RetryScheduler interface {
	// Schedule call fire once after delay. Replaces any pending call.
	Schedule(delay time.Duration, fire func()) error
	// Cancel drop the pending call, if any
	Cancel() error
}

// timerRetryScheduler RetryScheduler backed by a one-shot IntervalTimer
type timerRetryScheduler struct {
	timer common.IntervalTimer
}

// GetTimerRetryScheduler define a RetryScheduler running on wall clock time
func GetTimerRetryScheduler(
	name string, rootCtxt context.Context, wg *sync.WaitGroup,
) (RetryScheduler, error) {
	timer, err := common.GetIntervalTimerInstance(name, rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &timerRetryScheduler{timer: timer}, nil
}

// Schedule call fire once after delay
func (s *timerRetryScheduler) Schedule(delay time.Duration, fire func()) error {
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return s.timer.Start(delay, func() error {
		fire()
		return nil
	}, true)
}

// Cancel drop the pending call
func (s *timerRetryScheduler) Cancel() error {
	return s.timer.Stop()
}
