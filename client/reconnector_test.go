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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/ratingrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

// fakeScheduler RetryScheduler which only fires when told to
type fakeScheduler struct {
	lock    sync.Mutex
	delays  []time.Duration
	pending func()
	cancels int
}

func (s *fakeScheduler) Schedule(delay time.Duration, fire func()) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.delays = append(s.delays, delay)
	s.pending = fire
	return nil
}

func (s *fakeScheduler) Cancel() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pending = nil
	s.cancels++
	return nil
}

func (s *fakeScheduler) cancelCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cancels
}

func (s *fakeScheduler) takePending() func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	fire := s.pending
	s.pending = nil
	return fire
}

// fireNext run the pending call. Returns false if there is none.
func (s *fakeScheduler) fireNext() bool {
	fire := s.takePending()
	if fire == nil {
		return false
	}
	fire()
	return true
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]time.Duration, len(s.delays))
	copy(result, s.delays)
	return result
}

// fakeStream in-memory EventStream
type fakeStream struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	lock      sync.Mutex
	sent      [][]byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Next() ([]byte, error) {
	select {
	case msg := <-s.incoming:
		return msg, nil
	case <-s.closed:
		return nil, errors.New("stream closed")
	}
}

func (s *fakeStream) Send(raw []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sent = append(s.sent, raw)
	return nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) sentMessages() [][]byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([][]byte, len(s.sent))
	copy(result, s.sent)
	return result
}

// fakeTransport Transport which fails a set number of opens before succeeding
type fakeTransport struct {
	lock       sync.Mutex
	opens      int
	failures   int
	alwaysFail bool
	streams    []*fakeStream
}

func (t *fakeTransport) Open(_ context.Context, _ string) (EventStream, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.opens++
	if t.alwaysFail {
		return nil, errors.New("relay unreachable")
	}
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("relay unreachable")
	}
	stream := newFakeStream()
	t.streams = append(t.streams, stream)
	return stream, nil
}

func (t *fakeTransport) openCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.opens
}

func (t *fakeTransport) setAlwaysFail(fail bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.alwaysFail = fail
}

func (t *fakeTransport) latestStream() *fakeStream {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

func waitForState(
	assert *assert.Assertions, uut *Reconnector, status Status, attempts int,
) {
	assert.Eventually(func() bool {
		state := uut.State()
		return state.Status == status && state.Attempts == attempts
	}, time.Second*5, time.Millisecond*5, "expected %s with %d attempts", status, attempts)
}

func TestReconnectorBackoff(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	baseDelay := time.Millisecond * 250
	scheduler := &fakeScheduler{}
	transport := &fakeTransport{alwaysFail: true}
	uut, err := GetReconnector("ut-backoff", ReconnectorParams{
		RelayURL:    "http://relay.test/api/realtime/events",
		Transport:   transport,
		Bus:         NewEventBus("ut-backoff"),
		MaxAttempts: 5,
		BaseDelay:   baseDelay,
		Scheduler:   scheduler,
	}, utCtxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop(utCtxt))
	}()
	assert.Equal(StatusDisconnected, uut.State().Status)

	// Case 0: every failure schedules a retry with double the delay
	assert.Nil(uut.Connect(utCtxt))
	for attempt := 1; attempt <= 5; attempt++ {
		waitForState(assert, uut, StatusBackoff, attempt)
		delays := scheduler.scheduled()
		assert.Len(delays, attempt)
		assert.Equal(baseDelay*time.Duration(1<<(attempt-1)), delays[attempt-1])
		assert.NotNil(uut.State().LastError)
		assert.True(scheduler.fireNext())
	}

	// Case 1: the failure after the last attempt is terminal
	waitForState(assert, uut, StatusFailed, 5)
	assert.Equal(
		[]time.Duration{
			baseDelay, baseDelay * 2, baseDelay * 4, baseDelay * 8, baseDelay * 16,
		},
		scheduler.scheduled(),
	)
	assert.False(scheduler.fireNext())
	assert.Equal(6, transport.openCount())
	assert.NotNil(uut.State().LastError)

	// Case 2: connect resumes from the failed state with a fresh counter
	assert.Nil(uut.Connect(utCtxt))
	waitForState(assert, uut, StatusBackoff, 1)
	assert.Equal(7, transport.openCount())
	assert.Equal(baseDelay, scheduler.scheduled()[5])

	// Case 3: connect while waiting on a retry is a no-op
	assert.Nil(uut.Connect(utCtxt))
	assert.Equal(7, transport.openCount())
	waitForState(assert, uut, StatusBackoff, 1)

	// Case 4: a successful retry resets the counter
	transport.setAlwaysFail(false)
	assert.True(scheduler.fireNext())
	waitForState(assert, uut, StatusConnected, 0)
	assert.Nil(uut.State().LastError)
	assert.Equal(8, transport.openCount())
}

func TestReconnectorSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	statusLock := sync.Mutex{}
	statuses := []Status{}

	bus := NewEventBus("ut-session")
	received := make(chan common.Event, 8)
	bus.Subscribe(string(common.EventRatingUpdated), func(evt common.Event) {
		received <- evt
	})

	baseDelay := time.Second
	scheduler := &fakeScheduler{}
	transport := &fakeTransport{failures: 1}
	uut, err := GetReconnector("ut-session", ReconnectorParams{
		RelayURL:    "http://relay.test/api/realtime/events",
		Transport:   transport,
		Bus:         bus,
		MaxAttempts: 3,
		BaseDelay:   baseDelay,
		Scheduler:   scheduler,
		OnStatusChange: func(state SessionState) {
			statusLock.Lock()
			defer statusLock.Unlock()
			statuses = append(statuses, state.Status)
		},
	}, utCtxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop(utCtxt))
	}()

	// Case 0: emit is rejected while not connected
	assert.Equal(
		ErrNotConnected,
		uut.Emit(utCtxt, common.NewEvent(common.EventTest, "m1", nil, time.Now())),
	)

	// Case 1: connect after one failed open
	assert.Nil(uut.Connect(utCtxt))
	waitForState(assert, uut, StatusBackoff, 1)
	assert.True(scheduler.fireNext())
	waitForState(assert, uut, StatusConnected, 0)
	stream := transport.latestStream()
	assert.NotNil(stream)
	statusLock.Lock()
	assert.Equal(
		[]Status{StatusConnecting, StatusBackoff, StatusConnecting, StatusConnected}, statuses,
	)
	statusLock.Unlock()

	// Case 2: connect while connected is a no-op
	assert.Nil(uut.Connect(utCtxt))
	assert.Equal(2, transport.openCount())

	// Case 3: received events are published, malformed ones dropped
	{
		stream.incoming <- []byte("garbage")
		stream.incoming <- []byte(`{"type": "rating-updated", "movieId": "m1", "data": {"rating": 4}, "timestamp": 10}`)
		select {
		case evt := <-received:
			assert.Equal(common.EventRatingUpdated, evt.Type)
			assert.Equal("m1", evt.MovieID)
			assert.Equal(float64(4), evt.Data["rating"])
			assert.Equal(int64(10), evt.Timestamp)
		case <-time.After(time.Second * 5):
			assert.Fail("event not published")
		}
		assert.Equal(StatusConnected, uut.State().Status)
	}

	// Case 4: emit goes out on the stream
	{
		evt := common.NewEvent(common.EventTest, "m2", map[string]interface{}{"k": "v"}, time.Now())
		assert.Nil(uut.Emit(utCtxt, evt))
		sent := stream.sentMessages()
		assert.Len(sent, 1)
		decoded, err := common.DecodeEvent(sent[0], validator.New())
		assert.Nil(err)
		assert.Equal(evt, decoded)
	}

	// Case 5: losing the stream starts the backoff over
	{
		assert.Nil(stream.Close())
		waitForState(assert, uut, StatusBackoff, 1)
		delays := scheduler.scheduled()
		assert.Equal([]time.Duration{baseDelay, baseDelay}, delays)
	}

	// Case 6: disconnect drops the pending retry
	{
		stale := scheduler.takePending()
		assert.NotNil(stale)
		assert.Nil(uut.Disconnect(utCtxt))
		waitForState(assert, uut, StatusDisconnected, 0)
		assert.GreaterOrEqual(scheduler.cancelCount(), 1)
		stale()
		time.Sleep(time.Millisecond * 50)
		assert.Equal(StatusDisconnected, uut.State().Status)
		assert.Equal(2, transport.openCount())
		// Repeat is a no-op
		assert.Nil(uut.Disconnect(utCtxt))
		assert.Equal(StatusDisconnected, uut.State().Status)
	}
}

func TestReconnectorParamValidation(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	_, err := GetReconnector("ut-params", ReconnectorParams{
		RelayURL: "http://relay.test", Bus: NewEventBus("ut"), BaseDelay: time.Second,
	}, utCtxt)
	assert.NotNil(err)

	_, err = GetReconnector("ut-params", ReconnectorParams{
		RelayURL: "http://relay.test", Transport: &fakeTransport{}, Bus: NewEventBus("ut"),
	}, utCtxt)
	assert.NotNil(err)
}
