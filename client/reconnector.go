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
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/ratingrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Status connection status of a Reconnector
type Status string

// Reconnector status values
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusBackoff      Status = "backoff"
	StatusFailed       Status = "failed"
)

// ErrNotConnected the Reconnector has no open stream
var ErrNotConnected = errors.New("not connected to relay")

// maxBackoffExponent bounds the retry delay growth
const maxBackoffExponent = 30

// SessionState client side relay session state
type SessionState struct {
	// Status is the connection status
	Status Status
	// Attempts is the number of reconnect attempts since the last successful open
	Attempts int
	// LastError is the most recent transport error
	LastError error
}

// StatusChangeHandler callback on Reconnector status change. It runs on the Reconnector
// event loop, so it must not block or call back into the Reconnector.
type StatusChangeHandler func(state SessionState)

// ReconnectorParams Reconnector parameters
type ReconnectorParams struct {
	// RelayURL is the URL of the relay event stream
	RelayURL string `validate:"required"`
	// Transport opens the streams
	Transport Transport `validate:"required"`
	// Bus is where the received events are published
	Bus *EventBus `validate:"required"`
	// MaxAttempts is the max number of reconnect attempts before giving up
	MaxAttempts int `validate:"gte=0"`
	// BaseDelay is the delay before the first reconnect attempt
	BaseDelay time.Duration `validate:"gt=0"`
	// Scheduler schedules the reconnect attempts. Uses wall clock time if nil.
	Scheduler RetryScheduler
	// OnStatusChange is called on every status change if set
	OnStatusChange StatusChangeHandler
}

// Reconnector maintains a connection to the relay, publishing the received events on an
// EventBus and reconnecting with capped exponential backoff.
type Reconnector struct {
	common.Component
	params    ReconnectorParams
	validate  *validator.Validate
	processor common.TaskProcessor
	wg        sync.WaitGroup
	ctxt      context.Context
	cancel    context.CancelFunc

	// Owned by the event loop
	state         SessionState
	generation    uint64
	stream        EventStream
	attemptCancel context.CancelFunc

	snapshotLock sync.RWMutex
	snapshot     SessionState
}

// GetReconnector define and start a new Reconnector. It starts disconnected.
func GetReconnector(
	instance string, params ReconnectorParams, parentCtxt context.Context,
) (*Reconnector, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "client", "component": "reconnector", "instance": instance,
	}
	ctxt, cancel := context.WithCancel(parentCtxt)
	r := &Reconnector{
		Component: common.Component{LogTags: logTags},
		params:    params,
		validate:  validate,
		ctxt:      ctxt,
		cancel:    cancel,
		state:     SessionState{Status: StatusDisconnected},
		snapshot:  SessionState{Status: StatusDisconnected},
	}
	if r.params.Scheduler == nil {
		scheduler, err := GetTimerRetryScheduler(
			fmt.Sprintf("%s-retry", instance), ctxt, &r.wg,
		)
		if err != nil {
			cancel()
			return nil, err
		}
		r.params.Scheduler = scheduler
	}

	processor, err := common.GetNewTaskProcessorInstance(instance, 64, ctxt)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(connectRequest{}):    r.processConnectRequest,
		reflect.TypeOf(disconnectRequest{}): r.processDisconnectRequest,
		reflect.TypeOf(emitRequest{}):       r.processEmitRequest,
		reflect.TypeOf(openResult{}):        r.processOpenResult,
		reflect.TypeOf(streamEnded{}):       r.processStreamEnded,
		reflect.TypeOf(retryFired{}):        r.processRetryFired,
	}); err != nil {
		cancel()
		return nil, err
	}
	if err := processor.StartEventLoop(&r.wg); err != nil {
		cancel()
		return nil, err
	}
	r.processor = processor
	return r, nil
}

// State snapshot of the session state
func (r *Reconnector) State() SessionState {
	r.snapshotLock.RLock()
	defer r.snapshotLock.RUnlock()
	return r.snapshot
}

// =======================================================================
// Requests

type connectRequest struct {
	done chan error
}

type disconnectRequest struct {
	done chan error
}

type emitRequest struct {
	event common.Event
	done  chan error
}

// request submit a request to the event loop, and wait for it to be processed
func (r *Reconnector) request(ctxt context.Context, param interface{}, done chan error) error {
	if err := r.processor.Submit(param, ctxt); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	case <-r.ctxt.Done():
		return fmt.Errorf("reconnector stopped")
	}
}

// Connect open the connection to the relay. No-op if connected, connecting, or waiting
// on a reconnect attempt. From the failed status, the attempt counter starts over.
func (r *Reconnector) Connect(ctxt context.Context) error {
	done := make(chan error, 1)
	return r.request(ctxt, connectRequest{done: done}, done)
}

// Disconnect close the connection and drop any pending reconnect attempt
func (r *Reconnector) Disconnect(ctxt context.Context) error {
	done := make(chan error, 1)
	return r.request(ctxt, disconnectRequest{done: done}, done)
}

// Emit send an event to the relay for broadcast to the other clients
func (r *Reconnector) Emit(ctxt context.Context, event common.Event) error {
	done := make(chan error, 1)
	return r.request(ctxt, emitRequest{event: event, done: done}, done)
}

// Stop disconnect, and stop the Reconnector
func (r *Reconnector) Stop(ctxt context.Context) error {
	err := r.Disconnect(ctxt)
	_ = r.processor.StopEventLoop()
	r.cancel()
	r.wg.Wait()
	return err
}

func (r *Reconnector) processConnectRequest(param interface{}) error {
	req := param.(connectRequest)
	req.done <- r.handleConnect()
	return nil
}

func (r *Reconnector) processDisconnectRequest(param interface{}) error {
	req := param.(disconnectRequest)
	req.done <- r.handleDisconnect()
	return nil
}

func (r *Reconnector) processEmitRequest(param interface{}) error {
	req := param.(emitRequest)
	req.done <- r.handleEmit(req.event)
	return nil
}

// =======================================================================
// Transport results

type openResult struct {
	generation uint64
	stream     EventStream
	err        error
}

type streamEnded struct {
	generation uint64
	err        error
}

type retryFired struct {
	generation uint64
}

func (r *Reconnector) processOpenResult(param interface{}) error {
	return r.handleOpenResult(param.(openResult))
}

func (r *Reconnector) processStreamEnded(param interface{}) error {
	return r.handleStreamEnded(param.(streamEnded))
}

func (r *Reconnector) processRetryFired(param interface{}) error {
	return r.handleRetryFired(param.(retryFired))
}

// =======================================================================
// State machine, run on the event loop

func (r *Reconnector) setState(status Status) {
	r.state.Status = status
	r.snapshotLock.Lock()
	r.snapshot = r.state
	r.snapshotLock.Unlock()
	log.WithFields(r.LogTags).Debugf(
		"Status %s (attempts %d)", r.state.Status, r.state.Attempts,
	)
	if r.params.OnStatusChange != nil {
		r.params.OnStatusChange(r.state)
	}
}

func (r *Reconnector) handleConnect() error {
	switch r.state.Status {
	case StatusConnected, StatusConnecting, StatusBackoff:
		return nil
	}
	r.state.Attempts = 0
	r.state.LastError = nil
	r.startAttempt()
	return nil
}

// startAttempt open a stream in the background. The outcome returns to the event loop
// as an openResult.
func (r *Reconnector) startAttempt() {
	r.generation++
	generation := r.generation
	attemptCtxt, cancel := context.WithCancel(r.ctxt)
	r.attemptCancel = cancel
	r.setState(StatusConnecting)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		stream, err := r.params.Transport.Open(attemptCtxt, r.params.RelayURL)
		result := openResult{generation: generation, stream: stream, err: err}
		if err := r.processor.Submit(result, r.ctxt); err != nil && stream != nil {
			_ = stream.Close()
		}
	}()
}

func (r *Reconnector) handleOpenResult(result openResult) error {
	if result.generation != r.generation || r.state.Status != StatusConnecting {
		if result.stream != nil {
			_ = result.stream.Close()
		}
		return nil
	}
	if result.err != nil {
		log.WithError(result.err).WithFields(r.LogTags).Warnf(
			"Unable to connect to %s", r.params.RelayURL,
		)
		r.releaseStream()
		r.handleFailure(result.err)
		return nil
	}
	r.stream = result.stream
	r.state.Attempts = 0
	r.state.LastError = nil
	r.setState(StatusConnected)
	log.WithFields(r.LogTags).Infof("Connected to %s", r.params.RelayURL)

	r.wg.Add(1)
	go r.readStream(result.generation, result.stream)
	return nil
}

// readStream publish the events received on a stream until it ends
func (r *Reconnector) readStream(generation uint64, stream EventStream) {
	defer r.wg.Done()
	logTags := r.CopyLogTags(log.Fields{"generation": generation})
	for {
		raw, err := stream.Next()
		if err != nil {
			if err := r.processor.Submit(
				streamEnded{generation: generation, err: err}, r.ctxt,
			); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Stream end not reported")
			}
			return
		}
		evt, err := common.DecodeEvent(raw, r.validate)
		if err != nil {
			log.WithError(err).WithFields(logTags).Warnf("Dropping malformed message: %s", raw)
			continue
		}
		r.params.Bus.Publish(evt)
	}
}

func (r *Reconnector) handleStreamEnded(ended streamEnded) error {
	if ended.generation != r.generation || r.state.Status != StatusConnected {
		return nil
	}
	r.releaseStream()
	err := ended.err
	if err == nil {
		err = fmt.Errorf("stream closed by relay")
	}
	log.WithError(err).WithFields(r.LogTags).Warn("Lost connection to relay")
	r.handleFailure(err)
	return nil
}

// handleFailure schedule the next reconnect attempt, or give up once the attempts are
// exhausted
func (r *Reconnector) handleFailure(err error) {
	r.state.LastError = err
	if r.state.Attempts >= r.params.MaxAttempts {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Giving up on %s after %d reconnect attempts", r.params.RelayURL, r.state.Attempts,
		)
		r.setState(StatusFailed)
		return
	}
	r.state.Attempts++
	delay := r.retryDelay(r.state.Attempts)
	generation := r.generation
	if schErr := r.params.Scheduler.Schedule(delay, func() {
		if err := r.processor.Submit(retryFired{generation: generation}, r.ctxt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Debug("Reconnect attempt not submitted")
		}
	}); schErr != nil {
		log.WithError(schErr).WithFields(r.LogTags).Error("Unable to schedule reconnect")
		r.state.LastError = schErr
		r.setState(StatusFailed)
		return
	}
	log.WithFields(r.LogTags).Infof(
		"Reconnect attempt %d/%d in %s", r.state.Attempts, r.params.MaxAttempts, delay,
	)
	r.setState(StatusBackoff)
}

// retryDelay delay before reconnect attempt n, starting from 1
func (r *Reconnector) retryDelay(attempt int) time.Duration {
	exponent := attempt - 1
	if exponent > maxBackoffExponent {
		exponent = maxBackoffExponent
	}
	return r.params.BaseDelay * time.Duration(int64(1)<<exponent)
}

func (r *Reconnector) handleRetryFired(fired retryFired) error {
	if fired.generation != r.generation || r.state.Status != StatusBackoff {
		return nil
	}
	r.startAttempt()
	return nil
}

func (r *Reconnector) handleDisconnect() error {
	r.generation++
	if err := r.params.Scheduler.Cancel(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to cancel reconnect")
	}
	r.releaseStream()
	r.state.Attempts = 0
	if r.state.Status != StatusDisconnected {
		r.setState(StatusDisconnected)
		log.WithFields(r.LogTags).Info("Disconnected from relay")
	}
	return nil
}

// releaseStream close the current stream, and stop any in flight open
func (r *Reconnector) releaseStream() {
	if r.attemptCancel != nil {
		r.attemptCancel()
		r.attemptCancel = nil
	}
	if r.stream != nil {
		if err := r.stream.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Debug("Stream close failed")
		}
		r.stream = nil
	}
}

func (r *Reconnector) handleEmit(event common.Event) error {
	if r.state.Status != StatusConnected || r.stream == nil {
		return ErrNotConnected
	}
	if err := r.validate.Struct(&event); err != nil {
		return err
	}
	raw, err := event.Encode()
	if err != nil {
		return err
	}
	return r.stream.Send(raw)
}
