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

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/ratingrelay/client"
	"github.com/alwitt/ratingrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// RunListener connect to a relay, and log every event received until the runtime
// context ends. Returns an error if the reconnect attempts are exhausted.
func RunListener(
	runtimeContext context.Context,
	config *common.RelayClientConfig,
	instance string,
	onEvent client.EventHandler,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "listen",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid client config")
		return err
	}

	transport, err := client.GetTransport(config.Transport)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define transport")
		return err
	}

	bus := client.NewEventBus(instance)
	bus.Subscribe(client.AllTopics, func(evt common.Event) {
		log.WithFields(logTags).WithFields(log.Fields{
			"type":      evt.Type,
			"movie":     evt.MovieID,
			"timestamp": evt.Timestamp,
		}).Infof("Received %v", evt.Data)
	})
	if onEvent != nil {
		bus.Subscribe(client.AllTopics, onEvent)
	}

	failed := make(chan client.SessionState, 1)
	reconnector, err := client.GetReconnector(instance, client.ReconnectorParams{
		RelayURL:    config.RelayURL,
		Transport:   transport,
		Bus:         bus,
		MaxAttempts: config.Reconnect.MaxAttempts,
		BaseDelay:   time.Millisecond * time.Duration(config.Reconnect.BaseDelay),
		OnStatusChange: func(state client.SessionState) {
			log.WithFields(logTags).Infof(
				"Relay session %s (attempts %d)", state.Status, state.Attempts,
			)
			if state.Status == client.StatusFailed {
				select {
				case failed <- state:
				default:
				}
			}
		},
	}, runtimeContext)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reconnector")
		return err
	}

	if err := reconnector.Connect(runtimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect")
		return err
	}
	log.WithFields(logTags).Infof("Listening on %s", config.RelayURL)

	var result error
	select {
	case <-runtimeContext.Done():
	case state := <-failed:
		result = fmt.Errorf(
			"gave up on %s after %d attempts: %v",
			config.RelayURL, state.Attempts, state.LastError,
		)
	}

	stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := reconnector.Stop(stopCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Debug("Reconnector stop")
	}
	return result
}
