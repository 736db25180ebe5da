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

package common

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// EventType the kind of event being relayed
type EventType string

const (
	// EventRatingUpdated a user created, changed, or removed a rating
	EventRatingUpdated EventType = "rating-updated"
	// EventRatingStatsUpdated the aggregated rating stats of a movie changed
	EventRatingStatsUpdated EventType = "rating-stats-updated"
	// EventConnected acknowledgement sent when a connection opens
	EventConnected EventType = "connected"
	// EventTest test event
	EventTest EventType = "test-event"
)

// Event one relayed event
//
// Treat as immutable once constructed; a single encoding is shared by all recipients.
type Event struct {
	// Type is the event kind
	Type EventType `json:"type" validate:"required,oneof=rating-updated rating-stats-updated connected test-event"`
	// MovieID is the subject of the event
	MovieID string `json:"movieId"`
	// Data is the event kind specific payload
	Data map[string]interface{} `json:"data"`
	// Timestamp is when the server constructed the event, in ms since epoch
	Timestamp int64 `json:"timestamp"`
}

// NewEvent define a new event. The data map is copied.
func NewEvent(
	kind EventType, movieID string, data map[string]interface{}, now time.Time,
) Event {
	copied := make(map[string]interface{}, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return Event{
		Type: kind, MovieID: movieID, Data: copied, Timestamp: EpochMillis(now),
	}
}

// String toString function
func (e Event) String() string {
	return fmt.Sprintf("%s[%s]@%d", e.Type, e.MovieID, e.Timestamp)
}

// Encode serialize the event into its wire format
func (e Event) Encode() ([]byte, error) {
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}
	return json.Marshal(&e)
}

// DecodeEvent parse and validate an event in wire format
func DecodeEvent(raw []byte, validate *validator.Validate) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("malformed event payload: %w", err)
	}
	if err := validate.Struct(&evt); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	if evt.Data == nil {
		evt.Data = map[string]interface{}{}
	}
	return evt, nil
}
