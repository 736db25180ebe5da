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

package apis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ratingrelay/common"
	"github.com/alwitt/ratingrelay/core"
	"github.com/alwitt/ratingrelay/metrics"
	"github.com/alwitt/ratingrelay/relay"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// APIRestRelayHandler REST handler for the real-time event relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	instance       string
	registry       *relay.Registry
	broadcaster    relay.Broadcaster
	natsClient     *core.NatsClient
	metrics        *metrics.RelayMetrics
	connParams     relay.ConnectionParams
	inboundLimit   rate.Limit
	inboundBurst   int
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
	validate       *validator.Validate
	clock          common.Clock
	baseContext    context.Context
}

// GetAPIRestRelayHandler define APIRestRelayHandler
//
// natsClient is only needed when the relay instances share events through NATS, and
// may be nil otherwise.
func GetAPIRestRelayHandler(
	baseContext context.Context,
	instance string,
	config *common.RelayServerConfig,
	registry *relay.Registry,
	broadcaster relay.Broadcaster,
	natsClient *core.NatsClient,
	relayMetrics *metrics.RelayMetrics,
	clock common.Clock,
) (*APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "relay",
		"instance":  instance,
	}
	if clock == nil {
		clock = time.Now
	}
	httpConfig := &config.HTTPSetting
	handler := &APIRestRelayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		instance:    instance,
		registry:    registry,
		broadcaster: broadcaster,
		natsClient:  natsClient,
		metrics:     relayMetrics,
		connParams: relay.ConnectionParams{
			SendBufferSize: config.Connection.SendBufferSize,
			WriteTimeout:   time.Second * time.Duration(config.Connection.WriteTimeout),
		},
		inboundLimit:   rate.Limit(config.Connection.InboundRateLimit),
		inboundBurst:   config.Connection.InboundBurst,
		allowedOrigins: map[string]bool{},
		validate:       validator.New(),
		clock:          clock,
		baseContext:    baseContext,
	}
	for _, origin := range config.Endpoints.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			handler.allowedOrigins[trimmed] = true
		}
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     handler.checkOrigin,
	}
	return handler, nil
}

// checkOrigin whether a socket may be opened from the request's origin
func (h *APIRestRelayHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}
	if parsed, err := url.Parse(origin); err == nil {
		return h.allowedOrigins[parsed.Host]
	}
	return false
}

// connectionContext context of a connection, which ends with either the request or
// the server
func (h *APIRestRelayHandler) connectionContext(
	reqCtxt context.Context,
) (context.Context, context.CancelFunc) {
	ctxt, cancel := context.WithCancel(reqCtxt)
	go func() {
		select {
		case <-h.baseContext.Done():
			cancel()
		case <-ctxt.Done():
		}
	}()
	return ctxt, cancel
}

// connectedEvent define the acknowledgement sent when a connection opens
func (h *APIRestRelayHandler) connectedEvent(connID string, connected int) ([]byte, error) {
	evt := common.NewEvent(common.EventConnected, "", map[string]interface{}{
		"connectionId":     connID,
		"connectedClients": connected,
		"message":          "Connected to real-time rating updates",
	}, h.clock())
	return evt.Encode()
}

// =======================================================================
// Event streams

// -----------------------------------------------------------------------

// StreamEvents godoc
// @Summary Open a real-time event stream
// @Description Long lived server-sent event stream. A "connected" event is sent on open,
// followed by every relayed event until the client disconnects or the server stops.
// @tags Relay
// @Produce text/event-stream
// @Success 200 {object} common.Event "event stream"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/realtime/events [get]
func (h *APIRestRelayHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := relay.NewSSEConnection(w, r.RemoteAddr, h.connParams, h.clock())
	if err != nil {
		msg := "Streaming not supported"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody := h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		if err := h.WriteRESTResponse(w, http.StatusInternalServerError, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	logTags := common.Component{LogTags: localLogTags}.CopyLogTags(log.Fields{
		"connection": conn.ID(), "transport": relay.TransportSSE,
	})

	// The acknowledgement must be the first event in the queue
	ack, err := h.connectedEvent(conn.ID(), h.registry.Count()+1)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connected event")
		return
	}
	conn.Open()
	_ = conn.Send(ack)
	h.registry.Register(conn)
	defer h.registry.Unregister(conn)
	log.WithFields(logTags).Infof("Event stream opened from %s", r.RemoteAddr)

	runCtxt, cancel := h.connectionContext(r.Context())
	defer cancel()
	if err := conn.Run(runCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Info("Event stream write failed")
	}
	log.WithFields(logTags).Info("Event stream closed")
}

// StreamEventsHandler Wrapper around StreamEvents
func (h *APIRestRelayHandler) StreamEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamEvents(w, r)
	}
}

// -----------------------------------------------------------------------

// Socket godoc
// @Summary Open a real-time event socket
// @Description Bidirectional WebSocket. A "connected" event is sent on open, followed by
// every relayed event. Events emitted by the client are relayed to the other clients.
// @tags Relay
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /api/realtime/socket [get]
func (h *APIRestRelayHandler) Socket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Socket upgrade failed")
		return
	}
	conn := relay.NewSocketConnection(
		ws,
		r.RemoteAddr,
		h.connParams,
		rate.NewLimiter(h.inboundLimit, h.inboundBurst),
		h.clock(),
	)
	logTags := common.Component{LogTags: localLogTags}.CopyLogTags(log.Fields{
		"connection": conn.ID(), "transport": relay.TransportSocket,
	})

	ack, err := h.connectedEvent(conn.ID(), h.registry.Count()+1)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connected event")
		_ = ws.Close()
		return
	}
	_ = conn.Send(ack)
	h.registry.Register(conn)
	defer h.registry.Unregister(conn)
	log.WithFields(logTags).Infof("Socket opened from %s", r.RemoteAddr)

	runCtxt, cancel := h.connectionContext(context.Background())
	defer cancel()
	onInbound := func(raw []byte) {
		h.relayInbound(runCtxt, conn.ID(), raw, logTags)
	}
	onDropped := func(raw []byte) {
		h.metrics.InboundDropped()
		log.WithFields(logTags).Warnf("Rate limited, dropping %dB", len(raw))
	}
	if err := conn.Run(runCtxt, onInbound, onDropped); err != nil {
		log.WithError(err).WithFields(logTags).Info("Socket write failed")
	}
	log.WithFields(logTags).Info("Socket closed")
}

// SocketHandler Wrapper around Socket
func (h *APIRestRelayHandler) SocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Socket(w, r)
	}
}

// relayInbound broadcast an event emitted by a socket client
func (h *APIRestRelayHandler) relayInbound(
	ctxt context.Context, origin string, raw []byte, logTags log.Fields,
) {
	if _, ok := h.registry.Get(origin); !ok {
		h.metrics.InboundDropped()
		log.WithFields(logTags).Warn("Dropping inbound message from evicted connection")
		return
	}
	evt, err := common.DecodeEvent(raw, h.validate)
	if err != nil {
		h.metrics.InboundDropped()
		log.WithError(err).WithFields(logTags).Warnf("Dropping inbound message: %s", raw)
		return
	}
	if evt.Type == common.EventConnected {
		h.metrics.InboundDropped()
		log.WithFields(logTags).Warn("Dropping client emitted connected event")
		return
	}
	// The server assigns the timestamp
	relayed := common.NewEvent(evt.Type, evt.MovieID, evt.Data, h.clock())
	log.WithFields(logTags).Debugf("Relaying client emitted %s", relayed)
	h.broadcaster.Broadcast(ctxt, relayed, origin)
}

// =======================================================================
// Relay status

// APIRestRespRelayStats response for the relay stats query
type APIRestRespRelayStats struct {
	goutils.RestAPIBaseResponse
	// ConnectedClients is the number of live connections
	ConnectedClients int `json:"connectedClients"`
	// Timestamp is the time of the query, in ms since epoch
	Timestamp int64 `json:"timestamp"`
	// Connections is the metadata of each live connection
	Connections []relay.ConnectionInfo `json:"connections"`
}

// Stats godoc
// @Summary Query relay connection stats
// @Description Number of live connections on this relay instance, and their metadata
// @tags Relay
// @Produce json
// @Param Ratingrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRelayStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/realtime/stats [get]
func (h *APIRestRelayHandler) Stats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	connections := h.registry.Snapshot()
	resp := APIRestRespRelayStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		ConnectedClients:    len(connections),
		Timestamp:           common.EpochMillis(h.clock()),
		Connections:         connections,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatsHandler Wrapper around Stats
func (h *APIRestRelayHandler) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stats(w, r)
	}
}

// =======================================================================
// Event triggers

// APIRestReqSimulateRating a simulated rating change
type APIRestReqSimulateRating struct {
	// MovieID is the movie rated
	MovieID string `json:"movieId" validate:"required"`
	// Rating is the new rating
	Rating *float64 `json:"rating" validate:"required"`
	// Action is the rating change, passed through as given. DEFAULT: update
	Action string `json:"action"`
	// UserID is the user making the change
	UserID string `json:"userId"`
}

// APIRestRespSimulateRating response for a simulated rating change
type APIRestRespSimulateRating struct {
	goutils.RestAPIBaseResponse
	// Message describes the outcome
	Message string `json:"message"`
	// ConnectedUsers is the number of live connections on this relay instance
	ConnectedUsers int `json:"connectedUsers"`
}

// SimulateRating godoc
// @Summary Simulate a rating change
// @Description Broadcast a "rating-updated" event for a movie to the connected clients
// @tags Relay
// @Accept json
// @Produce json
// @Param Ratingrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param rating body APIRestReqSimulateRating true "Rating change"
// @Success 200 {object} APIRestRespSimulateRating "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/realtime/simulate-rating [post]
func (h *APIRestRelayHandler) SimulateRating(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqSimulateRating
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "movieId and rating are required"
		log.WithError(err).WithFields(localLogTags).Error("Invalid simulated rating")
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if params.Action == "" {
		params.Action = "update"
	}

	data := map[string]interface{}{
		"movieId": params.MovieID,
		"rating":  *params.Rating,
		"action":  params.Action,
	}
	if params.UserID != "" {
		data["userId"] = params.UserID
	}
	evt := common.NewEvent(common.EventRatingUpdated, params.MovieID, data, h.clock())
	h.broadcaster.Broadcast(r.Context(), evt, "")

	connected := h.registry.Count()
	respCode = http.StatusOK
	respBody = APIRestRespSimulateRating{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Message: fmt.Sprintf(
			"Rating update for movie %s sent to %d connected users", params.MovieID, connected,
		),
		ConnectedUsers: connected,
	}
}

// SimulateRatingHandler Wrapper around SimulateRating
func (h *APIRestRelayHandler) SimulateRatingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SimulateRating(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqNotify an event reported by the ratings backend
type APIRestReqNotify struct {
	// Type is the event kind
	Type common.EventType `json:"type" validate:"required,oneof=rating-updated rating-stats-updated test-event"`
	// MovieID is the subject of the event
	MovieID string `json:"movieId" validate:"required"`
	// Data is the event kind specific payload
	Data map[string]interface{} `json:"data"`
}

// Notify godoc
// @Summary Relay an event
// @Description Broadcast an event reported by the ratings backend to the connected clients
// @tags Relay
// @Accept json
// @Produce json
// @Param Ratingrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param event body APIRestReqNotify true "Event to relay"
// @Success 200 {object} APIRestRespSimulateRating "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/realtime/notify [post]
func (h *APIRestRelayHandler) Notify(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqNotify
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	evt := common.NewEvent(params.Type, params.MovieID, params.Data, h.clock())
	h.broadcaster.Broadcast(r.Context(), evt, "")

	connected := h.registry.Count()
	respCode = http.StatusOK
	respBody = APIRestRespSimulateRating{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Message:             fmt.Sprintf("Relayed %s", evt),
		ConnectedUsers:      connected,
	}
}

// NotifyHandler Wrapper around Notify
func (h *APIRestRelayHandler) NotifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Notify(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h *APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h *APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if relay REST API module is ready for use
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h *APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	msg := ""
	if h.baseContext.Err() != nil {
		msg = "server stopping"
	} else if h.natsClient != nil && !h.natsClient.NATs().IsConnected() {
		msg = "not connected to NATS"
	}
	if msg == "" {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h *APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
