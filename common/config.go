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

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ClusterBridgeConfig defines the NATS fan-out between relay instances
type ClusterBridgeConfig struct {
	// Enabled whether events are shared with other relay instances through NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Subject is the NATS subject the relay instances exchange events on
	Subject string `mapstructure:"subject" json:"subject" validate:"required_if=Enabled true"`
	// NATS is the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required_if=Enabled true"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Event streams are long lived, so this should stay at zero for the relay.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// MetricsPath is the path the prometheus metrics are served on
	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path" validate:"required"`
	// AllowedOrigins is the list of origins allowed to open a socket. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// RelayConnectionConfig defines the per connection parameters
type RelayConnectionConfig struct {
	// SendBufferSize is the number of events which can be queued for one connection
	// before the connection is treated as dead
	SendBufferSize int `mapstructure:"send_buffer_size" json:"send_buffer_size" validate:"gte=1"`
	// WriteTimeout is the max duration of a single write to a connection in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// HeartbeatInterval is the interval between keep-alive writes in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// InboundRateLimit is the max number of events per second a socket client may emit
	InboundRateLimit float64 `mapstructure:"inbound_rate_limit" json:"inbound_rate_limit" validate:"gt=0"`
	// InboundBurst is the burst size allowed on top of InboundRateLimit
	InboundBurst int `mapstructure:"inbound_burst" json:"inbound_burst" validate:"gte=1"`
}

// RelayServerConfig defines configuration for the relay server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Connection is the per connection parameters
	Connection RelayConnectionConfig `mapstructure:"connection" json:"connection" validate:"required,dive"`
	// ExcludeSender whether an event is withheld from the connection which emitted it
	ExcludeSender bool `mapstructure:"exclude_sender" json:"exclude_sender"`
	// Cluster is the NATS fan-out between relay instances
	Cluster ClusterBridgeConfig `mapstructure:"cluster" json:"cluster" validate:"required"`
}

// ===============================================================================
// Relay Client Related Config

// RelayClientReconnectConfig defines client reconnect parameters
type RelayClientReconnectConfig struct {
	// MaxAttempts is the max number of reconnect attempts before giving up
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=0"`
	// BaseDelay is the delay before the first reconnect attempt in milliseconds.
	// Each following attempt doubles the delay.
	BaseDelay int `mapstructure:"base_delay_ms" json:"base_delay_ms" validate:"gte=1"`
}

// RelayClientConfig defines configuration for the relay client
type RelayClientConfig struct {
	// RelayURL is the URL of the relay event stream
	RelayURL string `mapstructure:"relay_url" json:"relay_url" validate:"required,url"`
	// Transport is the transport binding used: sse or socket
	Transport string `mapstructure:"transport" json:"transport" validate:"required,oneof=sse socket"`
	// Reconnect defines reconnect parameters
	Reconnect RelayClientReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either the relay server or client
type SystemConfig struct {
	// Relay are the relay server configs
	Relay *RelayServerConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
	// Client are the relay client configs
	Client *RelayClientConfig `mapstructure:"client,omitempty" json:"client,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.endpoint_config.metrics_path", "/metrics")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3001)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Ratingrelay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("relay.connection.send_buffer_size", 64)
	viper.SetDefault("relay.connection.write_timeout_sec", 10)
	viper.SetDefault("relay.connection.heartbeat_interval_sec", 30)
	viper.SetDefault("relay.connection.inbound_rate_limit", 10.0)
	viper.SetDefault("relay.connection.inbound_burst", 20)
	viper.SetDefault("relay.exclude_sender", true)

	// Default cluster bridge settings
	viper.SetDefault("relay.cluster.enabled", false)
	viper.SetDefault("relay.cluster.subject", "ratingrelay.events")
	viper.SetDefault("relay.cluster.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("relay.cluster.nats.connect_timeout_sec", 30)
	viper.SetDefault("relay.cluster.nats.reconnect.max_attempts", -1)
	viper.SetDefault("relay.cluster.nats.reconnect.wait_interval_sec", 15)

	// Default relay client settings
	viper.SetDefault("client.relay_url", "http://127.0.0.1:3001/api/realtime/events")
	viper.SetDefault("client.transport", "sse")
	viper.SetDefault("client.reconnect.max_attempts", 5)
	viper.SetDefault("client.reconnect.base_delay_ms", 1000)
}
