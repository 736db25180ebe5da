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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const sseContentType = "text/event-stream"

var (
	sseDataPrefix = []byte("data:")
	sseBOM        = []byte{0xEF, 0xBB, 0xBF}
)

// SSETransport Transport over a server-sent event stream
type SSETransport struct {
	client *http.Client
}

// NewSSETransport define a server-sent event transport. A nil client uses a default
// client without timeout.
func NewSSETransport(client *http.Client) *SSETransport {
	if client == nil {
		client = &http.Client{}
	}
	return &SSETransport{client: client}
}

// Open connect to the relay event stream
func (t *SSETransport) Open(ctx context.Context, relayURL string) (EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relayURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", sseContentType)
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("relay responded with status %d", resp.StatusCode)
	}
	if ctype := resp.Header.Get("Content-Type"); ctype != sseContentType {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ctype)
	}
	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// sseStream EventStream reading server-sent events
type sseStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
}

// Next read until the next complete event. Comments and unknown fields are skipped.
func (s *sseStream) Next() ([]byte, error) {
	var data bytes.Buffer
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			// An incomplete event at the end of the stream is discarded
			return nil, err
		}
		line = bytes.TrimPrefix(line, sseBOM)
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if data.Len() > 0 {
				return bytes.TrimSuffix(data.Bytes(), []byte("\n")), nil
			}
			continue
		}
		if bytes.HasPrefix(line, sseDataPrefix) {
			value := bytes.TrimPrefix(line, sseDataPrefix)
			value = bytes.TrimPrefix(value, []byte(" "))
			data.Write(value)
			data.WriteByte('\n')
		}
	}
}

// Send server-sent event streams carry no client messages
func (s *sseStream) Send(_ []byte) error {
	return ErrReceiveOnly
}

// Close the stream
func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
