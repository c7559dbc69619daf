// Copyright 2024-2026 Aiku AI

package twapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
)

// Stream is a single live user-stream connection. Events are delivered on
// the Events channel until the stream ends; after the channel is closed,
// Err reports why.
type Stream struct {
	Events <-chan StreamEvent

	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Err returns the error that terminated the stream, if any. Only meaningful
// after the Events channel has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the connection. Safe to call multiple times.
func (s *Stream) Close() {
	s.cancel()
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// OpenUserStream starts a live stream of the authenticated user's events.
// The returned stream is owned by the caller and must be closed.
func (c *Client) OpenUserStream(ctx context.Context) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL+"/user.json", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "stream connect failed"}
	}

	events := make(chan StreamEvent)
	stream := &Stream{Events: events, cancel: cancel}

	go func() {
		defer close(events)
		defer func() {
			_ = resp.Body.Close()
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			// Payloads are delimited by \r\n; bare newlines are keep-alives.
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			evt := DecodeStreamEvent(line)
			select {
			case events <- evt:
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
		if err := scanner.Err(); err != nil {
			stream.setErr(err)
		}
	}()

	return stream, nil
}

// DecodeStreamEvent converts one raw stream payload into a typed event. The
// streaming API has no explicit type tag, so the variant is determined by
// which top-level field is present; anything unrecognized is StreamOther.
func DecodeStreamEvent(raw []byte) StreamEvent {
	var probe struct {
		DirectMessage *DirectMessage           `json:"direct_message"`
		Warning       *StreamWarningPayload    `json:"warning"`
		Disconnect    *StreamDisconnectPayload `json:"disconnect"`
		ID            string                   `json:"id_str"`
		Event         string                   `json:"event"`
	}
	rawCopy := json.RawMessage(append([]byte(nil), raw...))
	if err := json.Unmarshal(raw, &probe); err != nil {
		return StreamEvent{Kind: StreamOther, Raw: rawCopy}
	}

	switch {
	case probe.DirectMessage != nil:
		return StreamEvent{Kind: StreamDirectMessage, DirectMessage: probe.DirectMessage, Raw: rawCopy}
	case probe.Warning != nil:
		return StreamEvent{Kind: StreamWarning, Warning: probe.Warning, Raw: rawCopy}
	case probe.Disconnect != nil:
		return StreamEvent{Kind: StreamDisconnect, Disconnect: probe.Disconnect, Raw: rawCopy}
	case probe.ID != "" && probe.Event == "":
		var tweet Tweet
		if err := json.Unmarshal(raw, &tweet); err != nil {
			return StreamEvent{Kind: StreamOther, Raw: rawCopy}
		}
		return StreamEvent{Kind: StreamTweet, Tweet: &tweet, Raw: rawCopy}
	default:
		return StreamEvent{Kind: StreamOther, Raw: rawCopy}
	}
}
