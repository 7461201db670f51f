// Package pushsub is the realtime push subscriber. It holds a long-lived
// Server-Sent-Events connection to the RTDB-style endpoint handed out by
// cloudapi.GetSyncConfig, decodes both payload shapes the wire format
// uses, and feeds model.PushEvent values to the sync engine. Reconnects
// forever on disconnect rather than giving up, since the wire protocol is
// SSE, not websocket, and the server has no way to push a reconnect.
package pushsub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/mdflare/agent/internal/model"
)

// ReconnectDelay is how long the subscriber waits before retrying after any
// read error or stream end.
const ReconnectDelay = 5 * time.Second

// Handler receives one decoded push event at a time, in arrival order.
// Implemented by syncengine.Engine.OnPush in production.
type Handler func(ctx context.Context, ev model.PushEvent)

// Subscriber holds the SSE connection parameters for one user's realtime
// channel: {rtdb_url}/mdflare/{user_id}/files.json?auth={auth}.
type Subscriber struct {
	HTTPClient *http.Client
	RTDBURL    string
	UserID     string
	Auth       string
}

// New constructs a Subscriber from the bootstrap values cloudapi.SyncConfig
// carries.
func New(rtdbURL, userID, auth string) *Subscriber {
	return &Subscriber{
		HTTPClient: &http.Client{}, // no timeout: this is a long-lived stream.
		RTDBURL:    rtdbURL,
		UserID:     userID,
		Auth:       auth,
	}
}

func (s *Subscriber) streamURL() string {
	return fmt.Sprintf("%s/mdflare/%s/files.json?auth=%s", s.RTDBURL, s.UserID, s.Auth)
}

// Run connects, streams events to handle forever, and reconnects after
// ReconnectDelay on any failure, until ctx is canceled. This never returns
// except via ctx cancellation.
func (s *Subscriber) Run(ctx context.Context, handle Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx, handle); err != nil {
			jww.WARN.Printf("pushsub: stream error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ReconnectDelay):
		}
	}
}

// sseEvent is one decoded event/data pair off the wire before JSON decoding.
type sseEvent struct {
	name string
	data string
}

// runOnce opens one connection and reads events until the stream ends or
// errors. The first snapshot event (path "/") received on this connection
// is dropped, unless a keyed event arrived before it: the server opens an
// SSE stream with a full snapshot under path "/", and the engine already
// holds that state from full_sync at startup.
func (s *Subscriber) runOnce(ctx context.Context, handle Handler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.streamURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pushsub: unexpected status %d", resp.StatusCode)
	}

	droppedFirst := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur sseEvent
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			cur = sseEvent{}
			return
		}
		cur.data = strings.Join(dataLines, "\n")
		dataLines = nil
		s.dispatch(ctx, handle, cur, &droppedFirst)
		cur = sseEvent{}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			flush()
		default:
			// Ignore comment lines, ids, retry directives: none carry
			// payload semantics for this channel.
		}
	}
	flush()
	return scanner.Err()
}

func (s *Subscriber) dispatch(ctx context.Context, handle Handler, ev sseEvent, droppedFirst *bool) {
	if ev.data == "" {
		return
	}
	var payload struct {
		Path string          `json:"path"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(ev.data), &payload); err != nil {
		jww.WARN.Printf("pushsub: malformed event payload: %v", err)
		return
	}

	if payload.Path == "/" {
		if !*droppedFirst {
			*droppedFirst = true
			return
		}
		var snapshot map[string]json.RawMessage
		if err := json.Unmarshal(payload.Data, &snapshot); err != nil {
			jww.WARN.Printf("pushsub: malformed snapshot payload: %v", err)
			return
		}
		for key, entry := range snapshot {
			emitDecoded(handle, ctx, unescapeKey(key), entry)
		}
		return
	}

	*droppedFirst = true
	key := strings.TrimPrefix(payload.Path, "/")
	emitDecoded(handle, ctx, unescapeKey(key), payload.Data)
}

// unescapeKey reverses the RTDB-style key escaping that lets a relative
// path (which may contain '/' and '.') live as a single path segment:
// "_slash_" stands for '/', "_dot_" stands for '.'.
func unescapeKey(key string) string {
	key = strings.ReplaceAll(key, "_slash_", "/")
	key = strings.ReplaceAll(key, "_dot_", ".")
	return key
}

// entryPayload mirrors the per-file object the RTDB-style wire format sends
// for create/save/delete/rename, keyed by relative path.
type entryPayload struct {
	Action  model.PushAction  `json:"action"`
	Hash    *string           `json:"hash,omitempty"`
	OldHash *string           `json:"oldHash,omitempty"`
	Diff    *model.DiffScript `json:"diff,omitempty"`
	OldPath *string           `json:"oldPath,omitempty"`
}

func emitDecoded(handle Handler, ctx context.Context, relPath string, raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		handle(ctx, model.PushEvent{RelativePath: relPath, Action: model.ActionDelete})
		return
	}
	var entry entryPayload
	if err := json.Unmarshal(raw, &entry); err != nil {
		jww.WARN.Printf("pushsub: malformed entry for %s: %v", relPath, err)
		return
	}
	handle(ctx, model.PushEvent{
		RelativePath: relPath,
		Action:       entry.Action,
		Hash:         entry.Hash,
		OldHash:      entry.OldHash,
		Diff:         entry.Diff,
		OldPath:      entry.OldPath,
	})
}
