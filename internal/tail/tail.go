// Package tail follows an invocation output stream from a jobkit server
// and copies every chunk to a writer.
package tail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/sse"
)

// ErrStreamEnded is returned when the stream closes before the server
// reports the invocation complete.
var ErrStreamEnded = errors.New("stream ended before completion")

// StatusError is a non-200 reply from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// StreamURL returns the output stream URL of an invocation on the server
// at base. id may be "current" or "last".
func StreamURL(base, job, id string) string {
	return strings.TrimRight(base, "/") + "/api/job.invocation.output.stream/" +
		url.PathEscape(job) + "/" + url.PathEscape(id)
}

type Follower struct {
	Client *http.Client
	// Token is sent as a bearer token when set.
	Token string
	// MaxReconnects is how many times a dropped stream is resumed from
	// the last received chunk.
	MaxReconnects int
	ReconnectWait time.Duration
}

// Follow copies the stream at streamURL to w with a default Follower.
func Follow(ctx context.Context, streamURL string, w io.Writer) (history.Status, error) {
	return (&Follower{}).Follow(ctx, streamURL, w)
}

// Follow copies every chunk of the stream at streamURL to w, unmodified
// and in order, and returns the invocation's final status. A URL naming
// "current" or "last" is pinned to the invocation the server resolved it
// to, so reconnects resume that run and not a newer one.
func (f *Follower) Follow(ctx context.Context, streamURL string, w io.Writer) (history.Status, error) {
	var lastID string
	for attempt := 0; ; attempt++ {
		status, id, resolved, err := f.stream(ctx, streamURL, lastID, w)
		if id != "" {
			lastID = id
		}
		if resolved != "" {
			if pinned, perr := pinInvocation(streamURL, resolved); perr == nil {
				streamURL = pinned
			}
		}
		if err == nil {
			return status, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var se *StatusError
		if errors.As(err, &se) || attempt >= f.MaxReconnects {
			return "", err
		}
		select {
		case <-time.After(f.ReconnectWait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (f *Follower) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// pinInvocation replaces the invocation id, the last path segment of
// streamURL, with id.
func pinInvocation(streamURL, id string) (string, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "", err
	}
	p := u.EscapedPath()
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", fmt.Errorf("no invocation in %q", streamURL)
	}
	raw := p[:i+1] + url.PathEscape(id)
	if u.Path, err = url.PathUnescape(raw); err != nil {
		return "", err
	}
	u.RawPath = raw
	return u.String(), nil
}

// stream reads one connection's worth of events. It returns the id of the
// last chunk written to w and the invocation id the server resolved.
func (f *Follower) stream(ctx context.Context, streamURL, lastID string, w io.Writer) (status history.Status, last, resolved string, err error) {
	last = lastID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return "", last, "", err
	}
	req.Header.Set("Accept", "text/event-stream")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return "", last, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)
		return "", last, "", &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
	resolved = resp.Header.Get(history.InvocationHeader)

	r := sse.NewReader(resp.Body)
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return "", last, resolved, ErrStreamEnded
		}
		if err != nil {
			return "", last, resolved, err
		}
		switch e.Type {
		case "":
			data, err := base64.StdEncoding.DecodeString(e.Data)
			if err != nil {
				return "", last, resolved, fmt.Errorf("decode chunk %s: %w", e.ID, err)
			}
			if _, err := w.Write(data); err != nil {
				return "", last, resolved, err
			}
			last = e.ID
		case "complete":
			return history.Status(e.Data), last, resolved, nil
		}
	}
}
