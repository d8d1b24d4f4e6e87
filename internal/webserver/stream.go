package webserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/output"
	"github.com/zsprackett/jobkit/internal/sse"
)

// Output stream event names besides the default message event that
// carries a chunk.
const (
	eventElapsed  = "elapsed"
	eventComplete = "complete"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// resumePoint reads where a stream starts: after the Last-Event-ID
// header, else after the afterNanos query value, else from the first
// chunk.
func resumePoint(r *http.Request) (time.Time, error) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("afterNanos")
	}
	if v == "" {
		return time.Time{}, nil
	}
	nanos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid resume point %q", v)
	}
	if nanos <= 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos), nil
}

// finalStatus looks the invocation up again once its output is closed;
// the manager publishes the finished copy before closing the output.
func (s *Server) finalStatus(ctx context.Context, inv *history.Invocation) history.Status {
	if inv.Status.Terminal() {
		return inv.Status
	}
	finished, err := s.manager.Invocation(context.WithoutCancel(ctx), inv.JobName, inv.ID)
	if err != nil {
		s.logger.Warn("output stream; final status lookup", "job", inv.JobName, "invocation", inv.ID, "err", err)
		return inv.Status
	}
	return finished.Status
}

// handleOutputStream streams an invocation's output as server-sent
// events, one default message per chunk with the chunk bytes in base64
// and the chunk timestamp as the event id.
func (s *Server) handleOutputStream(w http.ResponseWriter, r *http.Request) {
	inv, err := s.requestInvocation(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	after, err := resumePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sw, err := sse.NewWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sub := inv.Output.Subscribe(after)
	defer sub.Unsubscribe()
	w.Header().Set(history.InvocationHeader, inv.ID)
	sw.Start()

	elapsed := time.NewTicker(s.elapsedEvery)
	defer elapsed.Stop()
	keepalive := time.NewTicker(s.keepaliveEvery)
	defer keepalive.Stop()

	for {
		chunks, done := sub.Drain()
		if done {
			status := s.finalStatus(r.Context(), inv)
			s.logger.Debug("output stream; invocation complete", "job", inv.JobName, "invocation", inv.ID, "status", status)
			if err := sw.Send(sse.Event{Type: eventComplete, Data: string(status)}); err != nil {
				s.logger.Debug("output stream; send complete", "job", inv.JobName, "invocation", inv.ID, "err", err)
			}
			return
		}
		if len(chunks) > 0 {
			if err := sendChunks(sw, chunks); err != nil {
				return
			}
			continue
		}
		select {
		case <-r.Context().Done():
			return
		case <-sub.Ready():
		case <-elapsed.C:
			if err := sw.Send(sse.Event{Type: eventElapsed, Data: time.Since(inv.Started).Round(time.Millisecond).String()}); err != nil {
				return
			}
		case <-keepalive.C:
			if err := sw.Comment("keepalive"); err != nil {
				return
			}
		}
	}
}

func sendChunks(sw *sse.Writer, chunks []output.Chunk) error {
	for _, c := range chunks {
		data := base64.StdEncoding.EncodeToString(c.Data)
		if err := sw.Send(sse.Event{ID: strconv.FormatInt(c.ID(), 10), Data: data}); err != nil {
			return err
		}
	}
	return nil
}

// wsMessage is one websocket frame of an output stream. Data is base64
// in the JSON frame.
type wsMessage struct {
	Type   string         `json:"type"`
	ID     int64          `json:"id,omitempty"`
	Data   []byte         `json:"data,omitempty"`
	Status history.Status `json:"status,omitempty"`
}

// handleOutputWebsocket carries the same stream as handleOutputStream
// over a websocket: {"type":"output"} frames followed by one
// {"type":"complete"} frame, after which the server closes.
func (s *Server) handleOutputWebsocket(w http.ResponseWriter, r *http.Request) {
	inv, err := s.requestInvocation(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	after, err := resumePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, http.Header{history.InvocationHeader: []string{inv.ID}})
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read loop: the client sends nothing, but reading notices a close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub := inv.Output.Subscribe(after)
	defer sub.Unsubscribe()

	keepalive := time.NewTicker(s.keepaliveEvery)
	defer keepalive.Stop()

	for {
		chunks, done := sub.Drain()
		if done {
			if err := conn.WriteJSON(wsMessage{Type: eventComplete, Status: s.finalStatus(ctx, inv)}); err != nil {
				s.logger.Debug("output websocket; send complete", "job", inv.JobName, "invocation", inv.ID, "err", err)
				return
			}
			if err := conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second)); err != nil {
				s.logger.Debug("output websocket; close", "job", inv.JobName, "invocation", inv.ID, "err", err)
			}
			return
		}
		for _, c := range chunks {
			if err := conn.WriteJSON(wsMessage{Type: "output", ID: c.ID(), Data: c.Data}); err != nil {
				s.logger.Debug("output websocket; send chunk", "job", inv.JobName, "invocation", inv.ID, "err", err)
				return
			}
		}
		if len(chunks) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-sub.Ready():
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
