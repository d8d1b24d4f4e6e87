// Package sse writes and reads text/event-stream responses.
package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one server-sent event. An empty Type is the default "message"
// event.
type Event struct {
	ID   string
	Type string
	Data string
}

// ErrStreamingUnsupported is returned when the response cannot be flushed.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Writer frames events onto an http.ResponseWriter, flushing each one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Start writes the stream headers and the status line.
func (sw *Writer) Start() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
}

// Send writes e. Data containing newlines is split over several data
// lines; readers join them back with "\n".
func (sw *Writer) Send(e Event) error {
	var sb strings.Builder
	if e.ID != "" {
		fmt.Fprintf(&sb, "id: %s\n", e.ID)
	}
	if e.Type != "" {
		fmt.Fprintf(&sb, "event: %s\n", e.Type)
	}
	for _, line := range strings.Split(e.Data, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	if _, err := io.WriteString(sw.w, sb.String()); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Data sends a default message event.
func (sw *Writer) Data(data string) error {
	return sw.Send(Event{Data: data})
}

// Comment writes a comment line, used as a keepalive.
func (sw *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Reader parses an event stream.
type Reader struct {
	scanner *bufio.Scanner
	lastID  string
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner}
}

// LastID returns the most recent id field, including ids on frames
// that carried no data. An empty id field resets it.
func (r *Reader) LastID() string {
	return r.lastID
}

// Next returns the next dispatched event, or io.EOF at the end of the
// stream. Comments and events without data are skipped.
func (r *Reader) Next() (Event, error) {
	var e Event
	var data []string
	hasData := false
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !hasData {
				e = Event{}
				continue
			}
			e.Data = strings.Join(data, "\n")
			return e, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			if !strings.ContainsRune(value, 0) {
				e.ID = value
				r.lastID = value
			}
		case "event":
			e.Type = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
