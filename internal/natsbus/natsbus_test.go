package natsbus_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/jobkit/internal/events"
	"github.com/zsprackett/jobkit/internal/natsbus"
)

func runServer(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func TestPublishesLifecycleEvents(t *testing.T) {
	req := require.New(t)
	url := runServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, err := natsbus.Connect(url, "", logger)
	req.NoError(err)
	defer pub.Close()

	nc, err := nats.Connect(url)
	req.NoError(err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("jobkit.job.failed.>")
	req.NoError(err)
	req.NoError(nc.Flush())

	e := events.Event{Type: events.TypeFailed, JobName: "nightly.backup", InvocationID: "abc", Err: "exit status 1", Timestamp: time.Now().UTC()}
	req.Equal("jobkit.job.failed.nightly_backup", pub.Subject(e))
	pub.Broadcast(events.Event{Type: events.TypeStarted, JobName: "nightly.backup"})
	pub.Broadcast(e)
	req.NoError(pub.Flush())

	msg, err := sub.NextMsg(5 * time.Second)
	req.NoError(err)
	req.Equal("jobkit.job.failed.nightly_backup", msg.Subject)

	var got events.Event
	req.NoError(json.Unmarshal(msg.Data, &got))
	req.Equal("abc", got.InvocationID)
	req.Equal("exit status 1", got.Err)

	_, err = sub.NextMsg(50 * time.Millisecond)
	req.ErrorIs(err, nats.ErrTimeout)
}

func TestConnectFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := natsbus.Connect("nats://127.0.0.1:1", "x", logger)
	require.Error(t, err)
}
