package output_test

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsprackett/jobkit/internal/output"
)

func collect(t *testing.T, sub *output.Subscription) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []string
	for {
		chunks, err := sub.Next(ctx)
		if err == io.EOF {
			return got
		}
		require.NoError(t, err)
		for _, c := range chunks {
			got = append(got, string(c.Data))
		}
	}
}

func TestSubscriptionReceivesChunksInOrder(t *testing.T) {
	req := require.New(t)
	buf := output.NewBuffer()
	sub := buf.Subscribe(time.Time{})

	for _, line := range []string{"build started\n", "step 1 ok\n", "done\n"} {
		_, err := buf.Write([]byte(line))
		req.NoError(err)
	}
	req.NoError(buf.Close())

	req.Equal([]string{"build started\n", "step 1 ok\n", "done\n"}, collect(t, sub))
}

func TestSubscribeMidStreamHasNoGapOrOverlap(t *testing.T) {
	req := require.New(t)
	buf := output.NewBuffer()
	buf.Write([]byte("a"))
	buf.Write([]byte("b"))

	sub := buf.Subscribe(time.Time{})
	buf.Write([]byte("c"))
	buf.Close()

	req.Equal([]string{"a", "b", "c"}, collect(t, sub))
}

func TestSubscribeAfterTimestampSkipsEarlierChunks(t *testing.T) {
	req := require.New(t)
	buf := output.NewBuffer()
	buf.Write([]byte("one"))
	buf.Write([]byte("two"))
	first := buf.Chunks()[0]

	sub := buf.Subscribe(first.Timestamp)
	buf.Write([]byte("three"))
	buf.Close()

	req.Equal([]string{"two", "three"}, collect(t, sub))
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	req := require.New(t)
	buf := output.NewBuffer()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	buf.SetNow(func() time.Time { return fixed })

	for i := 0; i < 3; i++ {
		buf.Write([]byte("x"))
	}
	chunks := buf.Chunks()
	req.Len(chunks, 3)
	for i := 1; i < len(chunks); i++ {
		req.True(chunks[i].Timestamp.After(chunks[i-1].Timestamp))
	}
	req.Equal(fixed.UnixNano()+2, chunks[2].ID())
}

func TestSlowSubscriberLosesNothing(t *testing.T) {
	req := require.New(t)
	buf := output.NewBuffer()
	sub := buf.Subscribe(time.Time{})

	const writers, perWriter = 4, 250
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				buf.Write([]byte("."))
			}
		}()
	}
	wg.Wait()
	buf.Close()

	got := collect(t, sub)
	req.Len(got, writers*perWriter)
	// The subscriber sees the same sequence the buffer recorded.
	recorded := buf.Chunks()
	for i := range recorded {
		req.Equal(string(recorded[i].Data), got[i])
	}
}

func TestSubscribeToClosedBufferDrainsThenEOF(t *testing.T) {
	req := require.New(t)
	buf := output.FromChunks([]output.Chunk{
		{Timestamp: time.Unix(0, 1), Data: []byte("restored\n")},
	})
	req.True(buf.Closed())

	sub := buf.Subscribe(time.Time{})
	req.Equal([]string{"restored\n"}, collect(t, sub))

	_, err := buf.Write([]byte("late"))
	req.ErrorIs(err, output.ErrClosed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	req := require.New(t)
	buf := output.NewBuffer()
	sub := buf.Subscribe(time.Time{})
	req.Equal(1, buf.Subscribers())

	sub.Unsubscribe()
	req.Equal(0, buf.Subscribers())
	buf.Write([]byte("ignored"))

	chunks, done := sub.Drain()
	req.Empty(chunks)
	req.True(done)
}

func TestNextHonorsContext(t *testing.T) {
	buf := output.NewBuffer()
	sub := buf.Subscribe(time.Time{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferJSONRoundTrip(t *testing.T) {
	req := require.New(t)
	buf := output.NewBuffer()
	buf.Write([]byte("line 1\r\n"))
	buf.Write([]byte("\x1b[32mok\x1b[0m\n"))

	data, err := json.Marshal(buf)
	req.NoError(err)

	var restored output.Buffer
	req.NoError(json.Unmarshal(data, &restored))
	req.Equal(buf.String(), restored.String())
	req.Equal(buf.Len(), restored.Len())
	req.True(restored.Closed())
	req.True(strings.HasPrefix(restored.String(), "line 1\r\n"))
}

func TestSplitRuneSurvivesJSON(t *testing.T) {
	req := require.New(t)
	buf := output.NewBuffer()
	buf.Write([]byte("caf\xc3"))
	buf.Write([]byte("\xa9\n"))
	req.Equal("café\n", buf.String())

	data, err := json.Marshal(buf)
	req.NoError(err)
	var restored output.Buffer
	req.NoError(json.Unmarshal(data, &restored))

	chunks := restored.Chunks()
	req.Len(chunks, 2)
	req.Equal([]byte("caf\xc3"), chunks[0].Data)
	req.Equal([]byte("\xa9\n"), chunks[1].Data)
	req.Equal("café\n", restored.String())
}
