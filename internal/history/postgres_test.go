package history_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/jobkit/internal/history"
)

// openPostgres connects to JOBKIT_TEST_POSTGRES_DSN. Each test uses its
// own job names so runs against a shared database do not collide.
func openPostgres(t *testing.T) *history.Postgres {
	t.Helper()
	dsn := os.Getenv("JOBKIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBKIT_TEST_POSTGRES_DSN not set")
	}
	pg, err := history.OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	return pg
}

func pgInvocation(id, job string, started time.Time, status history.Status, lines ...string) *history.Invocation {
	inv := history.New(id, job, started, map[string]string{"TARGET": "prod"})
	for _, l := range lines {
		inv.Output.Write([]byte(l))
	}
	inv.Output.Close()
	return inv.Finish(started.Add(2*time.Second), status, nil)
}

func TestPostgresAddListGet(t *testing.T) {
	req := require.New(t)
	pg := openPostgres(t)
	ctx := context.Background()
	job := "backup-" + uuid.NewString()
	started := time.Now().UTC().Truncate(time.Microsecond)

	first := pgInvocation(uuid.NewString(), job, started, history.StatusSuccess, "dumping\r\n", "caf\xc3", "\xa9\n")
	second := pgInvocation(uuid.NewString(), job, started.Add(time.Minute), history.StatusFailed, "boom\n")
	req.NoError(pg.Add(ctx, second))
	req.NoError(pg.Add(ctx, first))

	list, err := pg.List(ctx, job)
	req.NoError(err)
	req.Len(list, 2)
	req.Equal(first.ID, list[0].ID)
	req.Equal(second.ID, list[1].ID)

	got, err := pg.Get(ctx, job, first.ID)
	req.NoError(err)
	req.Equal(history.StatusSuccess, got.Status)
	req.True(got.Started.Equal(started), "started %v want %v", got.Started, started)
	req.Equal("prod", got.Parameters["TARGET"])
	req.Equal("dumping\r\ncafé\n", got.Output.String())
	req.True(got.Output.Closed())

	// Chunk timestamps are stream resume ids and must survive to the
	// nanosecond.
	want := first.Output.Chunks()
	chunks := got.Output.Chunks()
	req.Len(chunks, len(want))
	for i := range want {
		req.Equal(want[i].ID(), chunks[i].ID())
		req.Equal(want[i].Data, chunks[i].Data)
	}

	entries, err := pg.Entries(ctx, job)
	req.NoError(err)
	req.Len(entries, 2)
	req.Equal(first.Output.Len(), entries[0].OutputBytes)
	req.Equal(2*time.Second, entries[0].Elapsed())
	req.Equal(history.StatusFailed, entries[1].Status)

	_, err = pg.Get(ctx, job, "missing")
	req.ErrorIs(err, history.ErrNotFound)
}

func TestPostgresCull(t *testing.T) {
	req := require.New(t)
	pg := openPostgres(t)
	ctx := context.Background()
	job := "sync-" + uuid.NewString()
	other := "report-" + uuid.NewString()
	now := time.Now().UTC()

	var ids []string
	for _, age := range []time.Duration{72 * time.Hour, 3 * time.Hour, 2 * time.Hour, time.Hour} {
		id := uuid.NewString()
		ids = append(ids, id)
		req.NoError(pg.Add(ctx, pgInvocation(id, job, now.Add(-age), history.StatusSuccess, "ok\n")))
	}
	req.NoError(pg.Add(ctx, pgInvocation(uuid.NewString(), other, now.Add(-100*time.Hour), history.StatusSuccess)))

	req.NoError(pg.Cull(ctx, job, 3, 0))
	list, err := pg.List(ctx, job)
	req.NoError(err)
	req.Len(list, 3)
	req.Equal(ids[1], list[0].ID)

	req.NoError(pg.Cull(ctx, job, 0, 150*time.Minute))
	list, err = pg.List(ctx, job)
	req.NoError(err)
	req.Len(list, 2)
	req.Equal(ids[2], list[0].ID)
	req.Equal(ids[3], list[1].ID)

	remaining, err := pg.List(ctx, other)
	req.NoError(err)
	req.Len(remaining, 1)
}
