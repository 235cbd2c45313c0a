package watch_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/db"
	"github.com/willibrandon/pgrab/internal/watch"
)

type recordingCopier struct {
	mu       sync.Mutex
	programs map[string]string
	rows     int64
}

func (c *recordingCopier) Run(_ context.Context, meta catalog.TableMetadata, override string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[meta.Name] = override
	return c.rows, nil
}

type fixedWhere map[string]string

func (w fixedWhere) RemoteWhereClause(_ context.Context, table string) (string, error) {
	return w[table], nil
}

type fixedCount int64

func (c fixedCount) Count(context.Context, db.Source, string, string) (int64, error) {
	return int64(c), nil
}

func testOptions() watch.Options {
	return watch.Options{
		Schema:           "public",
		Interval:         10 * time.Millisecond,
		StatementTimeout: time.Minute,
		Tables:           []string{"events", "users"},
		Bookmarks:        map[string]string{"events": "id", "users": "updated_at"},
		Metadata: catalog.Metadata{
			"events": {Name: "events", PrimaryKey: "id"},
			"users":  {Name: "users", PrimaryKey: "id"},
		},
	}
}

func TestExtractProgram(t *testing.T) {
	got := watch.ExtractProgram("public", "events", time.Minute, "", `WHERE "id" > 10`, "id")
	assert.Equal(t,
		`SET statement_timeout TO 60000; COPY (SELECT * FROM "public"."events" WHERE "id" > 10 ORDER BY "id" DESC NULLS LAST LIMIT 1000) TO STDOUT`,
		got)

	got = watch.ExtractProgram("public", "events", time.Minute, "", "", "id")
	assert.Contains(t, got, `"public"."events" ORDER BY "id" DESC NULLS LAST LIMIT 1000`)
}

func TestValidate_RequiresBookmarks(t *testing.T) {
	opts := testOptions()
	delete(opts.Bookmarks, "users")
	w := watch.New(opts, &recordingCopier{}, fixedWhere{}, fixedCount(0), nil)
	assert.ErrorIs(t, w.Validate(), watch.ErrNoBookmark)
	assert.ErrorIs(t, w.Run(context.Background()), watch.ErrNoBookmark)
}

func TestIterate_PullsEveryTable(t *testing.T) {
	copier := &recordingCopier{programs: map[string]string{}, rows: 7}
	where := fixedWhere{"events": `WHERE "id" > 3`}
	w := watch.New(testOptions(), copier, where, fixedCount(7), nil)

	require.NoError(t, w.Iterate(context.Background()))
	require.NoError(t, w.Iterate(context.Background()))

	assert.Equal(t, int64(14), w.Pulled("events"))
	assert.Equal(t, int64(14), w.Pulled("users"))
	assert.Contains(t, copier.programs["events"], `WHERE "id" > 3 ORDER BY "id" DESC NULLS LAST LIMIT 1000`)
	assert.Contains(t, copier.programs["users"], `ORDER BY "updated_at" DESC NULLS LAST`)
}

func TestIterate_NothingPendingSkipsCopy(t *testing.T) {
	copier := &recordingCopier{programs: map[string]string{}}
	w := watch.New(testOptions(), copier, fixedWhere{}, fixedCount(0), nil)

	require.NoError(t, w.Iterate(context.Background()))
	assert.Empty(t, copier.programs)
}

func TestRun_StopsOnCancel(t *testing.T) {
	var out bytes.Buffer
	copier := &recordingCopier{programs: map[string]string{}, rows: 1}
	w := watch.New(testOptions(), copier, fixedWhere{}, fixedCount(1), &out)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.GreaterOrEqual(t, w.Pulled("events"), int64(1))
	assert.Contains(t, out.String(), "iteration 1")
	assert.Contains(t, out.String(), "pulled")
}
