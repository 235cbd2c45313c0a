package worker_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/config"
	"github.com/willibrandon/pgrab/internal/worker"
)

type fakeStream struct {
	rows atomic.Int64
	done chan struct{}
	err  error
}

func (s *fakeStream) Rows() int64           { return s.rows.Load() }
func (s *fakeStream) Done() <-chan struct{} { return s.done }
func (s *fakeStream) Wait() error           { <-s.done; return s.err }

func testJob() worker.Job {
	return worker.Job{
		RunID:  "run-1",
		Config: &config.Config{Schema: "public"},
		Tables: catalog.Metadata{"users": {Name: "users", PrimaryKey: "id"}},
		Table:  "users",
	}
}

func decodeEvents(t *testing.T, out []byte) []worker.Event {
	t.Helper()
	var events []worker.Event
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		var ev worker.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func TestServe_ReportsProgressThenDone(t *testing.T) {
	stream := &fakeStream{done: make(chan struct{})}
	go func() {
		for i := 0; i < 3; i++ {
			stream.rows.Add(10)
			time.Sleep(2 * worker.ProgressInterval)
		}
		close(stream.done)
	}()

	var out bytes.Buffer
	rows, err := worker.Serve(context.Background(), testJob(), func(context.Context, catalog.TableMetadata) (worker.Stream, error) {
		return stream, nil
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(30), rows)

	events := decodeEvents(t, out.Bytes())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, worker.Event{Type: worker.EventDone, Rows: 30}, last)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, worker.EventProgress, ev.Type)
	}
}

func TestServe_FailureHasNoDoneEvent(t *testing.T) {
	stream := &fakeStream{done: make(chan struct{}), err: errors.New("psql exited 1")}
	close(stream.done)

	var out bytes.Buffer
	_, err := worker.Serve(context.Background(), testJob(), func(context.Context, catalog.TableMetadata) (worker.Stream, error) {
		return stream, nil
	}, &out)
	require.Error(t, err)
	for _, ev := range decodeEvents(t, out.Bytes()) {
		assert.NotEqual(t, worker.EventDone, ev.Type)
	}
}

func TestJobValidate(t *testing.T) {
	job := testJob()
	require.NoError(t, job.Validate())

	job.Table = "orders"
	assert.ErrorIs(t, job.Validate(), worker.ErrInvalidJob)

	job = testJob()
	job.Config = nil
	assert.ErrorIs(t, job.Validate(), worker.ErrInvalidJob)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake worker is a shell script")
	}
	path := filepath.Join(t.TempDir(), "fake-worker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func drain(p worker.Process) []worker.Event {
	var events []worker.Event
	for ev := range p.Events() {
		events = append(events, ev)
	}
	return events
}

func TestExecLauncher_Success(t *testing.T) {
	out := filepath.Join(t.TempDir(), "job.json")
	script := writeScript(t, `cat > "$1"
echo '{"type":"progress","rows":3}'
echo '{"type":"done","rows":5}'
`)
	l := &worker.ExecLauncher{Path: script, Args: []string{out}}

	p, err := l.Launch(context.Background(), testJob())
	require.NoError(t, err)
	events := drain(p)
	require.NoError(t, p.Wait())

	assert.Equal(t, []worker.Event{
		{Type: worker.EventProgress, Rows: 3},
		{Type: worker.EventDone, Rows: 5},
	}, events)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got worker.Job
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "users", got.Table)
	assert.Equal(t, "run-1", got.RunID)
}

func TestExecLauncher_Failures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"stderr output", "cat >/dev/null\necho oops >&2\necho '{\"type\":\"done\",\"rows\":1}'\n", nil},
		{"non-zero exit", "cat >/dev/null\nexit 2\n", nil},
		{"missing done", "cat >/dev/null\necho '{\"type\":\"progress\",\"rows\":1}'\n", worker.ErrNoDone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := &worker.ExecLauncher{Path: writeScript(t, tc.script), Args: []string{}}
			p, err := l.Launch(context.Background(), testJob())
			require.NoError(t, err)
			drain(p)
			err = p.Wait()
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}
