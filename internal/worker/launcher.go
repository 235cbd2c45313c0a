package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Process is a launched worker.
type Process interface {
	// Events yields decoded events and is closed when stdout ends.
	Events() <-chan Event
	// Wait blocks until the process exits.
	Wait() error
}

// ExecLauncher starts workers as child processes.
type ExecLauncher struct {
	// Path defaults to the running executable.
	Path string
	// Args defaults to ["worker"].
	Args []string
}

// NewExecLauncher re-executes the current binary.
func NewExecLauncher() (*ExecLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecLauncher{Path: path, Args: []string{"worker"}}, nil
}

// Launch starts a worker and hands it job.
func (l *ExecLauncher) Launch(ctx context.Context, job Job) (Process, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	args := l.Args
	if args == nil {
		args = []string{"worker"}
	}
	cmd := exec.CommandContext(ctx, l.Path, args...)
	cmd.Stdin = bytes.NewReader(payload)
	p := &execProcess{
		cmd:    cmd,
		table:  job.Table,
		events: make(chan Event, 16),
	}
	cmd.Stderr = &p.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker for %s: %w", job.Table, err)
	}

	p.readDone = make(chan struct{})
	go func() {
		defer close(p.readDone)
		defer close(p.events)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			var ev Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				p.setDecodeErr(fmt.Errorf("decode event %q: %w", scanner.Text(), err))
				continue
			}
			if ev.Type == EventDone {
				p.mu.Lock()
				p.sawDone = true
				p.mu.Unlock()
			}
			p.events <- ev
		}
		if err := scanner.Err(); err != nil {
			p.setDecodeErr(err)
		}
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	table  string
	events chan Event
	stderr syncBuffer

	readDone chan struct{}

	mu        sync.Mutex
	sawDone   bool
	decodeErr error
}

func (p *execProcess) Events() <-chan Event { return p.events }

func (p *execProcess) setDecodeErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decodeErr == nil {
		p.decodeErr = err
	}
}

// Wait must be called after Events has been drained, or concurrently with
// a reader of Events.
func (p *execProcess) Wait() error {
	<-p.readDone
	waitErr := p.cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if waitErr != nil {
		errs = append(errs, waitErr)
	}
	if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
		errs = append(errs, fmt.Errorf("stderr: %s", msg))
	}
	if p.decodeErr != nil {
		errs = append(errs, p.decodeErr)
	}
	if len(errs) == 0 && !p.sawDone {
		errs = append(errs, ErrNoDone)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("worker %s: %w", p.table, errors.Join(errs...))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
