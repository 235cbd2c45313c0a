package scheduler

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pterm/pterm"
	"golang.org/x/term"
)

// Reporter receives per-table progress. Methods are called concurrently.
type Reporter interface {
	Started(table string, expected int64)
	Progress(table string, rows int64)
	Skipped(table string, local, remote int64)
	Completed(table string, rows int64, elapsed time.Duration)
	Failed(table string, err error)
	Stop()
}

var (
	okFormat    = color.New(color.FgGreen).SprintFunc()
	skipFormat  = color.New(color.FgHiBlack).SprintFunc()
	failFormat  = color.New(color.FgRed).SprintFunc()
	tableFormat = color.New(color.FgHiWhite, color.Bold).SprintFunc()
)

// Percent is rows as a share of expected. It is not clamped: rows written
// after the count was taken can push it past 100.
func Percent(rows, expected int64) float64 {
	if expected <= 0 {
		return 0
	}
	return float64(rows) / float64(expected) * 100
}

// NewReporter returns a live terminal reporter when stdout is a TTY and a
// line reporter writing to w otherwise.
func NewReporter(w io.Writer, total int) Reporter {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if r, err := NewTerminalReporter(total); err == nil {
			return r
		}
	}
	return NewLineReporter(w)
}

type nopReporter struct{}

func (nopReporter) Started(string, int64)                  {}
func (nopReporter) Progress(string, int64)                 {}
func (nopReporter) Skipped(string, int64, int64)           {}
func (nopReporter) Completed(string, int64, time.Duration) {}
func (nopReporter) Failed(string, error)                   {}
func (nopReporter) Stop()                                  {}

// LineReporter prints one line per table state change.
type LineReporter struct {
	mu       sync.Mutex
	w        io.Writer
	expected map[string]int64
}

func NewLineReporter(w io.Writer) *LineReporter {
	return &LineReporter{w: w, expected: make(map[string]int64)}
}

func (r *LineReporter) Started(tbl string, expected int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected[tbl] = expected
	fmt.Fprintf(r.w, "%s: syncing %s rows\n", tableFormat(tbl), humanize.Comma(expected))
}

func (r *LineReporter) Progress(string, int64) {}

func (r *LineReporter) Skipped(tbl string, local, remote int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s: %s (local %s, remote %s)\n", tableFormat(tbl), skipFormat("up to date"),
		humanize.Comma(local), humanize.Comma(remote))
}

func (r *LineReporter) Completed(tbl string, rows int64, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s: %s %s rows (%.1f%%) in %s\n", tableFormat(tbl), okFormat("synced"),
		humanize.Comma(rows), Percent(rows, r.expected[tbl]), elapsed.Round(time.Millisecond))
}

func (r *LineReporter) Failed(tbl string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s: %s %v\n", tableFormat(tbl), failFormat("failed"), err)
}

func (r *LineReporter) Stop() {}

type tableProgress struct {
	expected int64
	rows     int64
	rate     ewma.MovingAverage
	lastAt   time.Time
}

// TerminalReporter redraws a live area with one line per in-flight table.
type TerminalReporter struct {
	mu      sync.Mutex
	area    *pterm.AreaPrinter
	total   int
	synced  int
	skipped int
	failed  int
	rows    int64
	active  map[string]*tableProgress
}

func NewTerminalReporter(total int) (*TerminalReporter, error) {
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return nil, err
	}
	return &TerminalReporter{area: area, total: total, active: make(map[string]*tableProgress)}, nil
}

func (r *TerminalReporter) Started(tbl string, expected int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[tbl] = &tableProgress{expected: expected, rate: ewma.NewMovingAverage(), lastAt: time.Now()}
	r.render()
}

func (r *TerminalReporter) Progress(tbl string, rows int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.active[tbl]
	if !ok {
		return
	}
	now := time.Now()
	if dt := now.Sub(p.lastAt).Seconds(); dt > 0 {
		p.rate.Add(float64(rows-p.rows) / dt)
	}
	p.rows, p.lastAt = rows, now
	r.render()
}

func (r *TerminalReporter) Skipped(string, int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
	r.render()
}

func (r *TerminalReporter) Completed(tbl string, rows int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, tbl)
	r.synced++
	r.rows += rows
	r.render()
}

func (r *TerminalReporter) Failed(tbl string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, tbl)
	r.failed++
	r.render()
}

func (r *TerminalReporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.render()
	_ = r.area.Stop()
}

// render must be called with mu held.
func (r *TerminalReporter) render() {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d tables  %s synced  %s up to date",
		r.synced+r.skipped+r.failed, r.total, okFormat(r.synced), skipFormat(r.skipped))
	if r.failed > 0 {
		fmt.Fprintf(&b, "  %s failed", failFormat(r.failed))
	}
	fmt.Fprintf(&b, "  %s rows\n", humanize.Comma(r.rows))

	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := r.active[name]
		fmt.Fprintf(&b, "  %s %5.1f%%  %s/%s rows  %s rows/s\n",
			tableFormat(name), Percent(p.rows, p.expected),
			humanize.Comma(p.rows), humanize.Comma(p.expected),
			humanize.Comma(int64(p.rate.Value())))
	}
	r.area.Update(b.String())
}

// PrintMetrics writes the n slowest synced tables as a table.
func PrintMetrics(w io.Writer, s *Summary, n int) {
	slowest := s.Slowest(n)
	if len(slowest) == 0 {
		fmt.Fprintln(w, "No tables were synced.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Slowest tables")
	t.AppendHeader(table.Row{"Table", "Seconds", "Remote rows"})
	for _, r := range slowest {
		t.AppendRow(table.Row{r.Table, fmt.Sprintf("%.2f", r.Elapsed.Seconds()), humanize.Comma(r.RemoteRows)})
	}
	t.Render()
}
