// Package progress turns engine asset-download events into a progress ratio
// and a human-readable status line.
package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// RatioUnset marks an indeterminate progress bar.
	RatioUnset = -1.0

	// CompletionToleranceBytes absorbs framing overhead on the final chunk.
	CompletionToleranceBytes = 2048

	// ClearDelay is how long the completion message stays visible.
	ClearDelay = 3000 * time.Millisecond

	// EllipsisCycle bounds the liveness ellipsis.
	EllipsisCycle = 50

	// BinaryExtension identifies the engine binary download.
	BinaryExtension = ".wasm"

	// StatusComplete is shown once every asset has arrived.
	StatusComplete = "Download complete"
)

// DownloadEvent is one engine download notification. Optional fields are
// pointers so that absent and zero can be told apart.
type DownloadEvent struct {
	FileName    string `json:"file_name"`
	FileIndex   *int   `json:"file_index,omitempty"`
	FileCount   *int   `json:"file_count,omitempty"`
	LoadedBytes *int64 `json:"loaded,omitempty"`
	TotalBytes  *int64 `json:"total,omitempty"`
}

// State is the tracker's observable output.
type State struct {
	Ratio      float64 `json:"ratio"`
	StatusText string  `json:"status_text"`
	IsComplete bool    `json:"is_complete"`
}

// HasRatio reports whether the ratio is determinate.
func (s State) HasRatio() bool {
	return s.Ratio >= 0
}

// Scheduler runs fn once after d. It mirrors time.AfterFunc.
type Scheduler func(d time.Duration, fn func())

// Tracker derives State from DownloadEvents. It is not safe for concurrent
// use; the session controller serializes access.
type Tracker struct {
	state    State
	tick     int
	schedule Scheduler
	clearGen int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithScheduler replaces time.AfterFunc for the cosmetic status clear. The
// scheduler must run fn under the same serialization as the tracker's callers.
func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) { t.schedule = s }
}

// NewTracker returns a tracker in its initial, indeterminate state.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		state: State{Ratio: RatioUnset},
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current state.
func (t *Tracker) State() State {
	return t.state
}

// OnDownloadEvent folds one event into the state and returns the result.
func (t *Tracker) OnDownloadEvent(ev DownloadEvent) State {
	if t.state.IsComplete {
		return t.state
	}

	if strings.HasSuffix(ev.FileName, BinaryExtension) {
		t.state.Ratio = RatioUnset
		t.state.StatusText = fmt.Sprintf("Fetching %s ...", baseName(ev.FileName))
		return t.state
	}

	if isFinalChunk(ev) {
		t.state.IsComplete = true
		t.state.Ratio = 1
		t.state.StatusText = StatusComplete
		t.scheduleClear()
		return t.state
	}

	status := "Downloading"
	if ev.FileIndex != nil && ev.FileCount != nil {
		status = fmt.Sprintf("Downloading file %d of %d", *ev.FileIndex+1, *ev.FileCount)
	}

	if ev.LoadedBytes != nil && ev.TotalBytes != nil && *ev.TotalBytes > 0 {
		t.state.Ratio = clamp(float64(*ev.LoadedBytes) / float64(*ev.TotalBytes))
		status = fmt.Sprintf("%s (%s / %s)", status,
			humanize.IBytes(uint64(max(*ev.LoadedBytes, 0))), humanize.IBytes(uint64(*ev.TotalBytes)))
	} else {
		t.tick = (t.tick + 1) % EllipsisCycle
		status += strings.Repeat(".", t.tick)
	}
	t.state.StatusText = status
	return t.state
}

// OnDownloadError records a failed asset. The session survives; the user is
// told to check connectivity and reload. Completion is never reverted.
func (t *Tracker) OnDownloadError(ev DownloadEvent) State {
	name := baseName(ev.FileName)
	if name == "" {
		name = "assets"
	}
	t.state.Ratio = 0
	t.state.StatusText = fmt.Sprintf("Failed to download %s. Check your network connection and reload the page.", name)
	return t.state
}

func (t *Tracker) scheduleClear() {
	t.clearGen++
	gen := t.clearGen
	t.schedule(ClearDelay, func() {
		if gen != t.clearGen || t.state.StatusText != StatusComplete {
			return
		}
		t.state.StatusText = ""
	})
}

func isFinalChunk(ev DownloadEvent) bool {
	if ev.FileIndex == nil || ev.FileCount == nil || ev.LoadedBytes == nil || ev.TotalBytes == nil {
		return false
	}
	return *ev.FileIndex == *ev.FileCount-1 &&
		*ev.LoadedBytes >= *ev.TotalBytes-CompletionToleranceBytes
}

func baseName(name string) string {
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func clamp(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
