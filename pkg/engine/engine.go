// Package engine defines the boundary to the external virtual-machine engine
// and the WebSocket bridge that reaches an engine running in a browser tab.
package engine

import (
	"context"

	"github.com/lob-engine/console/pkg/progress"
)

// Engine is the command surface of a virtual-machine instance.
type Engine interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	SaveState(ctx context.Context) ([]byte, error)
	RestoreState(ctx context.Context, state []byte) error
}

// Capturer invokes a named page primitive such as requestFullscreen.
type Capturer interface {
	Capture(ctx context.Context, method string) error
}

// Event names emitted by the engine.
const (
	EventHello            = "hello"
	EventDownloadProgress = "download-progress"
	EventDownloadError    = "download-error"
	EventMouseEnable      = "mouse-enable"
	EventStopped          = "emulator-stopped"
	EventFullScreenChange = "fullscreen-change"
)

// Command names sent to the engine.
const (
	CommandRun          = "run"
	CommandStop         = "stop"
	CommandRestart      = "restart"
	CommandIsRunning    = "is-running"
	CommandSaveState    = "save-state"
	CommandRestoreState = "restore-state"
	CommandCapture      = "capture"
)

// Capabilities lists the page primitives available for each capture kind,
// as reported by the page.
type Capabilities struct {
	FullScreen     []string `json:"fullscreen,omitempty"`
	ExitFullScreen []string `json:"exit_fullscreen,omitempty"`
	PointerLock    []string `json:"pointer_lock,omitempty"`
}

// Event is one notification from the engine.
type Event struct {
	Name         string
	Progress     progress.DownloadEvent
	Enabled      bool
	Capabilities Capabilities
}
