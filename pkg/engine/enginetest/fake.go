// Package enginetest provides an in-memory engine for tests.
package enginetest

import (
	"context"
	"sync"

	"github.com/lob-engine/console/pkg/engine"
)

var (
	_ engine.Engine   = (*Fake)(nil)
	_ engine.Capturer = (*Fake)(nil)
)

// Fake records every command it receives and models the running flag the way
// v86 does: stop clears it, run and restart set it.
type Fake struct {
	mu       sync.Mutex
	running  bool
	state    []byte
	commands []string
	captures []string

	// SaveErr, RestoreErr and CaptureErr are returned by the matching calls.
	SaveErr    error
	RestoreErr error
	CaptureErr error

	// Hook, when set, is called with each command before it is applied.
	Hook func(command string)
}

// NewFake returns a stopped engine whose saved state is state.
func NewFake(state []byte) *Fake {
	return &Fake{state: state}
}

func (f *Fake) record(cmd string) {
	if f.Hook != nil {
		f.Hook(cmd)
	}
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
}

func (f *Fake) Run(ctx context.Context) error {
	f.record(engine.CommandRun)
	f.setRunning(true)
	return nil
}

func (f *Fake) Stop(ctx context.Context) error {
	f.record(engine.CommandStop)
	f.setRunning(false)
	return nil
}

func (f *Fake) Restart(ctx context.Context) error {
	f.record(engine.CommandRestart)
	f.setRunning(true)
	return nil
}

func (f *Fake) IsRunning(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *Fake) SaveState(ctx context.Context) ([]byte, error) {
	f.record(engine.CommandSaveState)
	if f.SaveErr != nil {
		return nil, f.SaveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.state...), nil
}

func (f *Fake) RestoreState(ctx context.Context, state []byte) error {
	f.record(engine.CommandRestoreState)
	if f.RestoreErr != nil {
		return f.RestoreErr
	}
	f.mu.Lock()
	f.state = append([]byte(nil), state...)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Capture(ctx context.Context, method string) error {
	f.mu.Lock()
	f.captures = append(f.captures, method)
	f.mu.Unlock()
	return f.CaptureErr
}

// SetRunning forces the running flag, e.g. to model autostart.
func (f *Fake) SetRunning(running bool) {
	f.setRunning(running)
}

func (f *Fake) setRunning(running bool) {
	f.mu.Lock()
	f.running = running
	f.mu.Unlock()
}

// Running reports the current running flag.
func (f *Fake) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Commands returns the commands received so far, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Captures returns the capture primitives invoked so far, in order.
func (f *Fake) Captures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.captures...)
}

// State returns the engine's current machine state.
func (f *Fake) State() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.state...)
}
