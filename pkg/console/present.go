package console

import (
	"math"

	"github.com/lob-engine/console/pkg/capture"
	"github.com/lob-engine/console/pkg/session"
)

// Button labels
const (
	LabelPowerOn = "Power on"
	LabelRestart = "Restart"
	LabelPause   = "Pause"
	LabelResume  = "Resume"
)

// Display values for toggled page regions
const (
	DisplayNone  = "none"
	DisplayBlock = "block"
	DisplayFlex  = "flex"
)

// Presentation is everything the page needs to render its controls.
type Presentation struct {
	PowerLabel          string `json:"power_label"`
	PauseLabel          string `json:"pause_label"`
	PauseEnabled        bool   `json:"pause_enabled"`
	ShowProgressModal   bool   `json:"show_progress_modal"`
	ProgressDisplay     string `json:"progress_display"`
	ControlsDisplay     string `json:"controls_display"`
	ProgressPercent     int    `json:"progress_percent"`
	StatusText          string `json:"status_text"`
	FullScreen          bool   `json:"fullscreen"`
	FullScreenSupported bool   `json:"fullscreen_supported"`
	PointerLockArmed    bool   `json:"pointer_lock_armed"`
}

// Present derives the page's presentation from session and capture state.
// ProgressPercent is -1 while the ratio is unset.
func Present(st session.State, cs capture.State) Presentation {
	p := Presentation{
		PowerLabel:          LabelPowerOn,
		PauseLabel:          LabelPause,
		PauseEnabled:        st.Ready() && !st.Restoring,
		ShowProgressModal:   st.PowerRequested && !st.Progress.IsComplete,
		ProgressDisplay:     DisplayNone,
		ControlsDisplay:     DisplayNone,
		ProgressPercent:     -1,
		StatusText:          st.Progress.StatusText,
		FullScreen:          cs.FullScreen,
		FullScreenSupported: cs.FullScreenSupported,
		PointerLockArmed:    cs.MouseEnabled && cs.PointerLockSupported,
	}

	switch st.Phase {
	case session.PhaseRunning, session.PhasePaused:
		p.PowerLabel = LabelRestart
	}
	if st.IsPaused {
		p.PauseLabel = LabelResume
	}
	if st.Ready() {
		p.ControlsDisplay = DisplayFlex
	}
	if st.Progress.StatusText != "" {
		p.ProgressDisplay = DisplayBlock
	}
	if st.Progress.HasRatio() {
		p.ProgressPercent = int(math.Floor(st.Progress.Ratio * 100))
	}
	return p
}
