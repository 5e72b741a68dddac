// Package fsmtest runs the snapshot workflows on a throwaway fsm manager.
package fsmtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"

	appfsm "github.com/lob-engine/console/pkg/fsm"
)

// Start registers m's workflows on a manager persisted under a temporary
// directory. The manager shuts down when the test ends.
func Start(t testing.TB, m *appfsm.Machine) *appfsm.Workflows {
	t.Helper()

	// The manager listens on a unix socket inside its directory; keep the
	// path short.
	dir, err := os.MkdirTemp("", "fsm")
	require.NoError(t, err)

	manager, err := fsm.New(fsm.Config{DBPath: dir})
	require.NoError(t, err)
	t.Cleanup(func() {
		manager.Shutdown(5 * time.Second)
		os.RemoveAll(dir)
	})

	workflows, err := m.Register(context.Background(), manager)
	require.NoError(t, err)
	return workflows
}
