package console

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiruna/internal/config"
	"kiruna/internal/supervisor"
	"kiruna/internal/testutil"
)

func newTestSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	eng := testutil.NewFakeEngine()
	eng.AddImage("corp/web:1.0.0")

	path := filepath.Join(t.TempDir(), "kiruna.conf")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "Services": {"web": {"Image": "corp/web", "Tag": "1.0.0"}}
	}`), 0644))

	s := supervisor.New(&config.Manager{Path: path}, eng, "1.0.0")
	t.Cleanup(s.Close)
	return s
}

func TestQuitKeyCallsQuit(t *testing.T) {
	sup := newTestSupervisor(t)

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(context.Background(), strings.NewReader("q\n"), sup, func() { close(quit) })
		close(done)
	}()

	select {
	case <-quit:
	case <-time.After(time.Second):
		t.Fatal("quit was never called")
	}
	<-done
}

func TestReloadKeyTriggersConfigChange(t *testing.T) {
	sup := newTestSupervisor(t)

	r, w := io.Pipe()
	go Run(context.Background(), r, sup, func() {})

	_, err := w.Write([]byte("r\n"))
	require.NoError(t, err)

	// The reload lands on the supervisor queue and brings the app up.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !sup.IsUp() {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, sup.IsUp())
	w.Close()
}

func TestUnknownAndHelpKeysKeepReading(t *testing.T) {
	sup := newTestSupervisor(t)

	quit := make(chan struct{})
	go Run(context.Background(), strings.NewReader("x\nh\nq\n"), sup, func() { close(quit) })

	select {
	case <-quit:
	case <-time.After(time.Second):
		t.Fatal("console stopped reading before the quit key")
	}
}
