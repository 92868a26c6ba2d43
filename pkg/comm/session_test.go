package comm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (cb *recordingCallback) sawState(s State) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, st := range cb.states {
		if st == s {
			return true
		}
	}
	return false
}

func (cb *recordingCallback) zChangesSnapshot() []float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return append([]float64(nil), cb.zChanges...)
}

func TestSessionConnectsToVirtualPrinter(t *testing.T) {
	cb := &recordingCallback{}
	com := New(Config{Port: "VIRTUAL", Baudrate: 115200, VirtualSd: t.TempDir(), SdSupport: true}, cb)
	defer func() {
		com.Close()
		com.Wait()
	}()

	waitFor(t, 15*time.Second, com.IsOperational, "operational state")
	assert.True(t, cb.sawState(StateOpeningSerial))
	assert.True(t, cb.sawState(StateConnecting))
	assert.False(t, com.IsSdReady())
}

func TestSessionBaudrateDetection(t *testing.T) {
	cb := &recordingCallback{}
	com := New(Config{Port: "VIRTUAL", Baudrate: 0, VirtualSd: t.TempDir()}, cb)
	defer func() {
		com.Close()
		com.Wait()
	}()

	waitFor(t, 20*time.Second, com.IsOperational, "operational state after baudrate detection")
	assert.True(t, cb.sawState(StateDetectingBaudrate))
}

func TestSessionHostPrintWithZChanges(t *testing.T) {
	cb := &recordingCallback{}
	com := New(Config{Port: "VIRTUAL", Baudrate: 115200, VirtualSd: t.TempDir()}, cb)
	defer func() {
		com.Close()
		com.Wait()
	}()
	waitFor(t, 15*time.Second, com.IsOperational, "operational state")

	com.PrintGCode([]GcodeLine{
		{Cmd: "G1 X0 Z1.0"},
		{Cmd: "G1 X1 Z1.5"},
	})
	require.True(t, com.IsPrinting() || com.GetState() == StateOperational)

	waitFor(t, 15*time.Second, func() bool {
		return com.GetState() == StateOperational && !com.IsPrinting()
	}, "print to finish")
	assert.Equal(t, []float64{1.0, 1.5}, cb.zChangesSnapshot())
}

func TestSessionSdPrintFlow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "box.gco"), []byte("G28\nG1 Z1\nG1 Z2\n"), 0644))

	cb := &recordingCallback{}
	com := New(Config{Port: "VIRTUAL", Baudrate: 115200, VirtualSd: dir, SdSupport: true}, cb)
	defer func() {
		com.Close()
		com.Wait()
	}()
	waitFor(t, 15*time.Second, com.IsOperational, "operational state")

	com.InitSdCard()
	waitFor(t, 10*time.Second, com.IsSdReady, "SD card ready")
	waitFor(t, 10*time.Second, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		for _, files := range cb.sdFiles {
			for _, f := range files {
				if f == "BOX.GCO" {
					return true
				}
			}
		}
		return false
	}, "SD file list")

	com.SelectSdFile("BOX.GCO")
	waitFor(t, 10*time.Second, func() bool {
		com.mu.Lock()
		defer com.mu.Unlock()
		return com.sdFile != ""
	}, "SD file selected")

	com.PrintSdFile()
	require.True(t, com.IsSdPrinting())

	done := func() bool {
		return !com.IsSdPrinting() && com.GetState() == StateOperational
	}
	waitFor(t, 20*time.Second, done, "SD print to finish")
}

func TestSessionAutodetectFailsWithoutProgrammer(t *testing.T) {
	cb := &recordingCallback{}
	com := New(Config{Port: "AUTO"}, cb)
	com.Wait()
	assert.Equal(t, StateError, com.GetState())
	assert.Equal(t, "Failed to autodetect serial port.", com.ErrorString())
	assert.True(t, cb.sawState(StateDetectingSerial))
}
