package comm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain reads every line the virtual printer has buffered right now.
func drain(t *testing.T, vp *VirtualPrinter) []string {
	t.Helper()
	var out []string
	for {
		vp.mu.Lock()
		n := len(vp.readList)
		vp.mu.Unlock()
		if n == 0 {
			return out
		}
		line, err := vp.ReadLine()
		require.NoError(t, err)
		out = append(out, strings.TrimRight(line, "\n"))
	}
}

func newVirtualSd(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestVirtualStartupBanner(t *testing.T) {
	vp := NewVirtualPrinter(t.TempDir())
	defer vp.Close()
	lines := drain(t, vp)
	require.True(t, len(lines) >= 4)
	assert.Equal(t, "start", lines[0])
	assert.Equal(t, "Marlin: Virtual Marlin!", lines[1])
	assert.Equal(t, "\x80", lines[2])
	assert.Equal(t, "SD init fail", lines[3])
}

func TestVirtualM105(t *testing.T) {
	vp := NewVirtualPrinter(t.TempDir())
	defer vp.Close()
	drain(t, vp)

	vp.Write([]byte("M104 S210\n"))
	vp.Write([]byte("M105\n"))
	lines := drain(t, vp)
	require.Len(t, lines, 2)
	assert.Equal(t, "ok", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "ok T:"))
	assert.Contains(t, lines[1], "/210.00")
	assert.Contains(t, lines[1], "@:64")
}

func TestVirtualTempDriftsTowardTarget(t *testing.T) {
	vp := NewVirtualPrinter(t.TempDir())
	defer vp.Close()
	drain(t, vp)
	vp.Write([]byte("M104 S100\n"))
	drain(t, vp)

	time.Sleep(300 * time.Millisecond)
	// The drift is applied while reading, so the first report after the
	// sleep still carries the stale value and the second one moved.
	vp.Write([]byte("M105\n"))
	drain(t, vp)
	vp.Write([]byte("M105\n"))
	line := drain(t, vp)[0]
	// About 10 units per second, so after 300ms we expect a few units.
	assert.True(t, strings.HasPrefix(line, "ok T:"))
	assert.NotContains(t, line, "ok T:0.00 ")
}

func TestVirtualSdListing(t *testing.T) {
	dir := newVirtualSd(t, map[string]string{"box.gco": "G28\n", "cube.gco": "G28\n"})
	vp := NewVirtualPrinter(dir)
	defer vp.Close()
	drain(t, vp)

	// Without an initialized card M20 stays silent.
	vp.Write([]byte("M20\n"))
	assert.Empty(t, drain(t, vp))

	vp.Write([]byte("M21\n"))
	vp.Write([]byte("M20\n"))
	lines := drain(t, vp)
	require.Len(t, lines, 6)
	assert.Equal(t, []string{"SD card ok", "Begin file list", "BOX.GCO", "CUBE.GCO", "End file list", "ok"}, lines)
}

func TestVirtualSelectSdFile(t *testing.T) {
	dir := newVirtualSd(t, map[string]string{"box.gco": "G28\nG1 Z1\n"})
	vp := NewVirtualPrinter(dir)
	defer vp.Close()
	drain(t, vp)
	vp.Write([]byte("M21\n"))
	drain(t, vp)

	// Resolution is case-insensitive.
	vp.Write([]byte("M23 BOX.GCO\n"))
	lines := drain(t, vp)
	require.Len(t, lines, 2)
	assert.Equal(t, "File opened: BOX.GCO  Size: 10", lines[0])
	assert.Equal(t, "File selected", lines[1])

	vp.Write([]byte("M23 missing.gco\n"))
	lines = drain(t, vp)
	require.Len(t, lines, 1)
	assert.Equal(t, "open failed, File: missing.gco.", lines[0])
}

func TestVirtualSdPrintRunsToCompletion(t *testing.T) {
	dir := newVirtualSd(t, map[string]string{"box.gco": "G28\nG1 Z1\nG1 Z2\n"})
	vp := NewVirtualPrinter(dir)
	defer vp.Close()
	drain(t, vp)
	vp.Write([]byte("M21\n"))
	vp.Write([]byte("M23 box.gco\n"))
	drain(t, vp)

	vp.Write([]byte("M24\n"))
	deadline := time.Now().Add(5 * time.Second)
	var lines []string
	for time.Now().Before(deadline) {
		lines = append(lines, drain(t, vp)...)
		done := false
		for _, l := range lines {
			if l == "Done printing file" {
				done = true
			}
		}
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Contains(t, lines, "ok")
	assert.Contains(t, lines, "Done printing file")
}

func TestVirtualM27ReportsProgress(t *testing.T) {
	dir := newVirtualSd(t, map[string]string{"box.gco": strings.Repeat("G1 Z1\n", 100)})
	vp := NewVirtualPrinter(dir)
	defer vp.Close()
	drain(t, vp)
	vp.Write([]byte("M21\n"))
	vp.Write([]byte("M23 box.gco\n"))
	drain(t, vp)

	vp.Write([]byte("M27\n"))
	assert.Equal(t, []string{"Not SD printing"}, drain(t, vp))

	vp.Write([]byte("M24\n"))
	drain(t, vp)
	time.Sleep(100 * time.Millisecond)
	vp.Write([]byte("M27\n"))
	lines := drain(t, vp)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "SD printing byte "), "got %q", lines[0])
	assert.True(t, strings.HasSuffix(lines[0], "/600"), "got %q", lines[0])

	// Pausing stops the report.
	vp.Write([]byte("M25\n"))
	drain(t, vp)
	vp.Write([]byte("M27\n"))
	assert.Equal(t, []string{"Not SD printing"}, drain(t, vp))
}

func TestVirtualSdWriteCapture(t *testing.T) {
	dir := newVirtualSd(t, nil)
	vp := NewVirtualPrinter(dir)
	defer vp.Close()
	drain(t, vp)
	vp.Write([]byte("M21\n"))
	drain(t, vp)

	vp.Write([]byte("M28 NEW.GCO\n"))
	assert.Equal(t, []string{"ok"}, drain(t, vp))
	vp.Write([]byte("G28\n"))
	vp.Write([]byte("G1 Z1\n"))
	vp.Write([]byte("M29 NEW.GCO\n"))
	assert.Equal(t, []string{"ok"}, drain(t, vp))

	data, err := os.ReadFile(filepath.Join(dir, "new.gco"))
	require.NoError(t, err)
	assert.Equal(t, "G28\nG1 Z1\n", string(data))

	vp.Write([]byte("M30 new.gco\n"))
	drain(t, vp)
	_, err = os.Stat(filepath.Join(dir, "new.gco"))
	assert.True(t, os.IsNotExist(err))
}

func TestVirtualResendFault(t *testing.T) {
	vp := NewVirtualPrinter(t.TempDir())
	defer vp.Close()
	drain(t, vp)

	vp.Write([]byte("M110 N100\n"))
	assert.Equal(t, []string{"ok"}, drain(t, vp))

	vp.Write([]byte("N100G28*22\n"))
	lines := drain(t, vp)
	require.Len(t, lines, 2)
	assert.Equal(t, "Error: Line Number is not Last Line Number", lines[0])
	assert.Equal(t, "rs 95", lines[1])

	// The fault fires only once.
	vp.Write([]byte("N101G28*23\n"))
	assert.Equal(t, []string{"ok"}, drain(t, vp))
}

func TestVirtualM999RespondsWithResend(t *testing.T) {
	vp := NewVirtualPrinter(t.TempDir())
	defer vp.Close()
	drain(t, vp)
	vp.Write([]byte("M999\n"))
	assert.Equal(t, []string{"Resend: 1"}, drain(t, vp))
}

func TestVirtualClosedReads(t *testing.T) {
	vp := NewVirtualPrinter(t.TempDir())
	vp.Close()
	_, err := vp.ReadLine()
	assert.Equal(t, ErrClosed, err)
	_, err = vp.Write([]byte("M105\n"))
	assert.Equal(t, ErrClosed, err)
}
