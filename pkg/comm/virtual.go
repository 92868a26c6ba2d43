package comm

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var sValueRe = regexp.MustCompile(`S([0-9]+)`)
var nValueRe = regexp.MustCompile(`N([0-9]+)`)

// VirtualPrinter simulates a Marlin-family firmware behind the Transport
// contract. It exists so that the whole session stack can run and be
// tested without a device attached.
type VirtualPrinter struct {
	mu       sync.Mutex
	readList []string
	closed   bool

	temp          float64
	targetTemp    float64
	bedTemp       float64
	bedTargetTemp float64
	lastTempAt    time.Time

	virtualSd          string
	sdCardReady        bool
	printing           bool
	workerActive       bool
	selectedSdFile     string
	selectedSdFileSize int64
	selectedSdFilePos  int64
	writingToSd        bool
	newSdFilePos       int64
	currentLine        int
}

// NewVirtualPrinter creates a simulator backed by the given virtual SD
// directory. No SD card is available until M21 initializes it.
func NewVirtualPrinter(virtualSd string) *VirtualPrinter {
	vp := &VirtualPrinter{
		readList:      []string{"start\n", "Marlin: Virtual Marlin!\n", "\x80\n", "SD init fail\n"},
		bedTemp:       1.0,
		bedTargetTemp: 1.0,
		lastTempAt:    time.Now(),
		virtualSd:     virtualSd,
		newSdFilePos:  -1,
	}
	go vp.sendWaitAfterTimeout(5 * time.Second)
	return vp
}

func (vp *VirtualPrinter) sendWaitAfterTimeout(timeout time.Duration) {
	time.Sleep(timeout)
	vp.appendRead("wait")
}

func (vp *VirtualPrinter) appendRead(line string) {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	if vp.closed {
		return
	}
	vp.readList = append(vp.readList, line)
}

func (vp *VirtualPrinter) isClosed() bool {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return vp.closed
}

func (vp *VirtualPrinter) printingSet() bool {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return vp.printing
}

// driftTemps moves the hotend and bed temperatures toward their targets
// at 10 units per second of elapsed wall time. Must hold mu.
func (vp *VirtualPrinter) driftTemps() {
	now := time.Now()
	dt := now.Sub(vp.lastTempAt).Seconds()
	vp.lastTempAt = now
	if math.Abs(vp.temp-vp.targetTemp) > 1 {
		vp.temp += math.Copysign(dt*10, vp.targetTemp-vp.temp)
		if vp.temp < 0 {
			vp.temp = 0
		}
	}
	if math.Abs(vp.bedTemp-vp.bedTargetTemp) > 1 {
		vp.bedTemp += math.Copysign(dt*10, vp.bedTargetTemp-vp.bedTemp)
		if vp.bedTemp < 0 {
			vp.bedTemp = 0
		}
	}
}

func (vp *VirtualPrinter) ReadLine() (string, error) {
	for n := 0; n < 20; n++ {
		vp.mu.Lock()
		if vp.closed {
			vp.mu.Unlock()
			return "", ErrClosed
		}
		if n == 0 {
			vp.driftTemps()
		}
		if len(vp.readList) > 0 {
			line := vp.readList[0]
			vp.readList = vp.readList[1:]
			vp.mu.Unlock()
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			return line, nil
		}
		vp.mu.Unlock()
		time.Sleep(100 * time.Millisecond)
	}
	return "", nil
}

func parseSValue(data string) (float64, bool) {
	m := sValueRe.FindStringSubmatch(data)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (vp *VirtualPrinter) Write(p []byte) (int, error) {
	data := string(p)
	vp.mu.Lock()
	if vp.closed {
		vp.mu.Unlock()
		return 0, ErrClosed
	}
	// Shortcut for writing to SD: during an M28..M29 transfer every line
	// except the terminating M29 lands in the selected file.
	if vp.writingToSd && vp.selectedSdFile != "" && !strings.Contains(data, "M29") {
		file := vp.selectedSdFile
		vp.mu.Unlock()
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			f.WriteString(data)
			f.Close()
		}
		return len(p), nil
	}
	vp.mu.Unlock()

	if strings.Contains(data, "M104") || strings.Contains(data, "M109") {
		if v, ok := parseSValue(data); ok {
			vp.mu.Lock()
			vp.targetTemp = v
			vp.mu.Unlock()
		}
	}
	if strings.Contains(data, "M140") || strings.Contains(data, "M190") {
		if v, ok := parseSValue(data); ok {
			vp.mu.Lock()
			vp.bedTargetTemp = v
			vp.mu.Unlock()
		}
	}

	switch {
	case strings.Contains(data, "M105"):
		vp.mu.Lock()
		resp := fmt.Sprintf("ok T:%.2f /%.2f B:%.2f /%.2f @:64\n", vp.temp, vp.targetTemp, vp.bedTemp, vp.bedTargetTemp)
		vp.mu.Unlock()
		vp.appendRead(resp)
	case strings.Contains(data, "M20"):
		if vp.sdReady() {
			vp.listSd()
		}
	case strings.Contains(data, "M21"):
		vp.mu.Lock()
		vp.sdCardReady = true
		vp.mu.Unlock()
		vp.appendRead("SD card ok")
	case strings.Contains(data, "M22"):
		vp.mu.Lock()
		vp.sdCardReady = false
		vp.mu.Unlock()
	case strings.Contains(data, "M23"):
		if vp.sdReady() {
			vp.selectSdFile(argOf(data))
		}
	case strings.Contains(data, "M24"):
		if vp.sdReady() {
			vp.startSdPrint()
		}
	case strings.Contains(data, "M25"):
		if vp.sdReady() {
			vp.pauseSdPrint()
		}
	case strings.Contains(data, "M26"):
		if vp.sdReady() {
			if v, ok := parseSValue(data); ok {
				vp.mu.Lock()
				vp.newSdFilePos = int64(v)
				vp.mu.Unlock()
			}
		}
	case strings.Contains(data, "M27"):
		if vp.sdReady() {
			vp.reportSdStatus()
		}
	case strings.Contains(data, "M28"):
		if vp.sdReady() {
			vp.writeSdFile(argOf(data))
		}
	case strings.Contains(data, "M29"):
		if vp.sdReady() {
			vp.finishSdFile()
		}
	case strings.Contains(data, "M30"):
		if vp.sdReady() {
			vp.deleteSdFile(argOf(data))
		}
	case strings.Contains(data, "M110"):
		if m := nValueRe.FindStringSubmatch(data); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				vp.mu.Lock()
				vp.currentLine = n
				vp.mu.Unlock()
			}
		}
		vp.appendRead("ok\n")
	case strings.Contains(data, "M114"):
		vp.appendRead("ok C: X:10.00 Y:3.20 Z:5.20 E:1.24")
	case strings.Contains(data, "M999"):
		// Mirror Marlin behaviour.
		vp.appendRead("Resend: 1")
	case vp.atFaultLine():
		// Simulate a resend at line 100 of the last 5 lines.
		vp.appendRead("Error: Line Number is not Last Line Number\n")
		vp.mu.Lock()
		rs := fmt.Sprintf("rs %d\n", vp.currentLine-5)
		vp.mu.Unlock()
		vp.appendRead(rs)
	case len(strings.TrimSpace(data)) > 0:
		vp.appendRead("ok\n")
	}

	if strings.Contains(data, "*") {
		vp.mu.Lock()
		vp.currentLine++
		vp.mu.Unlock()
	}
	return len(p), nil
}

func (vp *VirtualPrinter) atFaultLine() bool {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return vp.currentLine == 100
}

func (vp *VirtualPrinter) sdReady() bool {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return vp.sdCardReady
}

// argOf extracts the filename argument of commands like "M23 box.gco".
func argOf(data string) string {
	fields := strings.Fields(strings.TrimSpace(data))
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func (vp *VirtualPrinter) listSd() {
	vp.appendRead("Begin file list")
	entries, err := os.ReadDir(vp.virtualSd)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			vp.appendRead(strings.ToUpper(e.Name()))
		}
	}
	vp.appendRead("End file list")
	vp.appendRead("ok")
}

func (vp *VirtualPrinter) selectSdFile(filename string) {
	match := ""
	entries, err := os.ReadDir(vp.virtualSd)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(e.Name(), filename) {
				match = e.Name()
				break
			}
		}
	}
	if match == "" {
		vp.appendRead(fmt.Sprintf("open failed, File: %s.", filename))
		return
	}
	full := filepath.Join(vp.virtualSd, match)
	st, err := os.Stat(full)
	if err != nil {
		vp.appendRead(fmt.Sprintf("open failed, File: %s.", filename))
		return
	}
	vp.mu.Lock()
	vp.selectedSdFile = full
	vp.selectedSdFileSize = st.Size()
	size := vp.selectedSdFileSize
	vp.mu.Unlock()
	vp.appendRead(fmt.Sprintf("File opened: %s  Size: %d", filename, size))
	vp.appendRead("File selected")
}

func (vp *VirtualPrinter) startSdPrint() {
	vp.mu.Lock()
	if vp.selectedSdFile != "" && !vp.workerActive {
		vp.workerActive = true
		go vp.sdPrintingWorker(vp.selectedSdFile)
	}
	vp.printing = true
	vp.mu.Unlock()
	vp.appendRead("ok")
}

func (vp *VirtualPrinter) pauseSdPrint() {
	vp.mu.Lock()
	vp.printing = false
	vp.mu.Unlock()
	vp.appendRead("ok")
}

func (vp *VirtualPrinter) reportSdStatus() {
	vp.mu.Lock()
	active := vp.workerActive && vp.printing
	pos, size := vp.selectedSdFilePos, vp.selectedSdFileSize
	vp.mu.Unlock()
	if active {
		vp.appendRead(fmt.Sprintf("SD printing byte %d/%d", pos, size))
	} else {
		vp.appendRead("Not SD printing")
	}
}

func (vp *VirtualPrinter) writeSdFile(filename string) {
	full := filepath.Join(vp.virtualSd, strings.ToLower(filename))
	if st, err := os.Stat(full); err == nil {
		if !st.Mode().IsRegular() {
			vp.appendRead("error writing to file")
			return
		}
		os.Remove(full)
	}
	vp.mu.Lock()
	vp.writingToSd = true
	vp.selectedSdFile = full
	vp.mu.Unlock()
	vp.appendRead("ok")
}

func (vp *VirtualPrinter) finishSdFile() {
	vp.mu.Lock()
	vp.writingToSd = false
	vp.selectedSdFile = ""
	vp.mu.Unlock()
	vp.appendRead("ok")
}

func (vp *VirtualPrinter) deleteSdFile(filename string) {
	full := filepath.Join(vp.virtualSd, strings.ToLower(filename))
	if st, err := os.Stat(full); err == nil && st.Mode().IsRegular() {
		os.Remove(full)
	}
	vp.appendRead("ok")
}

// sdPrintingWorker streams the selected file, one line every 10ms,
// honoring the pause signal and M26 repositioning requests.
func (vp *VirtualPrinter) sdPrintingWorker(file string) {
	data, err := os.ReadFile(file)
	if err != nil {
		data = nil
	}
	lines := strings.SplitAfter(string(data), "\n")
	offsets := make([]int64, len(lines))
	var off int64
	for i, line := range lines {
		offsets[i] = off
		off += int64(len(line))
	}

	i := 0
	for i < len(lines) {
		if vp.isClosed() {
			return
		}
		vp.mu.Lock()
		if vp.newSdFilePos >= 0 {
			target := vp.newSdFilePos
			vp.newSdFilePos = -1
			i = len(lines)
			for j, o := range offsets {
				if o >= target {
					i = j
					break
				}
			}
		}
		if i < len(lines) {
			vp.selectedSdFilePos = offsets[i]
		}
		vp.mu.Unlock()
		if i >= len(lines) {
			break
		}

		// If we are paused, wait for unpausing.
		for !vp.printingSet() {
			if vp.isClosed() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}

		line := lines[i]
		if strings.Contains(line, "M104") || strings.Contains(line, "M109") {
			if v, ok := parseSValue(line); ok {
				vp.mu.Lock()
				vp.targetTemp = v
				vp.mu.Unlock()
			}
		}
		if strings.Contains(line, "M140") || strings.Contains(line, "M190") {
			if v, ok := parseSValue(line); ok {
				vp.mu.Lock()
				vp.bedTargetTemp = v
				vp.mu.Unlock()
			}
		}
		i++
		time.Sleep(10 * time.Millisecond)
	}

	vp.mu.Lock()
	vp.printing = false
	vp.selectedSdFilePos = 0
	vp.workerActive = false
	vp.mu.Unlock()
	vp.appendRead("Done printing file")
}

func (vp *VirtualPrinter) SetBaudrate(baud int) error {
	return nil
}

func (vp *VirtualPrinter) SetReadTimeout(d time.Duration) error {
	return nil
}

func (vp *VirtualPrinter) Close() error {
	vp.mu.Lock()
	vp.closed = true
	vp.readList = nil
	vp.mu.Unlock()
	return nil
}
