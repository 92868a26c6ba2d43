package comm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robodone/printhost/gcode"
)

const (
	historySize      = 50
	logSize          = 256
	commandQueueSize = 64
)

var (
	splitErrorRe  = regexp.MustCompile(`^Error:[0-9]$`)
	tempValueRe   = regexp.MustCompile(`-?[0-9.]*`)
	sdProgressRe  = regexp.MustCompile(`([0-9]*)/([0-9]*)`)
	fileOpenedRe  = regexp.MustCompile(`File opened:\s*(.*?)\s+Size:\s*([0-9]*)`)
	feedRateRe    = regexp.MustCompile(`F([0-9]+)`)
	zValueRe      = regexp.MustCompile(`Z([0-9.]+)`)
)

// Communication errors the firmware corrects on its own via the resend
// protocol. They never fail the session.
var benignErrors = []string{
	"checksum mismatch",
	"Wrong checksum",
	"Line Number is not Last Line Number",
	"expected line",
	"No Line Number with checksum",
	"No Checksum with line number",
	"Missing checksum",
}

// GcodeLine is one entry of a host print job. A non-empty Section switches
// the active section, which selects the feed rate modifier applied to
// subsequent moves.
type GcodeLine struct {
	Cmd     string
	Section string
}

// MachineCom drives a Marlin/Repetier/Sprinter firmware over a serial
// link: it negotiates the connection, streams line-numbered checksummed
// g-code, recovers from resend requests and reports asynchronous status
// lines through the Callback.
type MachineCom struct {
	cfg      Config
	callback Callback

	mu         sync.Mutex
	state      State
	serial     Transport
	errorValue string

	currentLine int
	resendDelta int // -1 when no resend is pending
	lastLines   *historyRing

	gcodeList    []GcodeLine
	gcodePos     int
	printSection string

	feedRateModifier map[string]float64
	currentZ         float64
	hasCurrentZ      bool

	temp          float64
	bedTemp       float64
	targetTemp    float64
	bedTargetTemp float64

	heatupWaitStartTime time.Time
	heatupWaitTimeLost  time.Duration
	printStartTime      time.Time
	printStartTime100   time.Time

	sdAvailable bool
	sdPrinting  bool
	sdFileList  bool
	sdFile      string
	sdFilePos   int
	sdFileSize  int
	sdFiles     []string

	baudrateDetectList   []int
	baudrateDetectRetry  int
	baudrateDetectTestOk int

	commandQueue chan string
	logRing      *logRing

	sendingMu  sync.Mutex
	sendNextMu sync.Mutex

	done chan struct{}
}

// New creates a session for the given configuration and starts its
// monitor goroutine. The monitor owns the transport and exits once the
// transport is closed or fails; an Error state alone does not stop it.
func New(cfg Config, cb Callback) *MachineCom {
	com := newMachineCom(cfg, cb)
	go com.monitor()
	return com
}

func newMachineCom(cfg Config, cb Callback) *MachineCom {
	if cb == nil {
		cb = NoopCallback{}
	}
	return &MachineCom{
		cfg:                cfg,
		callback:           cb,
		state:              StateOffline,
		currentLine:        1,
		resendDelta:        -1,
		lastLines:          newHistoryRing(historySize),
		feedRateModifier:   make(map[string]float64),
		commandQueue:       make(chan string, commandQueueSize),
		logRing:            newLogRing(logSize),
		baudrateDetectList: baudrateCandidates(cfg.LastBaudrate),
		done:               make(chan struct{}),
	}
}

// Wait blocks until the monitor goroutine has exited.
func (com *MachineCom) Wait() {
	<-com.done
}

func (com *MachineCom) getTransport() Transport {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.serial
}

func (com *MachineCom) setTransport(t Transport) {
	com.mu.Lock()
	defer com.mu.Unlock()
	com.serial = t
}

func (com *MachineCom) log(message string) {
	com.logRing.Add(message)
	com.callback.OnLog(message)
}

func (com *MachineCom) logf(format string, args ...interface{}) {
	com.log(fmt.Sprintf(format, args...))
}

func (com *MachineCom) setError(msg string) {
	com.mu.Lock()
	com.errorValue = msg
	com.mu.Unlock()
}

func (com *MachineCom) changeState(newState State) {
	com.mu.Lock()
	if com.state == newState {
		com.mu.Unlock()
		return
	}
	oldStr := com.stateStringLocked()
	notifySdCleared := false
	if newState == StateClosed || newState == StateClosedWithError {
		if com.cfg.SdSupport {
			com.sdPrinting = false
			com.sdFileList = false
			com.sdFile = ""
			com.sdFilePos = 0
			com.sdFileSize = 0
			com.sdFiles = nil
			notifySdCleared = true
		}
	}
	com.state = newState
	newStr := com.stateStringLocked()
	com.mu.Unlock()

	if notifySdCleared {
		com.callback.OnSdFiles(nil)
	}
	com.logf("Changing monitoring state from '%s' to '%s'", oldStr, newStr)
	com.callback.OnStateChange(newState)
}

// Close shuts the transport down and moves the session to its terminal
// Closed state. Safe to call from any goroutine.
func (com *MachineCom) Close() {
	com.close(false)
}

func (com *MachineCom) close(isError bool) {
	com.mu.Lock()
	t := com.serial
	com.serial = nil
	com.mu.Unlock()
	if t == nil {
		return
	}
	t.Close()
	if isError {
		com.changeState(StateClosedWithError)
	} else {
		com.changeState(StateClosed)
	}
}

func asciiReplace(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x80 {
			b.WriteByte(c)
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}

// matchesGcode reports whether line carries the given G/M code as its
// first token, so "M110 N42" matches "M110" but "M1101" does not.
func matchesGcode(line, code string) bool {
	line = strings.ToUpper(strings.TrimSpace(line))
	if !strings.HasPrefix(line, code) {
		return false
	}
	rest := line[len(code):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t'
}

// readline returns the next trimmed line from the transport. The second
// return value is false when the monitor should exit: the transport is
// gone, either deliberately or through a read error.
func (com *MachineCom) readline() (string, bool) {
	t := com.getTransport()
	if t == nil {
		return "", false
	}
	raw, err := t.ReadLine()
	if err != nil {
		if com.getTransport() == nil {
			// Closed deliberately.
			return "", false
		}
		com.logf("Unexpected error while reading serial port: %v", err)
		com.setError(err.Error())
		com.close(true)
		return "", false
	}
	if raw == "" {
		// Read timeout.
		return "", true
	}
	line := strings.TrimRight(raw, "\r\n")
	com.log("Recv: " + asciiReplace(line))
	return line, true
}

func (com *MachineCom) writeRaw(data string) error {
	t := com.getTransport()
	if t == nil {
		return ErrClosed
	}
	_, err := t.Write([]byte(data))
	return err
}

func isBenignError(line string) bool {
	for _, b := range benignErrors {
		if strings.Contains(line, b) {
			return true
		}
	}
	return false
}

func (com *MachineCom) monitor() {
	defer close(com.done)

	// Open the serial port.
	switch com.cfg.Port {
	case "AUTO":
		com.changeState(StateDetectingSerial)
		if com.cfg.Programmer != nil {
			candidates := serialPortCandidates("")
			com.logf("Serial port list: %v", candidates)
			for _, p := range candidates {
				com.log("Connecting to: " + p)
				if err := com.cfg.Programmer.Connect(p); err != nil {
					com.logf("Error while connecting to %s: %v", p, err)
					com.cfg.Programmer.Close()
					continue
				}
				t, err := com.cfg.Programmer.LeaveISP()
				if err != nil {
					com.logf("Error while connecting to %s: %v", p, err)
					com.cfg.Programmer.Close()
					continue
				}
				com.setTransport(t)
				break
			}
		}
	case "VIRTUAL":
		com.changeState(StateOpeningSerial)
		com.setTransport(NewVirtualPrinter(com.cfg.VirtualSd))
	default:
		com.changeState(StateOpeningSerial)
		com.log("Connecting to: " + com.cfg.Port)
		var t Transport
		var err error
		if com.cfg.Baudrate == 0 {
			t, err = OpenSerial(com.cfg.Port, 115200, 100*time.Millisecond)
		} else {
			t, err = OpenSerial(com.cfg.Port, com.cfg.Baudrate, 2*time.Second)
		}
		if err != nil {
			com.logf("Unexpected error while connecting to serial port: %s %v", com.cfg.Port, err)
		} else {
			com.setTransport(t)
		}
	}

	if com.getTransport() == nil {
		com.logf("Failed to open serial port (%s)", com.cfg.Port)
		com.setError("Failed to autodetect serial port.")
		com.changeState(StateError)
		return
	}
	com.log("Connected, starting monitor")
	if com.cfg.Baudrate == 0 {
		com.changeState(StateDetectingBaudrate)
	} else {
		com.changeState(StateConnecting)
	}

	// Start monitoring the serial port.
	timeout := time.Now().Add(5 * time.Second)
	tempRequestTimeout := timeout
	sdStatusRequestTimeout := timeout
	startSeen := !com.cfg.WaitForStartOnConnect

	for {
		line, alive := com.readline()
		if !alive {
			break
		}

		// Marlin reports a MIN/MAX temp error as
		// "Error:x\n: Extruder switched off. MAXTEMP triggered !"
		// so the message may continue on the next line.
		if splitErrorRe.MatchString(line) {
			next, ok := com.readline()
			if ok {
				line = line + next
			}
		}

		if com.processLine(line) {
			continue
		}

		switch com.currentState() {
		case StateDetectingBaudrate:
			timeout = com.detectBaudrate(line, timeout)

		case StateConnecting:
			if (line == "" || strings.Contains(line, "wait")) && startSeen {
				com.sendCommandStr("M105", false)
			} else if strings.Contains(line, "start") {
				startSeen = true
			} else if strings.Contains(line, "ok") && startSeen {
				com.changeState(StateOperational)
			} else if time.Now().After(timeout) {
				com.Close()
			}

		case StateOperational, StatePaused:
			// Request the temperature on comm timeout when not printing.
			if line == "" || strings.Contains(line, "wait") {
				if com.resendPending() {
					com.resendNextCommand()
				} else if cmd, ok := com.dequeueCommand(); ok {
					com.sendCommandStr(cmd, false)
				} else {
					com.sendCommandStr("M105", false)
				}
				tempRequestTimeout = time.Now().Add(5 * time.Second)
			} else if strings.Contains(strings.ToLower(line), "resend") || strings.Contains(line, "rs") {
				com.handleResendRequest(line)
			}

		case StatePrinting:
			if line == "" && time.Now().After(timeout) {
				com.log("Communication timeout during printing, forcing a line")
				line = "ok"
			}

			if com.IsSdPrinting() {
				if time.Now().After(tempRequestTimeout) {
					com.sendCommandStr("M105", false)
					tempRequestTimeout = time.Now().Add(5 * time.Second)
				}
				if time.Now().After(sdStatusRequestTimeout) {
					com.sendCommandStr("M27", false)
					sdStatusRequestTimeout = time.Now().Add(time.Second)
				}
				if strings.Contains(line, "ok") || strings.Contains(line, "SD printing byte") {
					timeout = time.Now().Add(5 * time.Second)
				}
			} else {
				// Even when printing request the temperature every 5
				// seconds, without bypassing flow control.
				if time.Now().After(tempRequestTimeout) {
					com.enqueueCommand("M105")
					tempRequestTimeout = time.Now().Add(5 * time.Second)
				}
				if strings.Contains(line, "ok") {
					timeout = time.Now().Add(5 * time.Second)
					if com.resendPending() {
						com.resendNextCommand()
					} else if cmd, ok := com.dequeueCommand(); ok {
						com.sendCommandStr(cmd, false)
					} else {
						com.sendNext()
					}
				} else if strings.Contains(strings.ToLower(line), "resend") || strings.Contains(line, "rs") {
					com.handleResendRequest(line)
				}
			}
		}
	}
	com.log("Connection closed, closing down monitor")
}

// processLine applies the stateless part of line handling: error
// promotion, SD file list accumulation and event classification. It
// returns true when the line is fully consumed and the monitor should
// skip flow-control dispatch for it.
func (com *MachineCom) processLine(line string) bool {
	// No matter the state, if we see an error, go to the error state and
	// store the error for reference.
	if strings.HasPrefix(line, "Error:") {
		if !isBenignError(line) && !com.IsError() {
			com.setError(line[len("Error:"):])
			com.changeState(StateError)
		}
	}

	// While receiving an SD file list, each line is just a filename.
	if com.collectingSdFileList() && !strings.Contains(line, "End file list") {
		com.mu.Lock()
		com.sdFiles = append(com.sdFiles, line)
		com.mu.Unlock()
		return true
	}

	com.classifyLine(line)
	return false
}

// classifyLine handles temperature reports, SD events and firmware
// messages. Baudrate/connection/printing flow control is dispatched by
// the monitor afterwards.
func (com *MachineCom) classifyLine(line string) {
	switch {
	case strings.Contains(line, " T:") || strings.HasPrefix(line, "T:"):
		if v, ok := parseFloatAfter(line, "T:"); ok {
			com.mu.Lock()
			com.temp = v
			if strings.Contains(line, " B:") {
				if b, ok := parseFloatAfter(line, " B:"); ok {
					com.bedTemp = b
				}
			}
			temp, bedTemp := com.temp, com.bedTemp
			targetTemp, bedTargetTemp := com.targetTemp, com.bedTargetTemp
			com.mu.Unlock()
			com.callback.OnTemperatureUpdate(temp, bedTemp, targetTemp, bedTargetTemp)
		}
		// If we are waiting for an M109 or M190, measure the time lost
		// during heatup so it can be removed from the print estimate.
		if !strings.Contains(line, "ok") {
			com.mu.Lock()
			if !com.heatupWaitStartTime.IsZero() {
				now := time.Now()
				com.heatupWaitTimeLost += now.Sub(com.heatupWaitStartTime)
				com.heatupWaitStartTime = now
			}
			com.mu.Unlock()
		}

	case strings.Contains(line, "SD init fail"):
		com.mu.Lock()
		com.sdAvailable = false
		com.sdFiles = nil
		com.mu.Unlock()
		com.callback.OnSdStateChange(false)

	case strings.Contains(line, "SD card ok"):
		com.mu.Lock()
		com.sdAvailable = true
		com.mu.Unlock()
		com.RefreshSdFiles()
		com.callback.OnSdStateChange(true)

	case strings.Contains(line, "Begin file list"):
		com.mu.Lock()
		com.sdFiles = nil
		com.sdFileList = true
		com.mu.Unlock()

	case strings.Contains(line, "End file list"):
		com.mu.Lock()
		com.sdFileList = false
		files := append([]string(nil), com.sdFiles...)
		com.mu.Unlock()
		com.callback.OnSdFiles(files)

	case strings.Contains(line, "SD printing byte"):
		// Answer to M27: "SD printing byte %d/%d"
		if m := sdProgressRe.FindStringSubmatch(line); m != nil {
			pos, err1 := strconv.Atoi(m[1])
			size, err2 := strconv.Atoi(m[2])
			if err1 == nil && err2 == nil {
				com.mu.Lock()
				com.sdFilePos = pos
				com.sdFileSize = size
				com.mu.Unlock()
				com.callback.OnProgress()
			}
		}

	case strings.Contains(line, "File opened"):
		// Answer to M23: "File opened:%s Size:%d"
		if m := fileOpenedRe.FindStringSubmatch(line); m != nil {
			size, err := strconv.Atoi(m[2])
			if err == nil {
				com.mu.Lock()
				com.sdFile = m[1]
				com.sdFileSize = size
				com.mu.Unlock()
			}
		}

	case strings.Contains(line, "File selected"):
		com.mu.Lock()
		name, size := com.sdFile, com.sdFileSize
		com.mu.Unlock()
		com.callback.OnSdSelected(name, size)

	case strings.Contains(line, "Done printing file"):
		com.mu.Lock()
		com.sdPrinting = false
		com.sdFilePos = 0
		com.mu.Unlock()
		com.changeState(StateOperational)
		com.callback.OnSdPrintingDone()

	default:
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && trimmed != "ok" && !strings.HasPrefix(line, "wait") &&
			!strings.HasPrefix(line, "Resend:") && trimmed != `echo:Unknown command:""` &&
			com.IsOperational() {
			com.callback.OnMessage(line)
		}
	}
}

// detectBaudrate advances the baudrate autodetection and returns the
// possibly renewed phase timeout.
func (com *MachineCom) detectBaudrate(line string, timeout time.Time) time.Time {
	if line == "" || time.Now().After(timeout) {
		if len(com.baudrateDetectList) == 0 {
			com.Close()
			com.setError("No more baudrates to test, and no suitable baudrate found.")
			com.changeState(StateError)
		} else if com.baudrateDetectRetry > 0 {
			com.baudrateDetectRetry--
			com.writeRaw("\n")
			com.logf("Baudrate test retry: %d", com.baudrateDetectRetry)
			com.sendCommandStr("M105", false)
		} else {
			baud := com.baudrateDetectList[0]
			com.baudrateDetectList = com.baudrateDetectList[1:]
			t := com.getTransport()
			if t == nil {
				return timeout
			}
			if err := t.SetBaudrate(baud); err != nil {
				com.logf("Unexpected error while setting baudrate: %d %v", baud, err)
				return timeout
			}
			t.SetReadTimeout(500 * time.Millisecond)
			com.logf("Trying baudrate: %d", baud)
			com.baudrateDetectRetry = 5
			com.baudrateDetectTestOk = 0
			timeout = time.Now().Add(5 * time.Second)
			com.writeRaw("\n")
			com.sendCommandStr("M105", false)
		}
	} else if strings.Contains(line, "ok") && strings.Contains(line, "T:") {
		com.baudrateDetectTestOk++
		if com.baudrateDetectTestOk < 10 {
			com.logf("Baudrate test ok: %d", com.baudrateDetectTestOk)
			com.sendCommandStr("M105", false)
		} else {
			com.sendCommandStr("M999", false)
			if t := com.getTransport(); t != nil {
				t.SetReadTimeout(2 * time.Second)
			}
			com.changeState(StateOperational)
		}
	}
	return timeout
}

func parseFloatAfter(line, marker string) (float64, bool) {
	parts := strings.SplitN(line, marker, 2)
	if len(parts) < 2 {
		return 0, false
	}
	str := tempValueRe.FindString(parts[1])
	if str == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (com *MachineCom) collectingSdFileList() bool {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.sdFileList
}

func (com *MachineCom) currentState() State {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.state
}

func (com *MachineCom) resendPending() bool {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.resendDelta >= 0
}

func (com *MachineCom) enqueueCommand(cmd string) {
	select {
	case com.commandQueue <- cmd:
	default:
		com.logf("Command queue is full, dropping %q", cmd)
	}
}

func (com *MachineCom) dequeueCommand() (string, bool) {
	select {
	case cmd := <-com.commandQueue:
		return cmd, true
	default:
		return "", false
	}
}

//~~ Sending

// sendCommandStr is the single critical section all outbound commands go
// through. Only one outbound write is in flight at a time.
func (com *MachineCom) sendCommandStr(cmd string, sendChecksum bool) {
	com.sendingMu.Lock()
	defer com.sendingMu.Unlock()
	if com.getTransport() == nil {
		return
	}
	if matchesGcode(cmd, "M109") || matchesGcode(cmd, "M190") {
		com.mu.Lock()
		com.heatupWaitStartTime = time.Now()
		com.mu.Unlock()
	}
	if matchesGcode(cmd, "M104") || matchesGcode(cmd, "M109") {
		if v, ok := parseSValue(cmd); ok {
			com.mu.Lock()
			com.targetTemp = v
			com.mu.Unlock()
		}
	}
	if matchesGcode(cmd, "M140") || matchesGcode(cmd, "M190") {
		if v, ok := parseSValue(cmd); ok {
			com.mu.Lock()
			com.bedTargetTemp = v
			com.mu.Unlock()
		}
	}

	if matchesGcode(cmd, "M110") {
		newLineNumber := 0
		hasNew := true
		if strings.Contains(cmd, " N") {
			if m := nValueRe.FindStringSubmatch(cmd); m != nil {
				n, err := strconv.Atoi(m[1])
				if err == nil {
					newLineNumber = n
				} else {
					hasNew = false
				}
			} else {
				hasNew = false
			}
		}

		if com.cfg.ResetLineNumbersWithPrefixedN && hasNew {
			// Rewrite the M110 command to fit repetier syntax.
			com.addToLastLines(cmd)
			com.doSendWithChecksum("M110", newLineNumber)
		} else {
			com.doSend(cmd, sendChecksum)
		}

		com.mu.Lock()
		if hasNew {
			com.currentLine = newLineNumber + 1
		}
		// After a reset of the line number we have no way to determine
		// what line exactly the printer now wants.
		com.lastLines.Clear()
		com.resendDelta = -1
		com.mu.Unlock()
		return
	}

	com.doSend(cmd, sendChecksum)
}

func (com *MachineCom) addToLastLines(cmd string) {
	com.mu.Lock()
	com.lastLines.Add(cmd)
	com.mu.Unlock()
}

func (com *MachineCom) doSend(cmd string, sendChecksum bool) {
	if sendChecksum || com.cfg.AlwaysSendChecksum {
		com.mu.Lock()
		lineNumber := com.gcodePos
		if com.cfg.AlwaysSendChecksum {
			lineNumber = com.currentLine
		}
		com.lastLines.Add(cmd)
		com.currentLine++
		com.mu.Unlock()
		com.doSendWithChecksum(cmd, lineNumber)
	} else {
		com.doSendWithoutChecksum(cmd)
	}
}

func (com *MachineCom) doSendWithChecksum(cmd string, lineNumber int) {
	com.doSendWithoutChecksum(gcode.AddLineAndHash(lineNumber, cmd))
}

func (com *MachineCom) doSendWithoutChecksum(cmd string) {
	com.log("Send: " + cmd)
	err := com.writeRaw(cmd + "\n")
	if err == ErrWriteTimeout {
		com.log("Serial timeout while writing to serial port, trying again.")
		err = com.writeRaw(cmd + "\n")
	}
	if err != nil {
		com.logf("Unexpected error while writing serial port: %v", err)
		com.setError(err.Error())
		com.close(true)
	}
}

//~~ Resend handling

func parseResendTarget(line string) (int, bool) {
	cleaned := strings.NewReplacer("N:", " ", "N", " ", ":", " ").Replace(line)
	fields := strings.Fields(cleaned)
	if len(fields) > 0 {
		if n, err := strconv.Atoi(fields[len(fields)-1]); err == nil {
			return n, true
		}
	}
	if strings.Contains(line, "rs") {
		fields := strings.Fields(line)
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func (com *MachineCom) handleResendRequest(line string) {
	lineToResend, ok := parseResendTarget(line)
	if !ok {
		return
	}
	com.mu.Lock()
	delta := com.currentLine - lineToResend
	if delta >= com.lastLines.Len() {
		com.errorValue = fmt.Sprintf("Printer requested line %d but no sufficient history is available, can't resend", lineToResend)
		msg := com.errorValue
		printing := com.state == StatePrinting
		com.resendDelta = -1
		com.mu.Unlock()
		com.log(msg)
		if printing {
			// Abort the print, there's nothing we can do to rescue it now.
			com.changeState(StateError)
		}
		return
	}
	com.resendDelta = delta
	com.mu.Unlock()
	com.resendNextCommand()
}

func (com *MachineCom) resendNextCommand() {
	com.sendingMu.Lock()
	defer com.sendingMu.Unlock()
	com.mu.Lock()
	if com.resendDelta < 0 || com.resendDelta >= com.lastLines.Len() {
		com.mu.Unlock()
		return
	}
	cmd := com.lastLines.FromEnd(com.resendDelta)
	lineNumber := com.currentLine - com.resendDelta
	com.mu.Unlock()

	com.doSendWithChecksum(cmd, lineNumber)

	com.mu.Lock()
	com.resendDelta--
	if com.resendDelta <= 0 {
		com.resendDelta = -1
	}
	com.mu.Unlock()
}

//~~ Host print pacing

func (com *MachineCom) sendNext() {
	com.sendNextMu.Lock()
	defer com.sendNextMu.Unlock()

	com.mu.Lock()
	if com.gcodePos >= len(com.gcodeList) {
		com.mu.Unlock()
		com.changeState(StateOperational)
		return
	}
	if com.gcodePos == 100 {
		com.printStartTime100 = time.Now()
	}
	entry := com.gcodeList[com.gcodePos]
	line := entry.Cmd
	if entry.Section != "" {
		com.printSection = entry.Section
	}
	mod, hasMod := com.feedRateModifier[com.printSection]
	com.mu.Unlock()

	if matchesGcode(line, "M0") || matchesGcode(line, "M1") {
		// Don't send M0 or M1 to the machine, they are handled as an
		// LCD menu pause there.
		com.SetPause(true)
		line = "M105"
	}
	if hasMod {
		line = feedRateRe.ReplaceAllStringFunc(line, func(s string) string {
			v, err := strconv.Atoi(s[1:])
			if err != nil {
				return s
			}
			return "F" + strconv.Itoa(int(float64(v)*mod))
		})
	}
	if (matchesGcode(line, "G0") || matchesGcode(line, "G1")) && strings.Contains(line, "Z") {
		if m := zValueRe.FindStringSubmatch(line); m != nil {
			if z, err := strconv.ParseFloat(m[1], 64); err == nil {
				com.mu.Lock()
				changed := !com.hasCurrentZ || com.currentZ != z
				if changed {
					com.currentZ = z
					com.hasCurrentZ = true
				}
				com.mu.Unlock()
				if changed {
					com.callback.OnZChange(z)
				}
			}
		}
	}

	com.sendCommandStr(line, true)
	com.mu.Lock()
	com.gcodePos++
	com.mu.Unlock()
	com.callback.OnProgress()
}
