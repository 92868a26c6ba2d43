package comm

import (
	"strings"
	"time"
)

// SendCommand injects a single command. While a print is running the
// command is queued: a host print sends it at the next ok slot, while an
// SD print leaves it queued until the session is operational or paused
// again. When merely operational it goes out immediately; otherwise it is
// dropped.
func (com *MachineCom) SendCommand(cmd string) {
	cmd = asciiReplace(cmd)
	if com.IsPrinting() {
		com.enqueueCommand(cmd)
	} else if com.IsOperational() {
		com.sendCommandStr(cmd, false)
	}
}

// PrintGCode starts a host print of the given command list. The list must
// not be mutated until the print finishes.
func (com *MachineCom) PrintGCode(gcodeList []GcodeLine) {
	if !com.IsOperational() || com.IsPrinting() {
		return
	}
	com.mu.Lock()
	com.sdPrinting = false
	com.gcodeList = gcodeList
	com.gcodePos = 0
	com.printSection = "CUSTOM"
	com.mu.Unlock()
	com.changeState(StatePrinting)
	com.mu.Lock()
	com.printStartTime = time.Now()
	com.mu.Unlock()
	com.sendNext()
}

// PrintSdFile starts printing the file previously selected with
// SelectSdFile from the printer's SD card.
func (com *MachineCom) PrintSdFile() {
	if !com.IsOperational() || com.IsPrinting() {
		return
	}
	if com.IsPaused() {
		// Reset the position in the file to byte 0.
		com.SendCommand("M26 S0")
	}
	com.SendCommand("M24")

	com.mu.Lock()
	com.printSection = "CUSTOM"
	com.sdPrinting = true
	com.mu.Unlock()
	com.changeState(StatePrinting)
	com.mu.Lock()
	com.printStartTime = time.Now()
	com.mu.Unlock()
}

// CancelPrint stops the current print. A host print is a state flip only;
// an SD print additionally pauses the firmware and rewinds the file.
func (com *MachineCom) CancelPrint() {
	if com.IsOperational() {
		com.changeState(StateOperational)
	}
	if com.IsSdPrinting() {
		com.mu.Lock()
		com.sdPrinting = false
		com.mu.Unlock()
		com.SendCommand("M25")
		com.SendCommand("M26 S0")
	}
}

// SetPause pauses or resumes the current print. Resuming a host print
// refills the pipeline with up to six lines.
func (com *MachineCom) SetPause(pause bool) {
	if !pause && com.IsPaused() {
		com.changeState(StatePrinting)
		if com.IsSdPrinting() {
			// Sent directly: SendCommand would queue it while printing,
			// and the SD printing loop does not drain the queue.
			com.sendCommandStr("M24", false)
		} else {
			for i := 0; i < 6; i++ {
				com.sendNext()
			}
		}
	}
	if pause && com.IsPrinting() {
		com.changeState(StatePaused)
		if com.IsSdPrinting() {
			com.SendCommand("M25")
		}
	}
}

// SetFeedrateModifier installs a feed rate multiplier for a print section.
func (com *MachineCom) SetFeedrateModifier(section string, factor float64) {
	com.mu.Lock()
	com.feedRateModifier[section] = factor
	com.mu.Unlock()
}

func (com *MachineCom) GetFeedrateModifiers() map[string]float64 {
	com.mu.Lock()
	defer com.mu.Unlock()
	out := make(map[string]float64, len(com.feedRateModifier))
	for k, v := range com.feedRateModifier {
		out[k] = v
	}
	return out
}

///~~ SD card operations

// StartSdFileTransfer begins streaming a file to the printer's SD card.
// Until EndSdFileTransfer the session is in the ReceivingFile state.
func (com *MachineCom) StartSdFileTransfer(filename string) {
	if !com.IsOperational() || com.IsPrinting() || com.IsPaused() {
		return
	}
	com.changeState(StateReceivingFile)
	com.SendCommand("M28 " + strings.ToLower(filename))
}

func (com *MachineCom) EndSdFileTransfer(filename string) {
	if !com.IsOperational() || com.IsPrinting() || com.IsPaused() {
		return
	}
	com.SendCommand("M29 " + strings.ToLower(filename))
	com.changeState(StateOperational)
	com.RefreshSdFiles()
}

func (com *MachineCom) SelectSdFile(filename string) {
	if !com.IsOperational() || com.IsPrinting() || com.IsPaused() {
		return
	}
	com.mu.Lock()
	com.sdFile = ""
	com.sdFilePos = 0
	com.mu.Unlock()
	com.SendCommand("M23 " + strings.ToLower(filename))
}

func (com *MachineCom) DeleteSdFile(filename string) {
	if !com.IsOperational() {
		return
	}
	com.mu.Lock()
	printingThatFile := com.sdFile == strings.ToLower(filename)
	com.mu.Unlock()
	if (com.IsPrinting() || com.IsPaused()) && printingThatFile {
		// Do not delete the file we are currently printing from.
		return
	}
	com.SendCommand("M30 " + strings.ToLower(filename))
	com.RefreshSdFiles()
}

func (com *MachineCom) RefreshSdFiles() {
	if !com.IsOperational() || com.IsPrinting() || com.IsPaused() {
		return
	}
	com.SendCommand("M20")
}

func (com *MachineCom) InitSdCard() {
	if !com.IsOperational() {
		return
	}
	com.SendCommand("M21")
}

func (com *MachineCom) ReleaseSdCard() {
	if !com.IsOperational() {
		return
	}
	if (com.IsPrinting() || com.IsPaused()) && com.IsSdPrinting() {
		// Do not release the SD card while printing from it.
		return
	}
	com.SendCommand("M22")
	com.mu.Lock()
	com.sdAvailable = false
	com.sdFiles = nil
	com.mu.Unlock()
	com.callback.OnSdStateChange(false)
	com.callback.OnSdFiles(nil)
}

///~~ Accessors

func (com *MachineCom) GetState() State {
	return com.currentState()
}

// StateString returns the display string of the current state, including
// the SD variant of Printing and the short error text.
func (com *MachineCom) StateString() string {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.stateStringLocked()
}

func (com *MachineCom) stateStringLocked() string {
	switch com.state {
	case StatePrinting:
		if com.sdPrinting {
			return "Printing from SD"
		}
		return "Printing"
	case StateError, StateClosedWithError:
		return "Error: " + com.shortErrorStringLocked()
	}
	return com.state.String()
}

// ShortErrorString returns the first 20 characters of the error value,
// with an ellipsis when longer.
func (com *MachineCom) ShortErrorString() string {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.shortErrorStringLocked()
}

func (com *MachineCom) shortErrorStringLocked() string {
	if len(com.errorValue) <= 20 {
		return com.errorValue
	}
	return com.errorValue[:20] + "..."
}

func (com *MachineCom) ErrorString() string {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.errorValue
}

func (com *MachineCom) IsClosedOrError() bool {
	s := com.currentState()
	return s == StateError || s == StateClosedWithError || s == StateClosed
}

func (com *MachineCom) IsError() bool {
	s := com.currentState()
	return s == StateError || s == StateClosedWithError
}

func (com *MachineCom) IsOperational() bool {
	s := com.currentState()
	return s == StateOperational || s == StatePrinting || s == StatePaused || s == StateReceivingFile
}

func (com *MachineCom) IsPrinting() bool {
	return com.currentState() == StatePrinting
}

func (com *MachineCom) IsSdPrinting() bool {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.sdPrinting
}

func (com *MachineCom) IsPaused() bool {
	return com.currentState() == StatePaused
}

func (com *MachineCom) IsBusy() bool {
	return com.IsPrinting() || com.currentState() == StateReceivingFile
}

func (com *MachineCom) IsSdReady() bool {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.sdAvailable
}

// PrintPos is the byte position for SD prints, the g-code index for host
// prints.
func (com *MachineCom) PrintPos() int {
	com.mu.Lock()
	defer com.mu.Unlock()
	if com.sdPrinting {
		return com.sdFilePos
	}
	return com.gcodePos
}

// PrintTime is the wall time spent in the current print, with heatup
// waits subtracted.
func (com *MachineCom) PrintTime() time.Duration {
	com.mu.Lock()
	defer com.mu.Unlock()
	if com.printStartTime.IsZero() {
		return 0
	}
	return time.Since(com.printStartTime) - com.heatupWaitTimeLost
}

// PrintTimeRemainingEstimate extrapolates the remaining print time from
// the progress so far. For host prints there is no estimate until 200
// lines have been sent.
func (com *MachineCom) PrintTimeRemainingEstimate() (time.Duration, bool) {
	com.mu.Lock()
	defer com.mu.Unlock()
	if com.printStartTime.IsZero() {
		return 0, false
	}
	elapsed := time.Since(com.printStartTime) - com.heatupWaitTimeLost
	if com.sdPrinting {
		var total time.Duration
		if com.sdFilePos > 0 {
			total = time.Duration(float64(elapsed) * float64(com.sdFileSize) / float64(com.sdFilePos))
		} else {
			total = time.Duration(float64(elapsed) * float64(com.sdFileSize))
		}
		return total - elapsed, true
	}
	if com.gcodePos < 200 {
		return 0, false
	}
	total := time.Duration(float64(elapsed) * float64(len(com.gcodeList)-100) / float64(com.gcodePos-100))
	return total - elapsed, true
}

// SdProgress returns the SD print position and file size in bytes.
func (com *MachineCom) SdProgress() (pos, size int) {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.sdFilePos, com.sdFileSize
}

func (com *MachineCom) Temp() float64 {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.temp
}

func (com *MachineCom) BedTemp() float64 {
	com.mu.Lock()
	defer com.mu.Unlock()
	return com.bedTemp
}

// Log returns a snapshot of the log ring, oldest line first.
func (com *MachineCom) Log() []string {
	return com.logRing.Snapshot()
}

func (com *MachineCom) SdFiles() []string {
	com.mu.Lock()
	defer com.mu.Unlock()
	return append([]string(nil), com.sdFiles...)
}
