package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/robodone/printhost/pkg/comm"
)

var (
	Version     = "dev"
	showVersion = flag.Bool("version", false, "If specified, the binary will show its version and exit")
	port        = flag.String("port", "VIRTUAL", "Serial port of the printer, such as /dev/ttyACM0. AUTO probes candidates, VIRTUAL runs the built-in simulator")
	baudRate    = flag.Int("rate", 0, "Baud rate. 0 enables autodetection")
	virtualSd   = flag.String("virtual_sd", "", "Directory backing the virtual printer's SD card")
	alwaysSum   = flag.Bool("always_checksum", false, "Send every command with a line number and checksum")
	waitStart   = flag.Bool("wait_for_start", false, "Wait for the firmware 'start' banner before connecting")
	sdSupport   = flag.Bool("sd", true, "Enable SD card support")
	prefixedN   = flag.Bool("reset_prefixed_n", false, "Rewrite M110 resets to the repetier N-prefixed syntax")
)

func failf(format string, args ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

func logf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// consoleCallback narrates session events to the terminal.
type consoleCallback struct {
	comm.NoopCallback
}

func (consoleCallback) OnLog(line string) {
	logf("%s", line)
}

func (consoleCallback) OnTemperatureUpdate(temp, bedTemp, targetTemp, bedTargetTemp float64) {
	logf("Temp: %.1f/%.1f, bed: %.1f/%.1f", temp, targetTemp, bedTemp, bedTargetTemp)
}

func (consoleCallback) OnStateChange(state comm.State) {
	logf("State: %s", state)
}

func (consoleCallback) OnMessage(text string) {
	logf("Printer says: %s", text)
}

func (consoleCallback) OnZChange(z float64) {
	logf("Z changed to %.2f", z)
}

func (consoleCallback) OnSdStateChange(ready bool) {
	logf("SD card ready: %v", ready)
}

func (consoleCallback) OnSdFiles(files []string) {
	logf("SD files: %v", files)
}

func (consoleCallback) OnSdSelected(name string, size int) {
	logf("SD file selected: %s (%d bytes)", name, size)
}

func (consoleCallback) OnSdPrintingDone() {
	logf("SD print done")
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s\n", Version)
		os.Exit(0)
	}

	cfg := comm.Config{
		Port:                          *port,
		Baudrate:                      *baudRate,
		AlwaysSendChecksum:            *alwaysSum,
		WaitForStartOnConnect:         *waitStart,
		SdSupport:                     *sdSupport,
		ResetLineNumbersWithPrefixedN: *prefixedN,
		VirtualSd:                     *virtualSd,
	}

	com := comm.New(cfg, consoleCallback{})
	sh := NewShell(com)
	if err := sh.Run(); err != nil {
		failf("shell: %v", err)
	}
	com.Close()
	com.Wait()
}
