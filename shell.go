package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robodone/printhost/pkg/comm"
)

// Shell is a tiny interactive surface over the session's control methods,
// mostly useful together with the virtual printer.
type Shell struct {
	com *comm.MachineCom
}

func NewShell(com *comm.MachineCom) *Shell {
	return &Shell{com: com}
}

func (sh *Shell) Run() error {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println("Type 'help' for the command list.")
	for in.Scan() {
		cmd := strings.TrimSpace(in.Text())
		if cmd == "" {
			continue
		}
		parts := strings.Fields(cmd)
		verb := parts[0]
		var arg1 string
		if len(parts) > 1 {
			arg1 = parts[1]
		}
		switch verb {
		case "help":
			fmt.Println("print <file> | send <gcode> | pause | resume | cancel | status |",
				"sdlist | sdselect <name> | sdprint | sddelete <name> | sdinit | sdrelease |",
				"feedrate <section> <factor> | quit")
		case "print":
			if arg1 == "" {
				fmt.Println("print: gcode file not specified")
				continue
			}
			cmds, err := loadGcode(arg1)
			if err != nil {
				fmt.Printf("Could not load gcode from %s: %v\n", arg1, err)
				continue
			}
			fmt.Printf("Loaded %d gcode commands from %s.\n", len(cmds), arg1)
			sh.com.PrintGCode(cmds)
		case "send":
			sh.com.SendCommand(strings.TrimSpace(strings.TrimPrefix(cmd, "send")))
		case "pause":
			sh.com.SetPause(true)
		case "resume":
			sh.com.SetPause(false)
		case "cancel":
			sh.com.CancelPrint()
		case "status":
			fmt.Printf("State: %s, temp: %.1f, bed: %.1f, pos: %d\n",
				sh.com.StateString(), sh.com.Temp(), sh.com.BedTemp(), sh.com.PrintPos())
			if remaining, ok := sh.com.PrintTimeRemainingEstimate(); ok {
				fmt.Printf("Elapsed: %v, remaining estimate: %v\n", sh.com.PrintTime(), remaining)
			}
		case "sdlist":
			sh.com.RefreshSdFiles()
		case "sdselect":
			sh.com.SelectSdFile(arg1)
		case "sdprint":
			sh.com.PrintSdFile()
		case "sddelete":
			sh.com.DeleteSdFile(arg1)
		case "sdinit":
			sh.com.InitSdCard()
		case "sdrelease":
			sh.com.ReleaseSdCard()
		case "feedrate":
			if len(parts) < 3 {
				fmt.Println("feedrate: want <section> <factor>")
				continue
			}
			factor, err := strconv.ParseFloat(parts[2], 64)
			if err != nil || factor <= 0 {
				fmt.Printf("feedrate: invalid factor %q\n", parts[2])
				continue
			}
			sh.com.SetFeedrateModifier(arg1, factor)
		case "quit", "exit":
			return nil
		default:
			fmt.Printf("Unknown command %q. Type 'help'.\n", verb)
		}
	}
	return in.Err()
}

// loadGcode reads a g-code file into print entries, dropping comments and
// blank lines.
func loadGcode(fname string) ([]comm.GcodeLine, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	var cmds []comm.GcodeLine
	for _, line := range strings.Split(string(data), "\n") {
		// Cut comments. They start with ;
		if idx := strings.Index(line, ";"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmds = append(cmds, comm.GcodeLine{Cmd: line})
	}
	return cmds, nil
}
