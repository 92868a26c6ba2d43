package comm

import "go.bug.st/serial"

// Programmer is the contract of an external bootloader helper used to
// probe candidate ports when the configured port is AUTO. Connect enters
// the bootloader on the given device; LeaveISP hands the now-open serial
// link back as a Transport.
type Programmer interface {
	Connect(dev string) error
	LeaveISP() (Transport, error)
	Close()
}

// serialPortCandidates lists the serial devices present on this machine,
// with the previously used port moved to the head.
func serialPortCandidates(prev string) []string {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		if p == prev {
			continue
		}
		out = append(out, p)
	}
	if prev != "" {
		for _, p := range ports {
			if p == prev {
				out = append([]string{prev}, out...)
				break
			}
		}
	}
	return out
}

// baudrateCandidates returns the baudrates to try during autodetection,
// most recently used first.
func baudrateCandidates(prev int) []int {
	all := []int{250000, 230400, 115200, 57600, 38400, 19200, 9600}
	out := make([]int, 0, len(all))
	for _, b := range all {
		if b == prev {
			continue
		}
		out = append(out, b)
	}
	for _, b := range all {
		if b == prev {
			out = append([]int{prev}, out...)
			break
		}
	}
	return out
}
