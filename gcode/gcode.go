package gcode

import "fmt"

// Checksum XORs together all bytes of str. This is the hash the
// Marlin/Repetier/Sprinter resend protocol expects after the '*'.
func Checksum(str string) byte {
	var sum byte
	for i := 0; i < len(str); i++ {
		sum ^= str[i]
	}
	return sum
}

// Takes a g-code command, such as "G1 X10", and transforms it
// into the defensive form that includes the desired line number
// and a hash, for example, N1G1 X10*112
func AddLineAndHash(lineno int, cmd string) string {
	str := fmt.Sprintf("N%d%s", lineno, cmd)
	return fmt.Sprintf("%s*%d", str, Checksum(str))
}
