package comm

// Config carries everything the session needs from the host application.
// Port may be a device path, "AUTO" (probe candidates through Programmer)
// or "VIRTUAL" (run against the built-in virtual printer). A Baudrate of 0
// enables baudrate autodetection.
type Config struct {
	Port     string
	Baudrate int

	// LastBaudrate is the baudrate of the previous successful connection,
	// if known. Autodetection tries it first.
	LastBaudrate int

	AlwaysSendChecksum            bool
	WaitForStartOnConnect         bool
	SdSupport                     bool
	ResetLineNumbersWithPrefixedN bool

	// VirtualSd is the directory backing the virtual printer's SD card.
	VirtualSd string

	// Programmer probes candidate ports when Port is "AUTO". Optional;
	// without it autodetection fails with an error state.
	Programmer Programmer
}
