package comm

// Callback is the notification surface of a session. All methods are
// invoked from the session's goroutines; implementations must not block
// for long and must not call back into the session from OnStateChange
// while the session is closing.
type Callback interface {
	OnLog(line string)
	OnTemperatureUpdate(temp, bedTemp, targetTemp, bedTargetTemp float64)
	OnStateChange(state State)
	OnMessage(text string)
	OnProgress()
	OnZChange(z float64)
	OnSdStateChange(ready bool)
	OnSdFiles(files []string)
	OnSdSelected(name string, size int)
	OnSdPrintingDone()
}

// NoopCallback implements Callback with empty methods. Embed it to pick
// only the notifications you care about.
type NoopCallback struct{}

func (NoopCallback) OnLog(string)                                    {}
func (NoopCallback) OnTemperatureUpdate(_, _, _, _ float64)          {}
func (NoopCallback) OnStateChange(State)                             {}
func (NoopCallback) OnMessage(string)                                {}
func (NoopCallback) OnProgress()                                     {}
func (NoopCallback) OnZChange(float64)                               {}
func (NoopCallback) OnSdStateChange(bool)                            {}
func (NoopCallback) OnSdFiles([]string)                              {}
func (NoopCallback) OnSdSelected(string, int)                        {}
func (NoopCallback) OnSdPrintingDone()                               {}
