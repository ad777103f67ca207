package tcl

// Result is the outcome of one command sent with Client.Send.
type Result struct {
	// RetCode is the TCL return code; zero means success.
	RetCode int `json:"retcode"`
	// Cmd is the command as given by the caller.
	Cmd string `json:"cmd"`
	// RawCmd is the wrapped command actually sent to OpenOCD.
	RawCmd string `json:"rawCmd"`
	// Out is the textual output of the command.
	Out string `json:"out"`
}

// OK reports whether the command succeeded.
func (r Result) OK() bool {
	return r.RetCode == 0
}
