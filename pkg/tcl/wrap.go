package tcl

import (
	"regexp"
	"strconv"
	"strings"
)

var responseRe = regexp.MustCompile(`^-?\d+($| )`)

// WrapCommand turns cmd into a TCL script whose result is "<retcode> <output>", so that both
// are obtained in a single round trip. With capture, log output produced by cmd is returned
// as part of the output.
func WrapCommand(cmd string, capture bool) string {
	if capture {
		cmd = "capture { " + cmd + " }"
	}
	return "set CMD_RETCODE [ catch { " + cmd + " } CMD_OUTPUT ] ; " +
		`return "$CMD_RETCODE $CMD_OUTPUT" ; `
}

// ParseResponse decodes the response to a command wrapped by WrapCommand.
func ParseResponse(cmd, rawCmd, raw string) (Result, error) {
	if !responseRe.MatchString(raw) {
		return Result{}, &InvalidResponseError{
			Message:     "response does not start with a return code",
			RawCmd:      rawCmd,
			RawResponse: raw,
		}
	}

	code, out, _ := strings.Cut(raw, " ")
	retcode, err := strconv.Atoi(code)
	if err != nil {
		return Result{}, &InvalidResponseError{
			Message:     "return code out of range",
			RawCmd:      rawCmd,
			RawResponse: raw,
			Cause:       err,
		}
	}

	return Result{RetCode: retcode, Cmd: cmd, RawCmd: rawCmd, Out: out}, nil
}
