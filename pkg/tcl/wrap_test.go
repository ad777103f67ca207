package tcl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapCommand(t *testing.T) {
	assert.Equal(t,
		`set CMD_RETCODE [ catch { halt } CMD_OUTPUT ] ; return "$CMD_RETCODE $CMD_OUTPUT" ; `,
		WrapCommand("halt", false))
	assert.Equal(t,
		`set CMD_RETCODE [ catch { capture { reg pc } } CMD_OUTPUT ] ; return "$CMD_RETCODE $CMD_OUTPUT" ; `,
		WrapCommand("reg pc", true))
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		raw     string
		retcode int
		out     string
	}{
		{raw: "0", retcode: 0, out: ""},
		{raw: "0 ", retcode: 0, out: ""},
		{raw: "0 0x08000000", retcode: 0, out: "0x08000000"},
		{raw: "1 invalid command name \"foo\"", retcode: 1, out: "invalid command name \"foo\""},
		{raw: "-4 shutdown command invoked", retcode: -4, out: "shutdown command invoked"},
		{raw: "0  two spaces", retcode: 0, out: " two spaces"},
		{raw: "0 a\nb\n", retcode: 0, out: "a\nb\n"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res, err := ParseResponse("cmd", "raw cmd", tt.raw)
			require.NoError(t, err)
			assert.Equal(t, Result{RetCode: tt.retcode, Cmd: "cmd", RawCmd: "raw cmd", Out: tt.out}, res)
		})
	}
}

func TestParseResponseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "abc", " 0", "0x1 foo", "-", "- 1", "1\tfoo", "99999999999999999999999 big"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseResponse("cmd", "raw cmd", raw)
			var invalidErr *InvalidResponseError
			require.True(t, errors.As(err, &invalidErr))
			assert.Equal(t, "raw cmd", invalidErr.RawCmd)
			assert.Equal(t, raw, invalidErr.RawResponse)
		})
	}
}
