// Package openocd provides helpers for the most common OpenOCD commands on top of the
// command primitives of package tcl.
package openocd

import (
	"fmt"
	"math/bits"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/bingosuite/bingo-ocd/pkg/tcl"
)

// ErrInvalidArgument is returned for arguments rejected before anything is sent.
var ErrInvalidArgument = tcl.ErrInvalidArgument

// Executor runs commands on one OpenOCD connection. *tcl.Client implements it.
type Executor interface {
	Send(cmd string, capture, throwOnFailure bool, timeout *time.Duration) (tcl.Result, error)
	SendRaw(cmd string, timeout *time.Duration) (string, error)
	Disconnect()
}

var _ Executor = (*tcl.Client)(nil)

// Client issues OpenOCD commands through an Executor.
type Client struct {
	exec Executor
}

func New(exec Executor) *Client {
	return &Client{exec: exec}
}

// Cmd runs cmd and fails if it returns a non-zero code.
func (c *Client) Cmd(cmd string) (tcl.Result, error) {
	return c.exec.Send(cmd, false, true, nil)
}

// CmdTimeout is Cmd with an explicit timeout; nil uses the default.
func (c *Client) CmdTimeout(cmd string, timeout *time.Duration) (tcl.Result, error) {
	return c.exec.Send(cmd, false, true, timeout)
}

func (c *Client) Halt() error {
	_, err := c.Cmd("halt")
	return err
}

// Resume resumes the current target, optionally at newPC.
func (c *Client) Resume(newPC *uint64) error {
	_, err := c.Cmd(withAddr("resume", newPC))
	return err
}

// Step single-steps the current target, optionally from newPC.
func (c *Client) Step(newPC *uint64) error {
	_, err := c.Cmd(withAddr("step", newPC))
	return err
}

func withAddr(cmd string, addr *uint64) string {
	if addr == nil {
		return cmd
	}
	return cmd + " " + hex(*addr)
}

func (c *Client) ResetHalt() error {
	_, err := c.Cmd("reset halt")
	return err
}

func (c *Client) ResetInit() error {
	_, err := c.Cmd("reset init")
	return err
}

func (c *Client) ResetRun() error {
	_, err := c.Cmd("reset run")
	return err
}

// CurState returns the state of the current target, such as "halted" or "running".
func (c *Client) CurState() (string, error) {
	res, err := c.Cmd("[target current] curstate")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Out), nil
}

func (c *Client) IsHalted() (bool, error) {
	state, err := c.CurState()
	return state == "halted", err
}

func (c *Client) IsRunning() (bool, error) {
	state, err := c.CurState()
	return state == "running", err
}

// GetReg reads a register. With force the value is read from the target instead of
// OpenOCD's register cache.
func (c *Client) GetReg(name string, force bool) (uint64, error) {
	cmd := fmt.Sprintf("dict get [ get_reg %s%s ] %s", forceArg(force), name, name)
	res, err := c.Cmd(cmd)
	if err != nil {
		return 0, err
	}
	v, err := parseHex(strings.TrimSpace(res.Out))
	if err != nil {
		return 0, tcl.NewInvalidResponseError("obtained invalid number from get_reg command", res.RawCmd, res.Out, err)
	}
	return v, nil
}

// SetReg writes a register. With force the value is written to the target immediately.
func (c *Client) SetReg(name string, value uint64, force bool) error {
	_, err := c.Cmd(fmt.Sprintf("set_reg %s{ %s %s }", forceArg(force), name, hex(value)))
	return err
}

func forceArg(force bool) string {
	if force {
		return "-force "
	}
	return ""
}

var hexValueRe = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

func checkMemoryAccess(bitWidth int) error {
	switch bitWidth {
	case 8, 16, 32, 64:
		return nil
	default:
		return fmt.Errorf("memory access width must be one of 8, 16, 32, 64, got %d: %w", bitWidth, ErrInvalidArgument)
	}
}

// ReadMemory reads count items of bitWidth bits starting at addr.
func (c *Client) ReadMemory(addr uint64, bitWidth, count int, phys bool, timeout *time.Duration) ([]uint64, error) {
	if err := checkMemoryAccess(bitWidth); err != nil {
		return nil, err
	}
	if count < 1 {
		return nil, fmt.Errorf("count must be 1 or higher, got %d: %w", count, ErrInvalidArgument)
	}

	cmd := fmt.Sprintf("read_memory %s %d %d", hex(addr), bitWidth, count)
	if phys {
		cmd += " phys"
	}
	res, err := c.CmdTimeout(cmd, timeout)
	if err != nil {
		return nil, err
	}

	fields := strings.Split(strings.TrimSpace(res.Out), " ")
	if len(fields) != count {
		msg := fmt.Sprintf("read_memory returned %d values, expected %d", len(fields), count)
		return nil, tcl.NewInvalidResponseError(msg, res.RawCmd, res.Out, nil)
	}

	values := make([]uint64, len(fields))
	for i, f := range fields {
		if !hexValueRe.MatchString(f) {
			return nil, tcl.NewInvalidResponseError("found an item that is not a valid hexadecimal number", res.RawCmd, res.Out, nil)
		}
		v, err := parseHex(f)
		if err != nil {
			return nil, tcl.NewInvalidResponseError("found an item that is not a valid hexadecimal number", res.RawCmd, res.Out, err)
		}
		values[i] = v
	}
	return values, nil
}

// WriteMemory writes values of bitWidth bits to consecutive items starting at addr.
func (c *Client) WriteMemory(addr uint64, bitWidth int, values []uint64, phys bool, timeout *time.Duration) error {
	if err := checkMemoryAccess(bitWidth); err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("at least one value to write must be provided: %w", ErrInvalidArgument)
	}
	items := make([]string, len(values))
	for i, v := range values {
		if bits.Len64(v) > bitWidth {
			return fmt.Errorf("value %s exceeds %d bits: %w", hex(v), bitWidth, ErrInvalidArgument)
		}
		items[i] = hex(v)
	}

	cmd := fmt.Sprintf("write_memory %s %d {%s}", hex(addr), bitWidth, strings.Join(items, " "))
	if phys {
		cmd += " phys"
	}
	_, err := c.CmdTimeout(cmd, timeout)
	return err
}

// ListBp returns the breakpoints currently set.
func (c *Client) ListBp() ([]tcl.BpInfo, error) {
	res, err := c.Cmd("bp")
	if err != nil {
		return nil, err
	}
	bps, err := tcl.ParseBpList(res.Out)
	if err != nil {
		return nil, tcl.NewInvalidResponseError("could not parse the output of 'bp' command", res.RawCmd, res.Out, err)
	}
	return bps, nil
}

// AddBp sets a software breakpoint, or a hardware one if hw is set.
func (c *Client) AddBp(addr, size uint64, hw bool) error {
	cmd := fmt.Sprintf("bp %s %d", hex(addr), size)
	if hw {
		cmd += " hw"
	}
	_, err := c.Cmd(cmd)
	return err
}

func (c *Client) RemoveBp(addr uint64) error {
	_, err := c.Cmd("rbp " + hex(addr))
	return err
}

func (c *Client) RemoveAllBp() error {
	_, err := c.Cmd("rbp all")
	return err
}

// ListWp returns the watchpoints currently set.
func (c *Client) ListWp() ([]tcl.WpInfo, error) {
	res, err := c.Cmd("wp")
	if err != nil {
		return nil, err
	}
	wps, err := tcl.ParseWpList(res.Out)
	if err != nil {
		return nil, tcl.NewInvalidResponseError("could not parse the output of 'wp' command", res.RawCmd, res.Out, err)
	}
	return wps, nil
}

// AddWp sets a watchpoint of the given kind; an empty kind means WpAccess.
func (c *Client) AddWp(addr, size uint64, kind tcl.WpKind) error {
	if kind == "" {
		kind = tcl.WpAccess
	}
	switch kind {
	case tcl.WpRead, tcl.WpWrite, tcl.WpAccess:
	default:
		return fmt.Errorf("unknown watchpoint kind %q: %w", kind, ErrInvalidArgument)
	}
	_, err := c.Cmd(fmt.Sprintf("wp %s %d %s", hex(addr), size, kind))
	return err
}

func (c *Client) RemoveWp(addr uint64) error {
	_, err := c.Cmd("rwp " + hex(addr))
	return err
}

func (c *Client) RemoveAllWp() error {
	_, err := c.Cmd("rwp all")
	return err
}

// Echo prints msg to the OpenOCD log, which helps when correlating logs with a test run.
func (c *Client) Echo(msg string) error {
	_, err := c.Cmd("echo {" + msg + "}")
	return err
}

// Version returns the version banner, e.g. "Open On-Chip Debugger 0.12.0".
func (c *Client) Version() (string, error) {
	res, err := c.Cmd("version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Out), nil
}

var versionRe = regexp.MustCompile(`Open On\-Chip Debugger (\d+)\.(\d+)\.(\d+)`)

// VersionSemver returns the OpenOCD version as major.minor.patch.
func (c *Client) VersionSemver() (*semver.Version, error) {
	res, err := c.Cmd("version")
	if err != nil {
		return nil, err
	}
	m := versionRe.FindStringSubmatch(res.Out)
	if m == nil {
		return nil, tcl.NewInvalidResponseError("unable to parse the version string", res.RawCmd, res.Out, nil)
	}
	v, err := semver.NewVersion(m[1] + "." + m[2] + "." + m[3])
	if err != nil {
		return nil, tcl.NewInvalidResponseError("unable to parse the version string", res.RawCmd, res.Out, err)
	}
	return v, nil
}

// RequireVersion fails unless the OpenOCD version satisfies constraint, e.g. ">= 0.12.0".
func (c *Client) RequireVersion(constraint string) error {
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, ErrInvalidArgument)
	}
	v, err := c.VersionSemver()
	if err != nil {
		return err
	}
	if !cons.Check(v) {
		return fmt.Errorf("OpenOCD %s does not satisfy %q", v, constraint)
	}
	return nil
}

// TargetNames returns the names of all targets.
func (c *Client) TargetNames() ([]string, error) {
	res, err := c.Cmd("target names")
	if err != nil {
		return nil, err
	}
	out := strings.TrimSpace(res.Out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n"), nil
}

func (c *Client) SelectTarget(name string) error {
	_, err := c.Cmd("targets " + name)
	return err
}

// SetPoll enables or disables OpenOCD's background polling of the target state.
func (c *Client) SetPoll(enable bool) error {
	arg := "off"
	if enable {
		arg = "on"
	}
	_, err := c.Cmd("poll " + arg)
	return err
}

// Shutdown stops the OpenOCD process and disconnects.
func (c *Client) Shutdown() error {
	// shutdown returns a non-zero code by design.
	_, err := c.exec.Send("shutdown", false, false, nil)
	c.exec.Disconnect()
	return err
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}
