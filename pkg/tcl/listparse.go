package tcl

import (
	"regexp"
	"strconv"
	"strings"
)

// BpKind is the type of a breakpoint.
type BpKind string

const (
	BpHardware BpKind = "hw"
	BpSoftware BpKind = "sw"
	BpContext  BpKind = "context"
	BpHybrid   BpKind = "hybrid"
)

// BpInfo describes one breakpoint reported by the "bp" command.
type BpInfo struct {
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
	Kind BpKind `json:"kind"`
	// OrigInstr is the instruction replaced by a software breakpoint; nil for other kinds.
	OrigInstr *uint64 `json:"origInstr,omitempty"`
}

// WpKind is the access type a watchpoint triggers on.
type WpKind string

const (
	WpRead   WpKind = "r"
	WpWrite  WpKind = "w"
	WpAccess WpKind = "a"
)

// WpInfo describes one watchpoint reported by the "wp" command.
type WpInfo struct {
	Addr  uint64 `json:"addr"`
	Size  uint64 `json:"size"`
	Kind  WpKind `json:"kind"`
	Value uint64 `json:"value"`
	// Mask bits set to 1 are ignored when comparing Value; all ones disables the comparison.
	Mask uint64 `json:"mask"`
}

// Older OpenOCD versions print the watchpoint type as the numeric enum value.
var wpKinds = map[string]WpKind{
	"r": WpRead,
	"w": WpWrite,
	"a": WpAccess,
	"0": WpRead,
	"1": WpWrite,
	"2": WpAccess,
}

const hexField = `0x([0-9a-fA-F]+)`

var (
	wpEntryRe = regexp.MustCompile(`^address: ` + hexField + `, len: ` + hexField + `, r/w/a: ([rwa012]), value: ` + hexField + `, mask: ` + hexField + `$`)

	swBpRe       = regexp.MustCompile(`^Software breakpoint\(IVA\): addr=` + hexField + `, len=` + hexField + `, orig_instr=` + hexField + `$`)
	hwBpRe       = regexp.MustCompile(`^Hardware breakpoint\(IVA\): addr=` + hexField + `, len=` + hexField + `, num=\d+$`)
	contextBpRe  = regexp.MustCompile(`^Context breakpoint: asid=` + hexField + `, len=` + hexField + `, num=\d+$`)
	hybridBpRe   = regexp.MustCompile(`^Hybrid breakpoint\(IVA\): addr=` + hexField + `, len=` + hexField + `, num=\d+$`)
	hybridLinkRe = regexp.MustCompile(`^\|--->linked with ContextID: ` + hexField + `$`)
)

// ParseWpEntry parses one line of "wp" output.
func ParseWpEntry(line string) (WpInfo, error) {
	line = strings.TrimSpace(line)
	m := wpEntryRe.FindStringSubmatch(line)
	if m == nil {
		return WpInfo{}, &ParsingError{Message: "unrecognized watchpoint entry", Line: line}
	}

	nums, err := parseHexFields(line, m[1], m[2], m[4], m[5])
	if err != nil {
		return WpInfo{}, err
	}
	return WpInfo{
		Addr:  nums[0],
		Size:  nums[1],
		Kind:  wpKinds[m[3]],
		Value: nums[2],
		Mask:  nums[3],
	}, nil
}

// ParseBpEntry parses one line of "bp" output.
func ParseBpEntry(line string) (BpInfo, error) {
	line = strings.TrimSpace(line)

	if m := swBpRe.FindStringSubmatch(line); m != nil {
		nums, err := parseHexFields(line, m[1], m[2], m[3])
		if err != nil {
			return BpInfo{}, err
		}
		origInstr := nums[2]
		return BpInfo{Addr: nums[0], Size: nums[1], Kind: BpSoftware, OrigInstr: &origInstr}, nil
	}

	if m := hwBpRe.FindStringSubmatch(line); m != nil {
		nums, err := parseHexFields(line, m[1], m[2])
		if err != nil {
			return BpInfo{}, err
		}
		return BpInfo{Addr: nums[0], Size: nums[1], Kind: BpHardware}, nil
	}

	if m := hybridBpRe.FindStringSubmatch(line); m != nil {
		nums, err := parseHexFields(line, m[1], m[2])
		if err != nil {
			return BpInfo{}, err
		}
		return BpInfo{Addr: nums[0], Size: nums[1], Kind: BpHybrid}, nil
	}

	// Context breakpoints match on the ASID only and have no address.
	if m := contextBpRe.FindStringSubmatch(line); m != nil {
		nums, err := parseHexFields(line, m[2])
		if err != nil {
			return BpInfo{}, err
		}
		return BpInfo{Size: nums[0], Kind: BpContext}, nil
	}

	return BpInfo{}, &ParsingError{Message: "unrecognized breakpoint entry", Line: line}
}

// ParseBpList parses the whole output of the "bp" command.
func ParseBpList(out string) ([]BpInfo, error) {
	var (
		bps        []BpInfo
		lastHybrid bool
	)
	for _, line := range nonBlankLines(out) {
		if hybridLinkRe.MatchString(line) {
			if !lastHybrid {
				return nil, &ParsingError{Message: "context link without a hybrid breakpoint", Line: line}
			}
			lastHybrid = false
			continue
		}
		bp, err := ParseBpEntry(line)
		if err != nil {
			return nil, err
		}
		bps = append(bps, bp)
		lastHybrid = bp.Kind == BpHybrid
	}
	return bps, nil
}

// ParseWpList parses the whole output of the "wp" command.
func ParseWpList(out string) ([]WpInfo, error) {
	var wps []WpInfo
	for _, line := range nonBlankLines(out) {
		wp, err := ParseWpEntry(line)
		if err != nil {
			return nil, err
		}
		wps = append(wps, wp)
	}
	return wps, nil
}

func nonBlankLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func parseHexFields(line string, fields ...string) ([]uint64, error) {
	nums := make([]uint64, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 16, 64)
		if err != nil {
			return nil, &ParsingError{Message: "number out of range", Line: line}
		}
		nums[i] = n
	}
	return nums, nil
}
