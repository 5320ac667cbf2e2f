// Package picomotor drives Newport 8742 Picomotor controllers over USB,
// including slave units chained behind the master on the RS-485 network.
package picomotor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Hard limits fixed by the 8742 firmware.
const (
	MinAddress = 1
	MaxAddress = 31
	MinAxis    = 1
	MaxAxis    = 4

	MinVelocity     = 1      // steps/s
	MaxVelocity     = 2000   // steps/s
	MinAcceleration = 1      // steps/s^2
	MaxAcceleration = 200000 // steps/s^2
)

// DirectAddress targets the directly attached unit without an RS-485
// address prefix.
const DirectAddress = 0

// Command identifies one mnemonic in the 8742 command set. The set is
// closed: every supported mnemonic carries its axis rule, parameter type
// and numeric range in commandTable, so malformed frames are rejected
// before they reach the wire.
type Command int

const (
	CmdIdentity       Command = iota // *IDN? identity string
	CmdFirmware                      // VE firmware version
	CmdMoveAbsolute                  // PA absolute move / target query
	CmdMoveRelative                  // PR relative move / relative target query
	CmdMoveIndefinite                // MV jog until stopped
	CmdStop                          // ST stop one axis
	CmdAbort                         // AB abort motion on all axes
	CmdVelocity                      // VA velocity
	CmdAcceleration                  // AC acceleration
	CmdPosition                      // TP actual position
	CmdMotionDone                    // MD motion done status
	CmdDefineHome                    // DH define home position
	CmdMotorCheck                    // MC detect connected motors
	CmdMotorType                     // QM motor type
	CmdAddress                       // SA controller RS-485 address
	CmdScan                          // SC RS-485 scan / address map
	CmdScanDone                      // SD scan done status
	CmdSave                          // SM save settings to non-volatile memory
	CmdPurge                         // XX purge non-volatile memory
	CmdReset                         // RS soft reset
	CmdErrorMessage                  // TB error message ("code, MESSAGE")
	CmdErrorCode                     // TE error code
)

// Direction is the jog direction parameter of CmdMoveIndefinite.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

type axisRule int

const (
	axisForbidden axisRule = iota // global command, no axis prefix
	axisRequired                  // axis-scoped command
)

type paramKind int

const (
	paramNone      paramKind = iota
	paramRange               // integer within [Min, Max]
	paramSigned              // signed 32-bit integer
	paramDirection           // encoded as "+" or "-"
)

type replyKind int

const (
	replyNone   replyKind = iota
	replyInt              // non-negative integer payload
	replySigned           // signed integer payload
	replyString           // free-form text payload
)

type commandSpec struct {
	Code     string // mnemonic as written on the wire, without "?"
	Axis     axisRule
	Param    paramKind
	Min, Max int64 // valid range when Param == paramRange
	Set      bool  // SET form exists
	Query    bool  // QUERY form exists
	Reply    replyKind
}

var commandTable = map[Command]commandSpec{
	CmdIdentity:       {Code: "*IDN", Query: true, Reply: replyString},
	CmdFirmware:       {Code: "VE", Query: true, Reply: replyString},
	CmdMoveAbsolute:   {Code: "PA", Axis: axisRequired, Param: paramSigned, Set: true, Query: true, Reply: replySigned},
	CmdMoveRelative:   {Code: "PR", Axis: axisRequired, Param: paramSigned, Set: true, Query: true, Reply: replySigned},
	CmdMoveIndefinite: {Code: "MV", Axis: axisRequired, Param: paramDirection, Set: true},
	CmdStop:           {Code: "ST", Axis: axisRequired, Set: true},
	CmdAbort:          {Code: "AB", Set: true},
	CmdVelocity:       {Code: "VA", Axis: axisRequired, Param: paramRange, Min: MinVelocity, Max: MaxVelocity, Set: true, Query: true, Reply: replyInt},
	CmdAcceleration:   {Code: "AC", Axis: axisRequired, Param: paramRange, Min: MinAcceleration, Max: MaxAcceleration, Set: true, Query: true, Reply: replyInt},
	CmdPosition:       {Code: "TP", Axis: axisRequired, Query: true, Reply: replySigned},
	CmdMotionDone:     {Code: "MD", Axis: axisRequired, Query: true, Reply: replyInt},
	CmdDefineHome:     {Code: "DH", Axis: axisRequired, Param: paramSigned, Set: true, Query: true, Reply: replySigned},
	CmdMotorCheck:     {Code: "MC", Set: true},
	CmdMotorType:      {Code: "QM", Axis: axisRequired, Param: paramRange, Min: 0, Max: 3, Set: true, Query: true, Reply: replyInt},
	CmdAddress:        {Code: "SA", Param: paramRange, Min: MinAddress, Max: MaxAddress, Set: true, Query: true, Reply: replyInt},
	CmdScan:           {Code: "SC", Param: paramRange, Min: 0, Max: 2, Set: true, Query: true, Reply: replyInt},
	CmdScanDone:       {Code: "SD", Query: true, Reply: replyInt},
	CmdSave:           {Code: "SM", Set: true},
	CmdPurge:          {Code: "XX", Set: true},
	CmdReset:          {Code: "RS", Set: true},
	CmdErrorMessage:   {Code: "TB", Query: true, Reply: replyString},
	CmdErrorCode:      {Code: "TE", Query: true, Reply: replyInt},
}

// String returns the wire mnemonic.
func (c Command) String() string {
	if spec, ok := commandTable[c]; ok {
		return spec.Code
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// EncodeSet builds the SET frame for a command that carries a parameter.
// For CmdMoveIndefinite the parameter is a Direction cast to int64. Any
// violation of the command's grammar is an *InvalidCommandError and no
// frame is produced.
func EncodeSet(addr, axis int, cmd Command, param int64) ([]byte, error) {
	spec, ok := commandTable[cmd]
	if !ok {
		return nil, &InvalidCommandError{Cmd: cmd, Reason: "unknown command"}
	}
	if !spec.Set {
		return nil, &InvalidCommandError{Cmd: cmd, Reason: "command has no SET form"}
	}
	if spec.Param == paramNone {
		return nil, &InvalidCommandError{Cmd: cmd, Reason: "command takes no parameter"}
	}

	var text string
	switch spec.Param {
	case paramRange:
		if param < spec.Min || param > spec.Max {
			return nil, &InvalidCommandError{
				Cmd:    cmd,
				Reason: fmt.Sprintf("parameter %d out of range [%d, %d]", param, spec.Min, spec.Max),
			}
		}
		text = strconv.FormatInt(param, 10)
	case paramSigned:
		if param < math.MinInt32 || param > math.MaxInt32 {
			return nil, &InvalidCommandError{
				Cmd:    cmd,
				Reason: fmt.Sprintf("parameter %d exceeds 32-bit step counter", param),
			}
		}
		text = strconv.FormatInt(param, 10)
	case paramDirection:
		switch Direction(param) {
		case Forward:
			text = "+"
		case Backward:
			text = "-"
		default:
			return nil, &InvalidCommandError{Cmd: cmd, Reason: "direction must be Forward or Backward"}
		}
	}

	return buildFrame(addr, axis, cmd, spec, text, false)
}

// EncodeAction builds the SET frame for a parameter-less command
// (ST, AB, MC, SM, XX, RS).
func EncodeAction(addr, axis int, cmd Command) ([]byte, error) {
	spec, ok := commandTable[cmd]
	if !ok {
		return nil, &InvalidCommandError{Cmd: cmd, Reason: "unknown command"}
	}
	if !spec.Set {
		return nil, &InvalidCommandError{Cmd: cmd, Reason: "command has no SET form"}
	}
	if spec.Param != paramNone {
		return nil, &InvalidCommandError{Cmd: cmd, Reason: "command requires a parameter"}
	}
	return buildFrame(addr, axis, cmd, spec, "", false)
}

// EncodeQuery builds the QUERY frame for cmd.
func EncodeQuery(addr, axis int, cmd Command) ([]byte, error) {
	spec, ok := commandTable[cmd]
	if !ok {
		return nil, &InvalidCommandError{Cmd: cmd, Reason: "unknown command"}
	}
	if !spec.Query {
		return nil, &InvalidCommandError{Cmd: cmd, Reason: "command has no QUERY form"}
	}
	return buildFrame(addr, axis, cmd, spec, "", true)
}

func buildFrame(addr, axis int, cmd Command, spec commandSpec, param string, query bool) ([]byte, error) {
	if addr != DirectAddress && (addr < MinAddress || addr > MaxAddress) {
		return nil, &InvalidCommandError{
			Cmd:    cmd,
			Reason: fmt.Sprintf("controller address %d out of range [%d, %d]", addr, MinAddress, MaxAddress),
		}
	}
	switch spec.Axis {
	case axisRequired:
		if axis < MinAxis || axis > MaxAxis {
			return nil, &InvalidCommandError{
				Cmd:    cmd,
				Reason: fmt.Sprintf("axis %d out of range [%d, %d]", axis, MinAxis, MaxAxis),
			}
		}
	case axisForbidden:
		if axis != 0 {
			return nil, &InvalidCommandError{Cmd: cmd, Reason: "global command does not take an axis"}
		}
	}

	var b strings.Builder
	if addr != DirectAddress {
		b.WriteString(strconv.Itoa(addr))
		b.WriteByte('>')
	}
	if spec.Axis == axisRequired {
		b.WriteString(strconv.Itoa(axis))
	}
	b.WriteString(spec.Code)
	if query {
		b.WriteByte('?')
	} else {
		b.WriteString(param)
	}
	b.WriteByte('\r')
	return []byte(b.String()), nil
}

// Reply is the decoded payload of one QUERY response.
type Reply struct {
	Cmd   Command
	Text  string // payload with terminator and address echo removed
	Value int64  // parsed payload for numeric reply types
}

// Bool interprets a numeric payload as a status flag (MD?, SD?).
func (r Reply) Bool() bool {
	return r.Value != 0
}

// DecodeReply parses the raw bytes read back after a QUERY of cmd. The
// addr is the address the query was sent to; chained units echo it back
// as an "N>" prefix which is stripped from the payload. A payload that
// does not match the command's reply type is a *MalformedResponseError.
func DecodeReply(cmd Command, addr int, raw []byte) (Reply, error) {
	spec, ok := commandTable[cmd]
	if !ok {
		return Reply{}, &InvalidCommandError{Cmd: cmd, Reason: "unknown command"}
	}
	if !spec.Query {
		return Reply{}, &InvalidCommandError{Cmd: cmd, Reason: "command has no QUERY form"}
	}

	text := strings.TrimRight(string(raw), "\r\n")
	text = stripAddressEcho(text, addr)
	if text == "" {
		return Reply{}, &MalformedResponseError{Cmd: cmd, Raw: string(raw), Reason: "empty payload"}
	}

	reply := Reply{Cmd: cmd, Text: text}
	switch spec.Reply {
	case replyInt, replySigned:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Reply{}, &MalformedResponseError{Cmd: cmd, Raw: string(raw), Reason: "payload is not an integer"}
		}
		if spec.Reply == replyInt && v < 0 {
			return Reply{}, &MalformedResponseError{Cmd: cmd, Raw: string(raw), Reason: "payload is negative"}
		}
		reply.Value = v
	}
	return reply, nil
}

// stripAddressEcho removes a leading "N>" controller echo. When the query
// was addressed, only that unit's echo is accepted; direct-mode replies
// are stripped of any echo the master happens to prepend.
func stripAddressEcho(text string, addr int) string {
	if addr != DirectAddress {
		prefix := strconv.Itoa(addr) + ">"
		return strings.TrimPrefix(text, prefix)
	}
	i := strings.IndexByte(text, '>')
	if i < 1 || i > 2 {
		return text
	}
	for _, c := range text[:i] {
		if c < '0' || c > '9' {
			return text
		}
	}
	return text[i+1:]
}
