package picomotor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Error codes reported by the 8742 error register (TB?/TE?). Codes of
// 100 and above are axis-scoped: the hundreds digit is the axis number
// and the remainder indexes axisErrorText.
var generalErrorText = map[int]string{
	0:  "NO ERROR DETECTED",
	3:  "OVER TEMPERATURE SHUTDOWN",
	6:  "COMMAND DOES NOT EXIST",
	7:  "PARAMETER OUT OF RANGE",
	9:  "AXIS NUMBER OUT OF RANGE",
	10: "EEPROM WRITE FAILED",
	11: "EEPROM READ FAILED",
	37: "AXIS NUMBER MISSING",
	38: "COMMAND PARAMETER MISSING",
	46: "RS-485 ETX FAULT DETECTED",
	47: "RS-485 CRC FAULT DETECTED",
	48: "CONTROLLER NUMBER OUT OF RANGE",
	49: "SCAN IN PROGRESS",
}

var axisErrorText = map[int]string{
	0: "MOTOR TYPE NOT DEFINED",
	1: "PARAMETER OUT OF RANGE",
	2: "AMPLIFIER FAULT DETECTED",
	3: "FOLLOWING ERROR THRESHOLD EXCEEDED",
	4: "MOTOR NOT CONNECTED",
	6: "COMMAND NOT VALID FOR AXIS",
	7: "MOTION IN PROGRESS",
}

// errorDescription maps a numeric error register code to the firmware's
// message text, used when a TE? reply carries only the code.
func errorDescription(code int) string {
	if code >= 100 {
		axis := code / 100
		if msg, ok := axisErrorText[code%100]; ok && axis >= MinAxis && axis <= MaxAxis {
			return fmt.Sprintf("AXIS %d %s", axis, msg)
		}
	}
	if msg, ok := generalErrorText[code]; ok {
		return msg
	}
	return fmt.Sprintf("UNKNOWN ERROR CODE %d", code)
}

// parseErrorReply splits a TB? payload of the form "code, MESSAGE". A
// bare code (the TE? form) is accepted and described from the local
// table.
func parseErrorReply(text string) (int, string, error) {
	codeText, msg, _ := strings.Cut(text, ",")
	code, err := strconv.Atoi(strings.TrimSpace(codeText))
	if err != nil {
		return 0, "", &MalformedResponseError{
			Cmd:    CmdErrorMessage,
			Raw:    text,
			Reason: "error code is not an integer",
		}
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = errorDescription(code)
	}
	return code, msg, nil
}

// CheckError pops the most recent entry from the unit's error stack and
// returns it as a *ControllerError, or nil if the register reads zero.
// In strict mode this runs automatically after every transmitted SET;
// otherwise call it explicitly after operations worth verifying.
func (c *Controller) CheckError(ctx context.Context) error {
	reply, err := c.query(ctx, 0, CmdErrorMessage)
	if err != nil {
		return err
	}
	code, msg, err := parseErrorReply(reply.Text)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	return &ControllerError{Address: c.addr, Code: code, Message: msg}
}

// ErrorCode returns the most recent error code from the unit's error
// stack without its message text, popping it from the stack.
func (c *Controller) ErrorCode(ctx context.Context) (int, error) {
	reply, err := c.query(ctx, 0, CmdErrorCode)
	if err != nil {
		return 0, err
	}
	return int(reply.Value), nil
}
