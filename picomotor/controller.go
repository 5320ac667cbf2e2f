package picomotor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// MotorType is the QM motor type setting of one axis.
type MotorType int

const (
	MotorNone     MotorType = 0
	MotorUnknown  MotorType = 1
	MotorTiny     MotorType = 2
	MotorStandard MotorType = 3
)

func (t MotorType) String() string {
	switch t {
	case MotorNone:
		return "no motor connected"
	case MotorUnknown:
		return "motor type unknown"
	case MotorTiny:
		return "'Tiny' motor"
	case MotorStandard:
		return "'Standard' motor"
	}
	return fmt.Sprintf("MotorType(%d)", int(t))
}

// WaitUntilIdle never polls faster than this, whatever interval the
// caller asks for.
const minPollInterval = 10 * time.Millisecond

// Controller is a session with one 8742 unit: the directly attached
// master (DirectAddress) or a slave on the RS-485 chain. It tracks which
// axes it has set in motion so that a move issued mid-motion is surfaced
// as an explicit re-target.
//
// All methods are synchronous; motion commands return as soon as the
// controller has accepted them, while the motor is still moving. Use
// WaitUntilIdle to block until an axis settles.
type Controller struct {
	bus    *Bus
	addr   int
	strict bool

	mu     sync.Mutex
	moving [MaxAxis + 1]bool
}

// NewController creates a session with the unit at addr. Pass
// DirectAddress for the unit on the USB cable. For chained addresses the
// bus must have scanned the chain first, or every command is rejected
// with ErrUnknownAddress.
func NewController(bus *Bus, addr int) *Controller {
	return &Controller{bus: bus, addr: addr}
}

// Address returns the controller's RS-485 address (DirectAddress for the
// master).
func (c *Controller) Address() int {
	return c.addr
}

// SetStrict toggles strict error checking: when enabled, every SET that
// reaches the wire is followed by an error-register query, and a
// non-zero code overrides the SET's result with a *ControllerError.
func (c *Controller) SetStrict(on bool) {
	c.strict = on
}

// Motion

// MoveRelative moves axis by steps from its current position (positive =
// forward). The controller starts the motion and returns immediately.
// retarget reports that the axis was still moving and the firmware
// re-targeted the motion in flight rather than queueing it.
func (c *Controller) MoveRelative(ctx context.Context, axis, steps int) (retarget bool, err error) {
	return c.move(ctx, axis, CmdMoveRelative, int64(steps))
}

// MoveAbsolute moves axis to target, counted in steps from the defined
// home position. Same completion and re-target semantics as MoveRelative.
func (c *Controller) MoveAbsolute(ctx context.Context, axis, target int) (retarget bool, err error) {
	return c.move(ctx, axis, CmdMoveAbsolute, int64(target))
}

// MoveIndefinitely jogs axis in the given direction until Stop is called.
func (c *Controller) MoveIndefinitely(ctx context.Context, axis int, dir Direction) (retarget bool, err error) {
	return c.move(ctx, axis, CmdMoveIndefinite, int64(dir))
}

// Home returns axis to the defined home position (an absolute move to
// zero; the 8742 is open-loop and has no hardware homing routine).
func (c *Controller) Home(ctx context.Context, axis int) (retarget bool, err error) {
	return c.move(ctx, axis, CmdMoveAbsolute, 0)
}

func (c *Controller) move(ctx context.Context, axis int, cmd Command, param int64) (bool, error) {
	frame, err := EncodeSet(c.addr, axis, cmd, param)
	if err != nil {
		return false, err
	}

	retarget := false
	if c.markedMoving(axis) {
		// The recorded state can be stale once the motion finishes on its
		// own; confirm against the live status bit before reporting.
		live, err := c.IsMoving(ctx, axis)
		if err != nil {
			return false, err
		}
		retarget = live
	}

	if err := c.bus.Send(ctx, c.addr, frame); err != nil {
		return false, err
	}
	c.setMoving(axis, true)
	if retarget {
		glog.V(1).Infof("controller %d axis %d: re-targeted in-flight motion", c.addr, axis)
	}

	if err := c.confirm(ctx); err != nil {
		return retarget, err
	}
	return retarget, nil
}

// Stop halts motion on axis, decelerating at the current acceleration
// setting.
func (c *Controller) Stop(ctx context.Context, axis int) error {
	if err := c.action(ctx, axis, CmdStop); err != nil {
		return err
	}
	c.setMoving(axis, false)
	return nil
}

// StopAll aborts motion on every axis immediately.
func (c *Controller) StopAll(ctx context.Context) error {
	if err := c.action(ctx, 0, CmdAbort); err != nil {
		return err
	}
	c.mu.Lock()
	for axis := MinAxis; axis <= MaxAxis; axis++ {
		c.moving[axis] = false
	}
	c.mu.Unlock()
	return nil
}

// Status

// Position returns the axis step counter, relative to the position at
// power-on, reset, or the last DefineHome. Valid while moving: the
// counter is live.
func (c *Controller) Position(ctx context.Context, axis int) (int, error) {
	reply, err := c.query(ctx, axis, CmdPosition)
	if err != nil {
		return 0, err
	}
	return int(reply.Value), nil
}

// TargetPosition returns the destination of the current or last move.
func (c *Controller) TargetPosition(ctx context.Context, axis int) (int, error) {
	reply, err := c.query(ctx, axis, CmdMoveAbsolute)
	if err != nil {
		return 0, err
	}
	return int(reply.Value), nil
}

// IsMoving reports whether axis is in motion. The MD status bit reads 1
// when motion is done.
func (c *Controller) IsMoving(ctx context.Context, axis int) (bool, error) {
	reply, err := c.query(ctx, axis, CmdMotionDone)
	if err != nil {
		return false, err
	}
	moving := !reply.Bool()
	if !moving {
		c.setMoving(axis, false)
	}
	return moving, nil
}

// WaitUntilIdle polls the motion-done status of axis until it reports
// idle or timeout elapses, in which case it fails with a
// *MotionTimeoutError and the motion is left running (the caller decides
// whether to Stop). pollInterval is clamped to a minimum of 10ms so a
// stalled motor cannot turn this into a busy spin.
func (c *Controller) WaitUntilIdle(ctx context.Context, axis int, pollInterval, timeout time.Duration) error {
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		moving, err := c.IsMoving(ctx, axis)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &MotionTimeoutError{Axis: axis, Timeout: timeout}
		}
		wait := min(pollInterval, remaining)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Velocity and acceleration

// SetVelocity sets the axis velocity in steps/s (1 to 2000). A value out
// of range fails locally with ErrInvalidCommand and nothing is sent.
// Does not affect a move already in progress.
func (c *Controller) SetVelocity(ctx context.Context, axis, stepsPerSec int) error {
	return c.set(ctx, axis, CmdVelocity, int64(stepsPerSec))
}

// Velocity returns the axis velocity setting in steps/s.
func (c *Controller) Velocity(ctx context.Context, axis int) (int, error) {
	reply, err := c.query(ctx, axis, CmdVelocity)
	if err != nil {
		return 0, err
	}
	return int(reply.Value), nil
}

// SetAcceleration sets the axis acceleration in steps/s^2 (1 to 200000).
func (c *Controller) SetAcceleration(ctx context.Context, axis, stepsPerSec2 int) error {
	return c.set(ctx, axis, CmdAcceleration, int64(stepsPerSec2))
}

// Acceleration returns the axis acceleration setting in steps/s^2.
func (c *Controller) Acceleration(ctx context.Context, axis int) (int, error) {
	reply, err := c.query(ctx, axis, CmdAcceleration)
	if err != nil {
		return 0, err
	}
	return int(reply.Value), nil
}

// Home definition

// DefineHome declares the current position of axis to be offset steps
// away from home. An offset of zero zeroes the step counter.
func (c *Controller) DefineHome(ctx context.Context, axis, offset int) error {
	return c.set(ctx, axis, CmdDefineHome, int64(offset))
}

// DefinedHome returns the home definition of axis.
func (c *Controller) DefinedHome(ctx context.Context, axis int) (int, error) {
	reply, err := c.query(ctx, axis, CmdDefineHome)
	if err != nil {
		return 0, err
	}
	return int(reply.Value), nil
}

// Motor management

// DetectMotors runs the firmware's motor check, which probes each axis
// and updates the motor type settings. Settings for moving axes are not
// touched, so run this with all axes idle.
func (c *Controller) DetectMotors(ctx context.Context) error {
	return c.action(ctx, 0, CmdMotorCheck)
}

// MotorType reports the motor type setting in memory for axis. It does
// not re-probe the hardware; call DetectMotors first if motors may have
// been reconnected.
func (c *Controller) MotorType(ctx context.Context, axis int) (MotorType, error) {
	reply, err := c.query(ctx, axis, CmdMotorType)
	if err != nil {
		return MotorNone, err
	}
	return MotorType(reply.Value), nil
}

// SetMotorType manually sets the motor type for axis.
func (c *Controller) SetMotorType(ctx context.Context, axis int, t MotorType) error {
	return c.set(ctx, axis, CmdMotorType, int64(t))
}

// Unit management

// SetAddress assigns a new RS-485 address (1 to 31) to this unit. The
// bus roster is stale afterwards; re-scan before addressing the unit
// again.
func (c *Controller) SetAddress(ctx context.Context, newAddr int) error {
	return c.set(ctx, 0, CmdAddress, int64(newAddr))
}

// SaveSettings writes motor type, velocity and acceleration settings to
// the unit's non-volatile memory, reloaded automatically at power-on.
func (c *Controller) SaveSettings(ctx context.Context) error {
	return c.action(ctx, 0, CmdSave)
}

// PurgeSettings erases all settings in the unit's non-volatile memory.
func (c *Controller) PurgeSettings(ctx context.Context) error {
	return c.action(ctx, 0, CmdPurge)
}

// Reset performs a soft reset, equivalent to a power cycle.
func (c *Controller) Reset(ctx context.Context) error {
	return c.action(ctx, 0, CmdReset)
}

// Identify returns the unit's identity string
// ("New_Focus 8742 v2.2 08/01/13 10075").
func (c *Controller) Identify(ctx context.Context) (string, error) {
	reply, err := c.query(ctx, 0, CmdIdentity)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// FirmwareVersion returns the firmware version string
// ("8742 Version 2.2 08/01/13").
func (c *Controller) FirmwareVersion(ctx context.Context) (string, error) {
	reply, err := c.query(ctx, 0, CmdFirmware)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// Internal round-trip helpers.

func (c *Controller) set(ctx context.Context, axis int, cmd Command, param int64) error {
	frame, err := EncodeSet(c.addr, axis, cmd, param)
	if err != nil {
		return err
	}
	if err := c.bus.Send(ctx, c.addr, frame); err != nil {
		return err
	}
	return c.confirm(ctx)
}

func (c *Controller) action(ctx context.Context, axis int, cmd Command) error {
	frame, err := EncodeAction(c.addr, axis, cmd)
	if err != nil {
		return err
	}
	if err := c.bus.Send(ctx, c.addr, frame); err != nil {
		return err
	}
	return c.confirm(ctx)
}

func (c *Controller) query(ctx context.Context, axis int, cmd Command) (Reply, error) {
	frame, err := EncodeQuery(c.addr, axis, cmd)
	if err != nil {
		return Reply{}, err
	}
	return c.bus.Query(ctx, c.addr, cmd, frame)
}

// confirm implements strict mode: after a SET has actually been
// transmitted, a non-zero error register overrides the result.
func (c *Controller) confirm(ctx context.Context) error {
	if !c.strict {
		return nil
	}
	return c.CheckError(ctx)
}

func (c *Controller) markedMoving(axis int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if axis < MinAxis || axis > MaxAxis {
		return false
	}
	return c.moving[axis]
}

func (c *Controller) setMoving(axis int, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if axis < MinAxis || axis > MaxAxis {
		return
	}
	c.moving[axis] = v
}
