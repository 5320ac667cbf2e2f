package picomotor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/adrianvagberg/Picomotor8742/transports"
)

// Bus manages one USB-attached 8742 master and the units chained behind
// it over RS-485. The link is half-duplex: exactly one request/response
// exchange may be in flight, so every exchange runs under a single mutex
// held from the first byte written until the response is fully read.
type Bus struct {
	transport Transport
	timeout   time.Duration
	scanTimo  time.Duration

	mu      sync.Mutex
	roster  map[int]struct{} // addresses confirmed by the last scan
	scanned bool
	desync  bool // last exchange timed out; drain stale input before next write
	closed  bool
}

// BusConfig holds configuration for creating a new Bus.
type BusConfig struct {
	// Transport is the underlying communication transport.
	// If nil, the 8742 is opened over USB, or over the serial port named
	// by Port when it is non-empty.
	Transport Transport

	// Port is a serial port path (e.g. "/dev/ttyUSB0") for controllers
	// exposed as a virtual COM port. Ignored if Transport is provided.
	Port string

	// Timeout bounds one request/response exchange. Default is 1 second.
	Timeout time.Duration

	// ScanTimeout bounds the probe of a single address during Scan.
	// Default is 100ms; silence within it means "not present".
	ScanTimeout time.Duration
}

// NewBus creates a bus with the given configuration.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = 100 * time.Millisecond
	}

	transport := cfg.Transport
	if transport == nil {
		var err error
		if cfg.Port != "" {
			transport, err = transports.OpenSerial(transports.SerialConfig{
				Port:    cfg.Port,
				Timeout: cfg.Timeout,
			})
		} else {
			transport, err = transports.OpenUSB(transports.USBConfig{
				Timeout: cfg.Timeout,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open controller: %w", err)
		}
	}

	return &Bus{
		transport: transport,
		timeout:   cfg.Timeout,
		scanTimo:  cfg.ScanTimeout,
	}, nil
}

// Close closes the bus and releases the underlying device claim. Safe to
// call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	return b.transport.Close()
}

// Send transmits a SET frame to addr. No response is read: the 8742 does
// not acknowledge SET commands. addr must be DirectAddress or present in
// the roster from the last scan.
func (b *Bus) Send(ctx context.Context, addr int, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.validateAddrLocked(addr); err != nil {
		return err
	}
	return b.writeFrameLocked(frame)
}

// Query transmits a QUERY frame to addr and reads exactly one response
// line. A malformed response is retried once (electrical noise on the
// chain is plausible); every other failure propagates immediately.
func (b *Bus) Query(ctx context.Context, addr int, cmd Command, frame []byte) (Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Reply{}, ErrBusClosed
	}
	if err := b.validateAddrLocked(addr); err != nil {
		return Reply{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= 1; attempt++ {
		reply, err := b.exchangeLocked(ctx, addr, cmd, frame, b.timeout)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, ErrMalformedResponse) {
			return Reply{}, err
		}
		glog.V(1).Infof("retrying %s after malformed response: %v", cmd, err)
		b.desync = true // assume line noise; drain before the resend
		lastErr = err
	}
	return Reply{}, lastErr
}

// Flush drains and discards any stale input, resynchronizing the bus
// after a timed-out exchange left it in an unknown state.
func (b *Bus) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.desync = false
	return b.transport.Flush()
}

// Scan probes every RS-485 address with an identity query under a short
// timeout and replaces the roster with the set of units that answered.
// Silence at an address means "not present", not an error. The returned
// addresses are sorted.
func (b *Bus) Scan(ctx context.Context) ([]int, error) {
	roster := make(map[int]struct{})
	var found []int

	for addr := MinAddress; addr <= MaxAddress; addr++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		frame, err := EncodeQuery(addr, 0, CmdIdentity)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBusClosed
		}
		reply, err := b.exchangeLocked(ctx, addr, CmdIdentity, frame, b.scanTimo)
		b.mu.Unlock()

		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return nil, err
		}

		glog.V(1).Infof("scan: address %d answered %q", addr, reply.Text)
		roster[addr] = struct{}{}
		found = append(found, addr)
	}

	b.mu.Lock()
	b.roster = roster
	b.scanned = true
	b.mu.Unlock()

	glog.V(1).Infof("scan complete: %d controllers on chain", len(found))
	return found, nil
}

// Addresses returns the roster from the last scan, sorted.
func (b *Bus) Addresses() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	addrs := make([]int, 0, len(b.roster))
	for addr := range b.roster {
		addrs = append(addrs, addr)
	}
	sort.Ints(addrs)
	return addrs
}

// Known reports whether addr was confirmed present by the last scan.
// DirectAddress is always known.
func (b *Bus) Known(addr int) bool {
	if addr == DirectAddress {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.roster[addr]
	return ok
}

// Identify returns the identity string of the unit at addr, of the form
// "New_Focus 8742 v2.2 08/01/13 10075".
func (b *Bus) Identify(ctx context.Context, addr int) (string, error) {
	frame, err := EncodeQuery(addr, 0, CmdIdentity)
	if err != nil {
		return "", err
	}
	reply, err := b.Query(ctx, addr, CmdIdentity, frame)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// ResolveAddresses runs the firmware's own RS-485 scan on the master and
// decodes the resulting address map. mode selects the firmware's conflict
// resolution scheme: 0 leaves conflicts alone, 1 reassigns conflicting
// units to the lowest free address, 2 reassigns all units in ascending
// order starting from the master. The roster is replaced with the result.
// conflict reports whether unresolved address conflicts remain.
func (b *Bus) ResolveAddresses(ctx context.Context, mode int) (addrs []int, conflict bool, err error) {
	frame, err := EncodeSet(DirectAddress, 0, CmdScan, int64(mode))
	if err != nil {
		return nil, false, err
	}
	if err := b.Send(ctx, DirectAddress, frame); err != nil {
		return nil, false, err
	}

	// The firmware scan takes up to a few hundred ms; poll SD? until it
	// reports completion.
	doneFrame, err := EncodeQuery(DirectAddress, 0, CmdScanDone)
	if err != nil {
		return nil, false, err
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		reply, err := b.Query(ctx, DirectAddress, CmdScanDone, doneFrame)
		if err != nil {
			return nil, false, err
		}
		if reply.Bool() {
			break
		}
		if time.Now().After(deadline) {
			return nil, false, fmt.Errorf("%w: RS-485 scan never completed", ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	mapFrame, err := EncodeQuery(DirectAddress, 0, CmdScan)
	if err != nil {
		return nil, false, err
	}
	reply, err := b.Query(ctx, DirectAddress, CmdScan, mapFrame)
	if err != nil {
		return nil, false, err
	}

	// Bit N set means a unit holds address N; bit 0 flags a conflict.
	mask := reply.Value
	conflict = mask&1 != 0
	roster := make(map[int]struct{})
	for addr := MinAddress; addr <= MaxAddress; addr++ {
		if mask&(1<<uint(addr)) != 0 {
			roster[addr] = struct{}{}
			addrs = append(addrs, addr)
		}
	}

	b.mu.Lock()
	b.roster = roster
	b.scanned = true
	b.mu.Unlock()

	return addrs, conflict, nil
}

// Internal methods. The *Locked methods require b.mu to be held.

func (b *Bus) validateAddrLocked(addr int) error {
	if addr == DirectAddress {
		return nil
	}
	if _, ok := b.roster[addr]; !ok {
		return fmt.Errorf("%w: %d not found by last scan", ErrUnknownAddress, addr)
	}
	return nil
}

func (b *Bus) exchangeLocked(ctx context.Context, addr int, cmd Command, frame []byte, timeout time.Duration) (Reply, error) {
	if err := b.writeFrameLocked(frame); err != nil {
		return Reply{}, err
	}
	raw, err := b.readLineLocked(ctx, timeout)
	if err != nil {
		return Reply{}, err
	}
	glog.V(2).Infof("rx %q", raw)
	return DecodeReply(cmd, addr, raw)
}

func (b *Bus) writeFrameLocked(frame []byte) error {
	if b.desync {
		b.transport.Flush()
		b.desync = false
	}

	glog.V(2).Infof("tx %q", frame)
	n, err := b.transport.Write(frame)
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if n != len(frame) {
		return &TransportError{Op: "write", Err: fmt.Errorf("short write: %d of %d bytes", n, len(frame))}
	}
	return nil
}

// readLineLocked reads until the \n terminator or the wall-clock deadline.
// A timeout leaves the bus in an unknown state: a reply may still arrive
// later, so the next write drains stale input first.
func (b *Bus) readLineLocked(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)

	for {
		select {
		case <-ctx.Done():
			b.desync = true
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			b.desync = true
			if len(buf) == 0 {
				return nil, ErrNoResponse
			}
			return nil, fmt.Errorf("%w: %d bytes without terminator", ErrTimeout, len(buf))
		}

		remaining := max(time.Until(deadline), 5*time.Millisecond)
		b.transport.SetReadTimeout(remaining)

		n, err := b.transport.Read(chunk)
		if err != nil {
			b.desync = true
			return nil, &TransportError{Op: "read", Err: err}
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		buf = append(buf, chunk[:n]...)
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			if i+1 < len(buf) {
				// Trailing bytes past the terminator; next write drains them.
				b.desync = true
			}
			return buf[:i+1], nil
		}
	}
}
