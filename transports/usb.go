// Package transports provides the low-level device transports for the
// 8742: native USB, virtual serial port, and a mock for tests.
package transports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Newport 8742 USB identifiers.
const (
	DefaultVendorID  = 0x104D
	DefaultProductID = 0x4000
)

// Open failures common to all transports.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceBusy     = errors.New("device busy")
)

// USBTransport talks to the controller over its bulk endpoints.
type USBTransport struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	done    func() // releases the interface and configuration
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	timeout time.Duration
}

// USBConfig holds configuration for opening a USB device.
type USBConfig struct {
	// VendorID and ProductID select the device; zero values mean the
	// 8742 defaults.
	VendorID  uint16
	ProductID uint16

	// Timeout for a single Read call. Default is 1 second.
	Timeout time.Duration
}

// OpenUSB finds the controller by vendor/product ID, claims interface 0,
// and opens its first bulk IN and OUT endpoints. The interface claim is
// held until Close.
func OpenUSB(cfg USBConfig) (*USBTransport, error) {
	if cfg.VendorID == 0 {
		cfg.VendorID = DefaultVendorID
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = DefaultProductID
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == cfg.VendorID && uint16(desc.Product) == cfg.ProductID
	})
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("%w (VID=0x%04X PID=0x%04X)", ErrDeviceNotFound, cfg.VendorID, cfg.ProductID)
	}

	// Use the first matching device and release any others.
	dev := devs[0]
	for i := 1; i < len(devs); i++ {
		devs[i].Close()
	}

	dev.SetAutoDetach(true)

	usbCfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to get config 1: %w", err)
	}

	intf, err := usbCfg.Interface(0, 0)
	if err != nil {
		usbCfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: failed to claim interface 0: %v", ErrDeviceBusy, err)
	}

	done := func() {
		intf.Close()
		usbCfg.Close()
	}

	inNum, outNum := -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		done()
		dev.Close()
		ctx.Close()
		return nil, errors.New("device exposes no bulk IN/OUT endpoint pair")
	}

	in, err := intf.InEndpoint(inNum)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open bulk IN endpoint: %w", err)
	}

	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open bulk OUT endpoint: %w", err)
	}

	return &USBTransport{
		ctx:     ctx,
		dev:     dev,
		done:    done,
		in:      in,
		out:     out,
		timeout: cfg.Timeout,
	}, nil
}

// Read reads from the bulk IN endpoint. A read that times out returns
// (0, nil), matching the serial transport's convention.
func (t *USBTransport) Read(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	n, err := t.in.ReadContext(ctx, p)
	if err != nil && isUSBTimeout(err) {
		return n, nil
	}
	return n, err
}

func (t *USBTransport) Write(p []byte) (int, error) {
	return t.out.Write(p)
}

func (t *USBTransport) SetReadTimeout(timeout time.Duration) error {
	t.timeout = timeout
	return nil
}

// Flush reads and discards any buffered input.
func (t *USBTransport) Flush() error {
	buf := make([]byte, 512)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		n, err := t.in.ReadContext(ctx, buf)
		cancel()
		if n == 0 || (err != nil && !isUSBTimeout(err)) {
			return nil
		}
	}
}

// Close releases the interface claim and the device. Safe on all exit
// paths; callers defer it as soon as OpenUSB succeeds.
func (t *USBTransport) Close() error {
	if t.done != nil {
		t.done()
		t.done = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		err := t.ctx.Close()
		t.ctx = nil
		return err
	}
	return nil
}

func isUSBTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.TransferTimedOut)
}
