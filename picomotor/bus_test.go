package picomotor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adrianvagberg/Picomotor8742/transports"
)

// chainTransport simulates an RS-485 chain: units at the given addresses
// answer identity queries, everything else is silence.
type chainTransport struct {
	mu      sync.Mutex
	present map[int]bool
	pending []byte
	frames  []string
}

func newChainTransport(addrs ...int) *chainTransport {
	t := &chainTransport{present: make(map[int]bool)}
	for _, a := range addrs {
		t.present[a] = true
	}
	return t
}

func (t *chainTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	frame := strings.TrimSuffix(string(p), "\r")
	t.frames = append(t.frames, frame)

	if i := strings.Index(frame, ">*IDN?"); i > 0 {
		addr, err := strconv.Atoi(frame[:i])
		if err == nil && t.present[addr] {
			reply := fmt.Sprintf("%d>New_Focus 8742 v2.2 08/01/13 1%04d\r\n", addr, addr)
			t.pending = append(t.pending, reply...)
		}
	}
	return len(p), nil
}

func (t *chainTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *chainTransport) Close() error                       { return nil }
func (t *chainTransport) SetReadTimeout(time.Duration) error { return nil }

func (t *chainTransport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	return nil
}

// scriptTransport answers each written frame from a fixed table. Frames
// without an entry get silence.
type scriptTransport struct {
	mu      sync.Mutex
	replies map[string]string // frame (without \r) -> reply (with \r\n)
	pending []byte
	frames  []string
}

func (t *scriptTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	frame := strings.TrimSuffix(string(p), "\r")
	t.frames = append(t.frames, frame)
	if reply, ok := t.replies[frame]; ok && reply != "" {
		t.pending = append(t.pending, reply...)
	}
	return len(p), nil
}

func (t *scriptTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *scriptTransport) Close() error                       { return nil }
func (t *scriptTransport) SetReadTimeout(time.Duration) error { return nil }

func (t *scriptTransport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	return nil
}

func newTestBus(t *testing.T, transport Transport) *Bus {
	t.Helper()
	bus, err := NewBus(BusConfig{
		Transport:   transport,
		Timeout:     100 * time.Millisecond,
		ScanTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBus failed: %v", err)
	}
	return bus
}

func TestScan(t *testing.T) {
	tr := newChainTransport(2, 5)
	bus := newTestBus(t, tr)
	defer bus.Close()

	found, err := bus.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !reflect.DeepEqual(found, []int{2, 5}) {
		t.Errorf("Scan: got %v, want [2 5]", found)
	}
	if !reflect.DeepEqual(bus.Addresses(), []int{2, 5}) {
		t.Errorf("Addresses: got %v, want [2 5]", bus.Addresses())
	}

	if !bus.Known(2) || !bus.Known(5) {
		t.Error("scanned addresses should be known")
	}
	if bus.Known(1) || bus.Known(31) {
		t.Error("silent addresses should not be known")
	}
	if !bus.Known(DirectAddress) {
		t.Error("DirectAddress should always be known")
	}

	// Every address gets probed exactly once.
	if len(tr.frames) != MaxAddress {
		t.Errorf("probe count: got %d, want %d", len(tr.frames), MaxAddress)
	}
}

func TestSendUnknownAddress(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := newTestBus(t, mock)
	defer bus.Close()

	frame, err := EncodeSet(7, 1, CmdMoveRelative, 10)
	if err != nil {
		t.Fatalf("EncodeSet failed: %v", err)
	}

	err = bus.Send(context.Background(), 7, frame)
	if !errors.Is(err, ErrUnknownAddress) {
		t.Errorf("expected ErrUnknownAddress, got %v", err)
	}
	if len(mock.WriteData) != 0 {
		t.Errorf("nothing should reach the wire, wrote %q", mock.WriteData)
	}

	query, err := EncodeQuery(7, 1, CmdPosition)
	if err != nil {
		t.Fatalf("EncodeQuery failed: %v", err)
	}
	_, err = bus.Query(context.Background(), 7, CmdPosition, query)
	if !errors.Is(err, ErrUnknownAddress) {
		t.Errorf("expected ErrUnknownAddress, got %v", err)
	}
	if len(mock.WriteData) != 0 {
		t.Errorf("nothing should reach the wire, wrote %q", mock.WriteData)
	}
}

func TestSendAfterScan(t *testing.T) {
	tr := newChainTransport(2)
	bus := newTestBus(t, tr)
	defer bus.Close()

	if _, err := bus.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	frame, _ := EncodeSet(2, 1, CmdMoveRelative, 100)
	if err := bus.Send(context.Background(), 2, frame); err != nil {
		t.Errorf("Send to scanned address failed: %v", err)
	}

	frame, _ = EncodeSet(3, 1, CmdMoveRelative, 100)
	if err := bus.Send(context.Background(), 3, frame); !errors.Is(err, ErrUnknownAddress) {
		t.Errorf("expected ErrUnknownAddress for address 3, got %v", err)
	}
}

// slowEcho answers every write with "1\r\n" after a delay, and records the
// interleaving of writes and reads.
type slowEcho struct {
	mu      sync.Mutex
	events  []string
	pending []byte
}

func (t *slowEcho) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, "W")
	t.pending = []byte("1\r\n")
	return len(p), nil
}

func (t *slowEcho) Read(p []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return 0, nil
	}
	t.events = append(t.events, "R")
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *slowEcho) Close() error                       { return nil }
func (t *slowEcho) SetReadTimeout(time.Duration) error { return nil }
func (t *slowEcho) Flush() error                       { return nil }

// TestQuerySerialization verifies the half-duplex discipline: two
// concurrent queries never interleave their write and read phases.
func TestQuerySerialization(t *testing.T) {
	tr := &slowEcho{}
	bus := newTestBus(t, tr)
	defer bus.Close()

	frame, _ := EncodeQuery(0, 1, CmdMotionDone)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := bus.Query(context.Background(), 0, CmdMotionDone, frame); err != nil {
				t.Errorf("Query failed: %v", err)
			}
		}()
	}
	wg.Wait()

	want := []string{"W", "R", "W", "R"}
	if !reflect.DeepEqual(tr.events, want) {
		t.Errorf("exchange interleaving: got %v, want %v", tr.events, want)
	}
}

func TestQueryRetriesMalformedOnce(t *testing.T) {
	responses := [][]byte{[]byte("zz\r\n"), []byte("1\r\n")}
	var writes int

	mock := &transports.MockTransport{
		WriteFunc: func(p []byte) (int, error) {
			writes++
			return len(p), nil
		},
		ReadFunc: func(p []byte) (int, error) {
			if len(responses) == 0 {
				return 0, nil
			}
			n := copy(p, responses[0])
			responses = responses[1:]
			return n, nil
		},
	}
	bus := newTestBus(t, mock)
	defer bus.Close()

	frame, _ := EncodeQuery(0, 1, CmdMotionDone)
	reply, err := bus.Query(context.Background(), 0, CmdMotionDone, frame)
	if err != nil {
		t.Fatalf("Query failed after retry: %v", err)
	}
	if reply.Value != 1 {
		t.Errorf("reply value: got %d, want 1", reply.Value)
	}
	if writes != 2 {
		t.Errorf("writes: got %d, want 2", writes)
	}
	if !mock.Flushed {
		t.Error("bus should drain stale input before the retry")
	}
}

func TestQueryMalformedTwiceFails(t *testing.T) {
	mock := &transports.MockTransport{
		ReadFunc: func(p []byte) (int, error) {
			return copy(p, "zz\r\n"), nil
		},
	}
	bus := newTestBus(t, mock)
	defer bus.Close()

	frame, _ := EncodeQuery(0, 1, CmdMotionDone)
	_, err := bus.Query(context.Background(), 0, CmdMotionDone, frame)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestQueryTimeoutMarksDesync(t *testing.T) {
	mock := &transports.MockTransport{} // empty ReadData: permanent silence
	bus, err := NewBus(BusConfig{Transport: mock, Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewBus failed: %v", err)
	}
	defer bus.Close()

	frame, _ := EncodeQuery(0, 1, CmdPosition)
	_, err = bus.Query(context.Background(), 0, CmdPosition, frame)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got %v", err)
	}
	if !IsTimeout(err) {
		t.Error("IsTimeout should report true for silence")
	}

	// The timed-out exchange left the bus desynced; the next write must
	// drain stale input first.
	set, _ := EncodeSet(0, 1, CmdMoveRelative, 10)
	if err := bus.Send(context.Background(), 0, set); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !mock.Flushed {
		t.Error("Send after a timeout should flush the transport first")
	}
}

func TestQueryPartialLineTimesOut(t *testing.T) {
	mock := &transports.MockTransport{ReadData: []byte("12")} // no terminator
	bus, err := NewBus(BusConfig{Transport: mock, Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewBus failed: %v", err)
	}
	defer bus.Close()

	frame, _ := EncodeQuery(0, 1, CmdPosition)
	_, err = bus.Query(context.Background(), 0, CmdPosition, frame)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout for a partial line, got %v", err)
	}
}

func TestResolveAddresses(t *testing.T) {
	// Bits 1, 2 and 5 set: units at addresses 1, 2 and 5.
	tr := &scriptTransport{replies: map[string]string{
		"SD?": "1\r\n",
		"SC?": "38\r\n",
	}}
	bus := newTestBus(t, tr)
	defer bus.Close()

	addrs, conflict, err := bus.ResolveAddresses(context.Background(), 2)
	if err != nil {
		t.Fatalf("ResolveAddresses failed: %v", err)
	}
	if conflict {
		t.Error("no conflict bit set, conflict should be false")
	}
	if !reflect.DeepEqual(addrs, []int{1, 2, 5}) {
		t.Errorf("addresses: got %v, want [1 2 5]", addrs)
	}
	if !bus.Known(5) {
		t.Error("resolved addresses should populate the roster")
	}

	if tr.frames[0] != "SC2" {
		t.Errorf("first frame: got %q, want %q", tr.frames[0], "SC2")
	}
}

func TestResolveAddressesConflict(t *testing.T) {
	// Bit 0 flags an unresolved address conflict.
	tr := &scriptTransport{replies: map[string]string{
		"SD?": "1\r\n",
		"SC?": "39\r\n",
	}}
	bus := newTestBus(t, tr)
	defer bus.Close()

	addrs, conflict, err := bus.ResolveAddresses(context.Background(), 0)
	if err != nil {
		t.Fatalf("ResolveAddresses failed: %v", err)
	}
	if !conflict {
		t.Error("conflict bit set, conflict should be true")
	}
	if !reflect.DeepEqual(addrs, []int{1, 2, 5}) {
		t.Errorf("addresses: got %v, want [1 2 5]", addrs)
	}
}

func TestIdentify(t *testing.T) {
	const identity = "New_Focus 8742 v2.2 08/01/13 10075"
	tr := &scriptTransport{replies: map[string]string{
		"*IDN?": identity + "\r\n",
	}}
	bus := newTestBus(t, tr)
	defer bus.Close()

	got, err := bus.Identify(context.Background(), DirectAddress)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if got != identity {
		t.Errorf("identity: got %q, want %q", got, identity)
	}
}

func TestBusClosed(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := newTestBus(t, mock)

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !mock.Closed {
		t.Error("transport should be closed")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	frame, _ := EncodeSet(0, 1, CmdMoveRelative, 10)
	if err := bus.Send(context.Background(), 0, frame); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Send on closed bus: expected ErrBusClosed, got %v", err)
	}
	query, _ := EncodeQuery(0, 1, CmdPosition)
	if _, err := bus.Query(context.Background(), 0, CmdPosition, query); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Query on closed bus: expected ErrBusClosed, got %v", err)
	}
	if err := bus.Flush(); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Flush on closed bus: expected ErrBusClosed, got %v", err)
	}
}

func TestSendCancelledContext(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := newTestBus(t, mock)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	frame, _ := EncodeSet(0, 1, CmdMoveRelative, 10)
	if err := bus.Send(ctx, 0, frame); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(mock.WriteData) != 0 {
		t.Errorf("nothing should reach the wire, wrote %q", mock.WriteData)
	}
}
