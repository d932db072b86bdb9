package bussession

import (
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport used to drive BusSession
// without a real serial port.
type fakeTransport struct {
	mu sync.Mutex

	registers map[uint16]uint16
	coils     map[uint16]bool
	slave     byte
	timeout   time.Duration
	closed    bool

	// readErr, if set, is returned by every read call instead of a value.
	readErr error
	// writeErr, if set, is returned by every write call.
	writeErr error
	// multiRegErr, if set, overrides writeErr for WriteMultipleRegisters
	// only, so fallback-to-single-register behavior can be exercised.
	multiRegErr error

	calls []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		registers: make(map[uint16]uint16),
		coils:     make(map[uint16]bool),
		timeout:   time.Second,
	}
}

func (f *fakeTransport) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) ReadCoils(addr, count uint16) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReadCoils")
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]bool, count)
	for i := range out {
		out[i] = f.coils[addr+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) ReadDiscreteInputs(addr, count uint16) ([]bool, error) {
	return f.ReadCoils(addr, count)
}

func (f *fakeTransport) ReadHoldingRegisters(addr, count uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReadHoldingRegisters")
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = f.registers[addr+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) ReadInputRegisters(addr, count uint16) ([]uint16, error) {
	return f.ReadHoldingRegisters(addr, count)
}

func (f *fakeTransport) WriteSingleCoil(addr uint16, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WriteSingleCoil")
	if f.writeErr != nil {
		return f.writeErr
	}
	f.coils[addr] = on
	return nil
}

func (f *fakeTransport) WriteSingleRegister(addr, word uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WriteSingleRegister")
	if f.writeErr != nil {
		return f.writeErr
	}
	f.registers[addr] = word
	return nil
}

func (f *fakeTransport) WriteMultipleRegisters(addr uint16, words []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WriteMultipleRegisters")
	if f.multiRegErr != nil {
		return f.multiRegErr
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	for i, w := range words {
		f.registers[addr+uint16(i)] = w
	}
	return nil
}

func (f *fakeTransport) SetSlave(addr byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slave = addr
}

func (f *fakeTransport) SetTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = d
}

func (f *fakeTransport) Timeout() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeout
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
