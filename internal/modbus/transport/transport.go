// Package transport implements a framed Modbus RTU client over a serial
// port using go.bug.st/serial. Unlike a request-scoped client, this
// Transport is long-lived: one instance is opened once per BusSession and
// exclusively owned by it for the session's lifetime.
package transport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/modbus-scada/engine/internal/enginerr"
)

// Function codes this engine speaks.
const (
	FuncReadCoils          byte = 1
	FuncReadDiscreteInputs byte = 2
	FuncReadHoldingRegs    byte = 3
	FuncReadInputRegs      byte = 4
	FuncWriteSingleCoil    byte = 5
	FuncWriteSingleReg     byte = 6
	FuncWriteMultiRegs     byte = 16
)

const exceptionBit = 0x80

// Parity mirrors the three values a ConnectionNode may configure.
type Parity string

const (
	ParityNone Parity = "none"
	ParityEven Parity = "even"
	ParityOdd  Parity = "odd"
)

// PortConfig describes how to open the serial device backing a bus.
type PortConfig struct {
	Path     string
	BaudRate int
	DataBits int // 7 or 8
	StopBits int // 1 or 2
	Parity   Parity
}

func (c PortConfig) mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}
	switch c.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch c.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode
}

// Transport is a single-slave-at-a-time Modbus RTU client bound to one
// open serial port. It is not safe for concurrent use; the owning
// BusSession's bus mutex is what makes that safe in practice.
type Transport struct {
	mu      sync.Mutex
	port    serial.Port
	slave   byte
	timeout time.Duration
}

// Open opens the serial port with the node's settings. It does not wait
// for the port to settle; callers (BusSession) are responsible for the
// 500ms post-open stabilization delay.
func Open(cfg PortConfig) (*Transport, error) {
	port, err := serial.Open(cfg.Path, cfg.mode())
	if err != nil {
		return nil, enginerr.PortOpenFailed(err)
	}
	t := &Transport{port: port, timeout: time.Second}
	t.applyReadTimeout()
	return t, nil
}

// SetTimeout changes the per-request response timeout.
func (t *Transport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
	t.applyReadTimeout()
}

// Timeout returns the currently configured response timeout.
func (t *Transport) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

func (t *Transport) applyReadTimeout() {
	if t.port != nil {
		t.port.SetReadTimeout(t.timeout)
	}
}

// SetSlave sets the unit ID addressed by subsequent requests.
func (t *Transport) SetSlave(addr byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slave = addr
}

// Close releases the underlying serial port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// ReadCoils reads `count` coils starting at addr.
func (t *Transport) ReadCoils(addr, count uint16) ([]bool, error) {
	resp, err := t.transact(FuncReadCoils, encodeAddrCount(addr, count))
	if err != nil {
		return nil, err
	}
	return decodeBits(resp, count)
}

// ReadDiscreteInputs reads `count` discrete inputs starting at addr.
func (t *Transport) ReadDiscreteInputs(addr, count uint16) ([]bool, error) {
	resp, err := t.transact(FuncReadDiscreteInputs, encodeAddrCount(addr, count))
	if err != nil {
		return nil, err
	}
	return decodeBits(resp, count)
}

// ReadHoldingRegisters reads `count` holding registers starting at addr.
func (t *Transport) ReadHoldingRegisters(addr, count uint16) ([]uint16, error) {
	resp, err := t.transact(FuncReadHoldingRegs, encodeAddrCount(addr, count))
	if err != nil {
		return nil, err
	}
	return decodeRegisters(resp, count)
}

// ReadInputRegisters reads `count` input registers starting at addr.
func (t *Transport) ReadInputRegisters(addr, count uint16) ([]uint16, error) {
	resp, err := t.transact(FuncReadInputRegs, encodeAddrCount(addr, count))
	if err != nil {
		return nil, err
	}
	return decodeRegisters(resp, count)
}

// WriteSingleCoil writes one coil on/off.
func (t *Transport) WriteSingleCoil(addr uint16, on bool) error {
	var v uint16
	if on {
		v = 0xFF00
	}
	_, err := t.transact(FuncWriteSingleCoil, encodeAddrCount(addr, v))
	return err
}

// WriteSingleRegister writes one holding register.
func (t *Transport) WriteSingleRegister(addr, word uint16) error {
	_, err := t.transact(FuncWriteSingleReg, encodeAddrCount(addr, word))
	return err
}

// WriteMultipleRegisters writes a run of holding registers starting at
// addr, function code 16.
func (t *Transport) WriteMultipleRegisters(addr uint16, words []uint16) error {
	payload := make([]byte, 5+len(words)*2)
	binary.BigEndian.PutUint16(payload[0:], addr)
	binary.BigEndian.PutUint16(payload[2:], uint16(len(words)))
	payload[4] = byte(len(words) * 2)
	for i, w := range words {
		binary.BigEndian.PutUint16(payload[5+i*2:], w)
	}
	_, err := t.transact(FuncWriteMultiRegs, payload)
	return err
}

func encodeAddrCount(addr, count uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:], addr)
	binary.BigEndian.PutUint16(b[2:], count)
	return b
}

func decodeBits(resp []byte, count uint16) ([]bool, error) {
	if len(resp) < 3 {
		return nil, enginerr.FrameError("short bit-read response")
	}
	byteCount := int(resp[2])
	if len(resp) < 3+byteCount {
		return nil, enginerr.FrameError("truncated bit-read response")
	}
	out := make([]bool, count)
	for i := uint16(0); i < count; i++ {
		byteIdx := int(i / 8)
		bitIdx := i % 8
		out[i] = resp[3+byteIdx]&(1<<bitIdx) != 0
	}
	return out, nil
}

func decodeRegisters(resp []byte, count uint16) ([]uint16, error) {
	if len(resp) < 3 {
		return nil, enginerr.FrameError("short register-read response")
	}
	byteCount := int(resp[2])
	if len(resp) < 3+byteCount || byteCount < int(count)*2 {
		return nil, enginerr.FrameError("truncated register-read response")
	}
	out := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		out[i] = binary.BigEndian.Uint16(resp[3+int(i)*2:])
	}
	return out, nil
}

// transact sends one framed request and returns the response payload
// (address, function, and data bytes — CRC and exception handling already
// resolved). It must only be called while the bus mutex is held by the
// caller; Transport itself does not serialize calls.
func (t *Transport) transact(funcCode byte, payload []byte) ([]byte, error) {
	t.mu.Lock()
	port := t.port
	slave := t.slave
	t.mu.Unlock()

	if port == nil {
		return nil, enginerr.TransportError(fmt.Errorf("port not open"))
	}

	frame := make([]byte, 0, 2+len(payload)+2)
	frame = append(frame, slave, funcCode)
	frame = append(frame, payload...)
	frame = appendCRC(frame)

	if _, err := port.Write(frame); err != nil {
		return nil, enginerr.TransportError(err)
	}

	resp, err := readFrame(port)
	if err != nil {
		return nil, err
	}
	return checkResponse(resp, funcCode)
}

// checkResponse validates the function-code echo and decodes an exception
// response, operating on an already CRC-stripped frame. Split out from
// transact so it can be unit tested without a real serial port.
func checkResponse(resp []byte, funcCode byte) ([]byte, error) {
	if len(resp) < 2 {
		return nil, enginerr.FrameError("response too short")
	}
	if resp[1]&exceptionBit != 0 {
		if len(resp) < 3 {
			return nil, enginerr.FrameError("truncated exception response")
		}
		return nil, enginerr.ModbusException(int(resp[2]))
	}
	if resp[1] != funcCode {
		return nil, enginerr.FrameError(fmt.Sprintf("function code echo mismatch: sent %d got %d", funcCode, resp[1]))
	}
	return resp, nil
}

// readFrame reads one Modbus RTU response, relying on the port's
// configured read timeout (set via SetTimeout/applyReadTimeout) to signal
// TransactionTimedOut when nothing further arrives.
func readFrame(port serial.Port) ([]byte, error) {
	buf := make([]byte, 256)
	total := 0

	for {
		n, err := port.Read(buf[total:])
		if err != nil {
			return nil, enginerr.TransportError(err)
		}
		if n == 0 {
			// go.bug.st/serial returns (0, nil) when the configured
			// ReadTimeout elapses with no data.
			if total == 0 {
				return nil, enginerr.TransactionTimedOut("no response within configured timeout")
			}
			break
		}
		total += n
		if total >= len(buf) {
			break
		}
		// A minimal RTU response is address+function+1 byte+2 CRC = 5
		// bytes; keep draining until the port itself times out to be
		// sure we have the whole frame, since serial reads may return
		// partial chunks.
		if total >= 5 {
			// wait up to the configured read timeout for trailing bytes, then stop
			more, err := tryReadMore(port, buf[total:])
			if err != nil {
				return nil, err
			}
			if more == 0 {
				break
			}
			total += more
		}
	}

	frame := buf[:total]
	if len(frame) < 4 {
		return nil, enginerr.TransactionTimedOut("incomplete response")
	}
	if !verifyCRC(frame) {
		return nil, enginerr.FrameError("CRC mismatch")
	}
	return frame[:len(frame)-2], nil
}

func tryReadMore(port serial.Port, buf []byte) (int, error) {
	n, err := port.Read(buf)
	if err != nil {
		return 0, enginerr.TransportError(err)
	}
	return n, nil
}

func appendCRC(frame []byte) []byte {
	crc := crc16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

func verifyCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	data, tail := frame[:len(frame)-2], frame[len(frame)-2:]
	want := uint16(tail[1])<<8 | uint16(tail[0])
	return crc16(data) == want
}

// crc16 computes CRC-16/MODBUS: polynomial 0xA001, initial value 0xFFFF,
// result transmitted little-endian.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
