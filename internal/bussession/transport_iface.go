package bussession

import (
	"time"

	"github.com/modbus-scada/engine/internal/modbus/transport"
)

// Transport is the narrow view of *transport.Transport a BusSession
// needs. Defining it here (rather than depending on the concrete type
// directly) lets tests substitute a fake bus without a real serial port.
type Transport interface {
	ReadCoils(addr, count uint16) ([]bool, error)
	ReadDiscreteInputs(addr, count uint16) ([]bool, error)
	ReadHoldingRegisters(addr, count uint16) ([]uint16, error)
	ReadInputRegisters(addr, count uint16) ([]uint16, error)
	WriteSingleCoil(addr uint16, on bool) error
	WriteSingleRegister(addr, word uint16) error
	WriteMultipleRegisters(addr uint16, words []uint16) error
	SetSlave(addr byte)
	SetTimeout(d time.Duration)
	Timeout() time.Duration
	Close() error
}

// OpenFunc opens the serial port backing a session. The default, Open,
// wraps transport.Open.
type OpenFunc func(cfg transport.PortConfig) (Transport, error)

// Open is the production OpenFunc.
func Open(cfg transport.PortConfig) (Transport, error) {
	return transport.Open(cfg)
}
