// Package codec translates between raw Modbus register words and the typed
// scalar values tags expose to the rest of the engine. Two-register values
// are assembled high-word-first (AB CD byte order) per the engine's fixed
// word order.
package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/modbus-scada/engine/internal/enginerr"
)

// DataType is the closed set of device/server data types a tag can carry.
type DataType string

const (
	I16 DataType = "i16"
	U16 DataType = "u16"
	I32 DataType = "i32"
	U32 DataType = "u32"
	F32 DataType = "f32"
)

// Words returns how many 16-bit registers a value of this type occupies.
func (t DataType) Words() int {
	switch t {
	case I16, U16:
		return 1
	case I32, U32, F32:
		return 2
	default:
		return 0
	}
}

func (t DataType) valid() bool {
	switch t {
	case I16, U16, I32, U32, F32:
		return true
	default:
		return false
	}
}

// ParseDataType parses the string form persisted on a Tag's
// DeviceDataType/ServerDataType fields.
func ParseDataType(s string) (DataType, error) {
	t := DataType(strings.ToLower(strings.TrimSpace(s)))
	if !t.valid() {
		return "", fmt.Errorf("codec: unknown data type %q", s)
	}
	return t, nil
}

// Value is a decoded scalar held in a single signed Float64 field, whatever
// the originating type.
type Value struct {
	Float64 float64
}

// DecodeRegisters converts the device-type interpretation of raw registers
// into a Value. words must have len() == deviceType.Words().
func DecodeRegisters(words []uint16, deviceType DataType) (Value, error) {
	if !deviceType.valid() {
		return Value{}, fmt.Errorf("codec: unknown device type %q", deviceType)
	}
	if len(words) != deviceType.Words() {
		return Value{}, fmt.Errorf("codec: %s requires %d register(s), got %d", deviceType, deviceType.Words(), len(words))
	}

	switch deviceType {
	case I16:
		return Value{Float64: float64(int16(words[0]))}, nil
	case U16:
		return Value{Float64: float64(words[0])}, nil
	case I32:
		raw := uint32(words[0])<<16 | uint32(words[1])
		return Value{Float64: float64(int32(raw))}, nil
	case U32:
		raw := uint32(words[0])<<16 | uint32(words[1])
		return Value{Float64: float64(raw)}, nil
	case F32:
		raw := uint32(words[0])<<16 | uint32(words[1])
		f := math.Float32frombits(raw)
		return Value{Float64: float64(f)}, nil
	}
	return Value{}, fmt.Errorf("codec: unreachable type %q", deviceType)
}

// DecodeBit maps a single Modbus bit (coil / discrete input) to 0 or 1.
func DecodeBit(bit bool) Value {
	if bit {
		return Value{Float64: 1}
	}
	return Value{Float64: 0}
}

// Widen reinterprets a value decoded at deviceType as if it were read at
// serverType, preserving sign and magnitude.
func Widen(v Value, deviceType, serverType DataType) (Value, error) {
	if !deviceType.valid() || !serverType.valid() {
		return Value{}, fmt.Errorf("codec: unknown type in widen(%s -> %s)", deviceType, serverType)
	}
	// Float64 already carries full magnitude/sign; narrower-to-wider
	// integer widening needs no bit manipulation once decoded as float64.
	return v, nil
}

// EncodeRegisters is the inverse of DecodeRegisters: it renders v into the
// register words a write to deviceType should carry.
//
// i32/u32 values written through an i16 device are clamped to
// [-32768, 32767] and negative values are encoded as two's-complement u16
// (value + 65536).
func EncodeRegisters(v Value, deviceType DataType) ([]uint16, error) {
	if !deviceType.valid() {
		return nil, fmt.Errorf("codec: unknown device type %q", deviceType)
	}
	if deviceType == F32 {
		if math.IsNaN(v.Float64) || math.IsInf(v.Float64, 0) {
			return nil, enginerr.InvalidValue("cannot write non-finite float")
		}
		bits := math.Float32bits(float32(v.Float64))
		return []uint16{uint16(bits >> 16), uint16(bits & 0xFFFF)}, nil
	}

	if math.IsNaN(v.Float64) || math.IsInf(v.Float64, 0) {
		return nil, enginerr.InvalidValue("cannot write non-finite value")
	}

	switch deviceType {
	case I16:
		word := clampToInt16Word(v.Float64)
		return []uint16{word}, nil
	case U16:
		word := clampToUint16(v.Float64)
		return []uint16{word}, nil
	case I32:
		raw := clampToInt32(v.Float64)
		return []uint16{uint16(uint32(raw) >> 16), uint16(uint32(raw) & 0xFFFF)}, nil
	case U32:
		raw := clampToUint32(v.Float64)
		return []uint16{uint16(raw >> 16), uint16(raw & 0xFFFF)}, nil
	}
	return nil, fmt.Errorf("codec: unreachable type %q", deviceType)
}

// clampToInt16Word rounds to nearest integer, clamps to [-32768, 32767],
// then encodes negative values as two's-complement u16 (value + 65536).
func clampToInt16Word(f float64) uint16 {
	rounded := math.Round(f)
	if rounded < -32768 {
		rounded = -32768
	} else if rounded > 32767 {
		rounded = 32767
	}
	if rounded < 0 {
		rounded += 65536
	}
	return clampToUint16(rounded)
}

func clampToUint16(f float64) uint16 {
	rounded := math.Round(f)
	if rounded < 0 {
		rounded = 0
	} else if rounded > 65535 {
		rounded = 65535
	}
	return uint16(rounded)
}

func clampToInt32(f float64) int32 {
	rounded := math.Round(f)
	if rounded < math.MinInt32 {
		rounded = math.MinInt32
	} else if rounded > math.MaxInt32 {
		rounded = math.MaxInt32
	}
	return int32(rounded)
}

func clampToUint32(f float64) uint32 {
	rounded := math.Round(f)
	if rounded < 0 {
		rounded = 0
	} else if rounded > math.MaxUint32 {
		rounded = math.MaxUint32
	}
	return uint32(rounded)
}

// EncodeBit renders v as a coil write value: nonzero is "on".
func EncodeBit(v Value) bool {
	return v.Float64 != 0
}

// ParseWriteValue accepts a numeric or decimal-string write request from a
// client and produces a Value, rejecting non-finite or non-numeric input
// per the write API's edge cases.
func ParseWriteValue(input interface{}) (Value, error) {
	switch x := input.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, enginerr.InvalidValue("value is NaN or infinite")
		}
		return Value{Float64: x}, nil
	case float32:
		return ParseWriteValue(float64(x))
	case int:
		return Value{Float64: float64(x)}, nil
	case int64:
		return Value{Float64: float64(x)}, nil
	case string:
		s := strings.TrimSpace(x)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, enginerr.InvalidValue(fmt.Sprintf("cannot parse %q as a number", x))
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, enginerr.InvalidValue("value is NaN or infinite")
		}
		return Value{Float64: f}, nil
	default:
		return Value{}, enginerr.InvalidValue(fmt.Sprintf("unsupported write value type %T", input))
	}
}
