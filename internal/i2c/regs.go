package i2c

import "encoding/binary"

// RegReader is the register read surface the sensor drivers need. *Dev
// implements it; tests substitute fakes.
type RegReader interface {
	ReadReg(reg byte, dst []byte) error
}

func readRegU8(rw RegReader, reg byte) (byte, error) {
	var b [1]byte
	if err := rw.ReadReg(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16BE reads a big-endian register pair starting at reg.
func ReadU16BE(rw RegReader, reg byte) (uint16, error) {
	var b [2]byte
	if err := rw.ReadReg(reg, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// WriteU16BE writes a big-endian 16-bit register (e.g. ADS1115 config).
func WriteU16BE(w interface{ Write(p []byte) error }, reg byte, v uint16) error {
	return w.Write([]byte{reg, byte(v >> 8), byte(v)})
}
