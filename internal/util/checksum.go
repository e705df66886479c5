package util

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ChecksumSize is the length of the trailer written by AppendChecksum
const ChecksumSize = 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum returns the CRC32-C of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// AppendChecksum appends the little-endian checksum of buf to buf
func AppendChecksum(buf []byte) []byte {
	return binary.LittleEndian.AppendUint32(buf, ComputeChecksum(buf))
}

// ChecksumError reports a payload whose trailer does not match its contents
type ChecksumError struct {
	Expected uint32
	Actual   uint32
	Length   int
}

func (e *ChecksumError) Error() string {
	if e.Length < ChecksumSize {
		return fmt.Sprintf("buffer of %d bytes is too short for a checksum", e.Length)
	}
	return fmt.Sprintf("checksum mismatch over %d bytes: expected %08x, got %08x", e.Length, e.Expected, e.Actual)
}

// SplitChecksum validates the trailer of buf and returns the payload in front
// of it. The payload aliases buf.
func SplitChecksum(buf []byte) ([]byte, error) {
	if len(buf) < ChecksumSize {
		return nil, &ChecksumError{Length: len(buf)}
	}
	n := len(buf) - ChecksumSize
	payload := buf[:n]
	expected := binary.LittleEndian.Uint32(buf[n:])
	if actual := ComputeChecksum(payload); actual != expected {
		return nil, &ChecksumError{Expected: expected, Actual: actual, Length: n}
	}
	return payload, nil
}
