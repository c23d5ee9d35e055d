// Package wire implements the packed little-endian binary layout used for
// the /latency/record payload (see spec.md §6). Byte offsets are written
// out explicitly with encoding/binary rather than relying on a compiler's
// struct packing, since the header must interoperate with other
// implementations of the same wire format.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"pollingserver/internal/ids"
)

// HeaderSize is the fixed size, in bytes, of the latency-record header.
const HeaderSize = 64

// EntrySize is the fixed size, in bytes, of one latency entry.
const EntrySize = 12

// maximumIdentifierLength is the width of the server-identifier field.
const maximumIdentifierLength = 48

// ServerStatus mirrors the coarse status codes reported in the header.
type ServerStatus uint8

const (
	StatusAllUnknown ServerStatus = 0
	StatusActive     ServerStatus = 1
	StatusInactive   ServerStatus = 2
	StatusDefunct    ServerStatus = 3
)

// Header is the 64-byte fixed header prepended to every latency batch.
type Header struct {
	Version           uint16
	Identifier        string // UTF-8, truncated/right-padded to 48 bytes on encode
	MonitorsPerSecond uint32 // unsigned 24.8 fixed point
	CPULoading        uint16 // 0 = 0%, 65535 = 1600%
	MemoryLoading     uint16 // 0 = 0%, 65535 = 100%
	ServerStatusCode  ServerStatus
}

// Entry is one 12-byte latency sample.
type Entry struct {
	MonitorID          ids.MonitorID
	ZoranTimestamp     ids.ZoranTime
	LatencyMicroseconds uint32
}

// EncodeMonitorsPerSecond converts a floating-point rate into the header's
// unsigned 24.8 fixed-point representation.
func EncodeMonitorsPerSecond(rate float64) uint32 {
	if rate < 0 {
		rate = 0
	}
	v := rate * 256.0
	if v > float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v + 0.5)
}

// DecodeMonitorsPerSecond reverses EncodeMonitorsPerSecond.
func DecodeMonitorsPerSecond(fixed uint32) float64 {
	return float64(fixed) / 256.0
}

// EncodeBatch packs a header and a slice of entries into a single
// /latency/record payload: HeaderSize + EntrySize*len(entries) bytes.
func EncodeBatch(h Header, entries []Entry) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+EntrySize*len(entries)))

	var idBytes [maximumIdentifierLength]byte
	copy(idBytes[:], h.Identifier)

	_ = binary.Write(buf, binary.LittleEndian, h.Version)
	buf.Write(idBytes[:])
	_ = binary.Write(buf, binary.LittleEndian, h.MonitorsPerSecond)
	_ = binary.Write(buf, binary.LittleEndian, h.CPULoading)
	_ = binary.Write(buf, binary.LittleEndian, h.MemoryLoading)
	buf.WriteByte(byte(h.ServerStatusCode))
	buf.Write([]byte{0, 0, 0, 0, 0}) // reserved

	for _, e := range entries {
		_ = binary.Write(buf, binary.LittleEndian, uint32(e.MonitorID))
		_ = binary.Write(buf, binary.LittleEndian, uint32(e.ZoranTimestamp))
		_ = binary.Write(buf, binary.LittleEndian, e.LatencyMicroseconds)
	}

	return buf.Bytes()
}

// DecodeBatch is the inverse of EncodeBatch. It is used by tests (Property
// 4: round-trip) and may be used by test doubles standing in for the
// controller.
func DecodeBatch(payload []byte) (Header, []Entry, error) {
	if len(payload) < HeaderSize {
		return Header{}, nil, fmt.Errorf("wire: payload too short: %d bytes", len(payload))
	}
	if (len(payload)-HeaderSize)%EntrySize != 0 {
		return Header{}, nil, fmt.Errorf("wire: trailing bytes after header not a multiple of %d", EntrySize)
	}

	r := bytes.NewReader(payload)
	var h Header
	_ = binary.Read(r, binary.LittleEndian, &h.Version)

	var idBytes [maximumIdentifierLength]byte
	if _, err := r.Read(idBytes[:]); err != nil {
		return Header{}, nil, err
	}
	end := bytes.IndexByte(idBytes[:], 0)
	if end == -1 {
		end = len(idBytes)
	}
	h.Identifier = string(idBytes[:end])

	_ = binary.Read(r, binary.LittleEndian, &h.MonitorsPerSecond)
	_ = binary.Read(r, binary.LittleEndian, &h.CPULoading)
	_ = binary.Read(r, binary.LittleEndian, &h.MemoryLoading)

	statusByte, err := r.ReadByte()
	if err != nil {
		return Header{}, nil, err
	}
	h.ServerStatusCode = ServerStatus(statusByte)

	reserved := make([]byte, 5)
	if _, err := r.Read(reserved); err != nil {
		return Header{}, nil, err
	}

	n := (len(payload) - HeaderSize) / EntrySize
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		var monitorID, latency uint32
		var ts uint32
		_ = binary.Read(r, binary.LittleEndian, &monitorID)
		_ = binary.Read(r, binary.LittleEndian, &ts)
		_ = binary.Read(r, binary.LittleEndian, &latency)
		entries = append(entries, Entry{
			MonitorID:           ids.MonitorID(monitorID),
			ZoranTimestamp:       ids.ZoranTime(ts),
			LatencyMicroseconds: latency,
		})
	}

	return h, entries, nil
}
