// Package codec implements the binary surfaces of the profiler: the
// stream protocol spoken between server and client, and the .fprof
// capture file format. Both carry frames in their packed form so
// neither end pays a decompression it did not ask for.
package codec

import (
	"encoding/binary"
	"io"

	"github.com/dennwc/varint"
	"github.com/pkg/errors"

	"github.com/frameprof/frameprof/pkg/intern"
	"github.com/frameprof/frameprof/pkg/model"
)

// ProtocolVersion is sent once by the server immediately after accept.
// Clients refuse to speak to any other version.
const ProtocolVersion uint16 = 1

// ErrVersionMismatch is returned when the peer (or a file) speaks a
// different protocol version. There is no negotiation; the connection
// or load is abandoned.
var ErrVersionMismatch = errors.New("codec: protocol version mismatch")

type PacketKind byte

const (
	// PacketScopeNames carries intern-table entries: a full snapshot on
	// connect, deltas afterwards.
	PacketScopeNames PacketKind = 1
	// PacketFrameData carries one frame: meta followed by the packed payload.
	PacketFrameData PacketKind = 2
	// PacketDisconnect announces an orderly shutdown after the server
	// drained its queues. No body.
	PacketDisconnect PacketKind = 3
)

// maxPacketBytes rejects absurd length prefixes before allocating.
const maxPacketBytes = 256 << 20

// WriteHandshake writes the protocol version prefix.
func WriteHandshake(w io.Writer) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], ProtocolVersion)
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "write handshake")
}

// ReadHandshake reads and checks the protocol version prefix.
func ReadHandshake(r io.Reader) error {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return errors.Wrap(err, "read handshake")
	}
	if v := binary.LittleEndian.Uint16(buf[:]); v != ProtocolVersion {
		return errors.Wrapf(ErrVersionMismatch, "got %d, want %d", v, ProtocolVersion)
	}
	return nil
}

// WritePacket frames one packet: kind, u32 little-endian body length, body.
func WritePacket(w io.Writer, kind PacketKind, body []byte) error {
	var hdr [5]byte
	hdr[0] = byte(kind)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write packet header")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "write packet body")
	}
	return nil
}

// ReadPacket reads one framed packet. io.EOF at a packet boundary is
// returned as-is so callers can distinguish orderly stream end from a
// truncated packet.
func ReadPacket(r io.Reader) (PacketKind, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, errors.Wrap(err, "read packet header")
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > maxPacketBytes {
		return 0, nil, errors.Errorf("packet body of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, errors.Wrap(err, "read packet body")
	}
	return PacketKind(hdr[0]), body, nil
}

// EncodeEntries serializes intern-table bindings for a ScopeNames packet.
func EncodeEntries(entries []intern.Entry) []byte {
	size := varint.UvarintSize(uint64(len(entries)))
	for _, e := range entries {
		size += varint.UvarintSize(uint64(e.ID))
		size += varint.UvarintSize(uint64(len(e.Name))) + len(e.Name)
	}
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(e.ID))
		buf = binary.AppendUvarint(buf, uint64(len(e.Name)))
		buf = append(buf, e.Name...)
	}
	return buf
}

// DecodeEntries parses a ScopeNames packet body.
func DecodeEntries(body []byte) ([]intern.Entry, error) {
	r := byteReader{buf: body}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(body)) {
		return nil, errors.Errorf("scope names: entry count %d exceeds body", n)
	}
	entries := make([]intern.Entry, n)
	for i := range entries {
		id, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		entries[i].ID = uint32(id)
		if entries[i].Name, err = r.str(); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// EncodeFrameData serializes one frame for a FrameData packet or a file
// record: the five meta fields as varints, then the packed payload. The
// frame is packed as a side effect if it was still raw.
func EncodeFrameData(f *model.Frame) []byte {
	meta := f.Meta()
	payload := f.PackedPayload()
	buf := make([]byte, 0, 5*binary.MaxVarintLen64+len(payload))
	buf = binary.AppendUvarint(buf, meta.FrameIndex)
	buf = binary.AppendUvarint(buf, meta.RangeStartNs)
	buf = binary.AppendUvarint(buf, meta.RangeEndNs)
	buf = binary.AppendUvarint(buf, uint64(meta.NumScopes))
	buf = binary.AppendUvarint(buf, uint64(meta.NumBytes))
	return append(buf, payload...)
}

// DecodeFrameData parses a FrameData body. The payload stays packed.
func DecodeFrameData(body []byte) (*model.Frame, error) {
	r := byteReader{buf: body}
	var meta model.FrameMeta
	var err error
	if meta.FrameIndex, err = r.uvarint(); err != nil {
		return nil, err
	}
	if meta.RangeStartNs, err = r.uvarint(); err != nil {
		return nil, err
	}
	if meta.RangeEndNs, err = r.uvarint(); err != nil {
		return nil, err
	}
	var v uint64
	if v, err = r.uvarint(); err != nil {
		return nil, err
	}
	meta.NumScopes = int(v)
	if v, err = r.uvarint(); err != nil {
		return nil, err
	}
	meta.NumBytes = int(v)
	payload := make([]byte, len(body)-r.off)
	copy(payload, body[r.off:])
	return model.FromPacked(meta, nil, payload), nil
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := varint.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, errors.New("codec: truncated varint")
	}
	r.off += n
	return v, nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if uint64(r.off)+n > uint64(len(r.buf)) {
		return "", errors.New("codec: truncated string")
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}
