package codec

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/frameprof/frameprof/pkg/intern"
	"github.com/frameprof/frameprof/pkg/model"
)

// Capture file layout:
//
//	magic "FPRF"
//	version byte
//	u32 LE length + name table (full snapshot, EncodeEntries form)
//	repeated frame records until EOF:
//	    u32 LE length + frame body (EncodeFrameData form) + u64 LE xxhash64 of body
//
// The checksum covers each record body individually, so a truncated or
// bit-flipped tail is caught without hashing the whole file up front.

const (
	fileVersion byte = 1

	// FileExtension is the conventional capture file suffix.
	FileExtension = ".fprof"
)

var fileMagic = [4]byte{'F', 'P', 'R', 'F'}

var (
	// ErrBadMagic means the reader was not handed a capture file.
	ErrBadMagic = errors.New("codec: not a capture file")
	// ErrChecksum means a frame record failed its integrity check.
	ErrChecksum = errors.New("codec: frame record checksum mismatch")
)

// WriteFile writes a capture: the complete name table followed by the
// given frames in order. Frames are packed as a side effect.
func WriteFile(w io.Writer, frames []*model.Frame, names []intern.Entry) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(fileMagic[:]); err != nil {
		return errors.Wrap(err, "write magic")
	}
	if err := bw.WriteByte(fileVersion); err != nil {
		return errors.Wrap(err, "write version")
	}

	table := EncodeEntries(names)
	if err := writeLenPrefixed(bw, table); err != nil {
		return errors.Wrap(err, "write name table")
	}

	var sum [8]byte
	for _, f := range frames {
		body := EncodeFrameData(f)
		if err := writeLenPrefixed(bw, body); err != nil {
			return errors.Wrapf(err, "write frame %d", f.FrameIndex())
		}
		binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(body))
		if _, err := bw.Write(sum[:]); err != nil {
			return errors.Wrapf(err, "write frame %d checksum", f.FrameIndex())
		}
	}
	return errors.Wrap(bw.Flush(), "flush capture")
}

// ReadFile loads a capture. Either the whole file parses, or an error is
// returned and nothing does; there are no partial results.
func ReadFile(r io.Reader) ([]*model.Frame, *intern.Table, error) {
	br := bufio.NewReader(r)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, nil, errors.Wrap(err, "read magic")
	}
	if magic != fileMagic {
		return nil, nil, ErrBadMagic
	}
	version, err := br.ReadByte()
	if err != nil {
		return nil, nil, errors.Wrap(err, "read version")
	}
	if version != fileVersion {
		return nil, nil, errors.Wrapf(ErrVersionMismatch, "file version %d, want %d", version, fileVersion)
	}

	table, err := readLenPrefixed(br)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read name table")
	}
	entries, err := DecodeEntries(table)
	if err != nil {
		return nil, nil, err
	}
	names := intern.NewTable()
	if err := names.Apply(entries); err != nil {
		return nil, nil, err
	}

	var frames []*model.Frame
	var sum [8]byte
	for {
		body, err := readLenPrefixed(br)
		if err == io.EOF {
			return frames, names, nil
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "read frame record %d", len(frames))
		}
		if _, err := io.ReadFull(br, sum[:]); err != nil {
			return nil, nil, errors.Wrapf(err, "read frame record %d checksum", len(frames))
		}
		if binary.LittleEndian.Uint64(sum[:]) != xxhash.Sum64(body) {
			return nil, nil, errors.Wrapf(ErrChecksum, "frame record %d", len(frames))
		}
		f, err := DecodeFrameData(body)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "decode frame record %d", len(frames))
		}
		frames = append(frames, f)
	}
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readLenPrefixed returns io.EOF only when the stream ends exactly at a
// record boundary; a partial header or body is a truncation error.
func readLenPrefixed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read length prefix")
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxPacketBytes {
		return nil, errors.Errorf("record of %d bytes exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "read record body")
	}
	return b, nil
}
