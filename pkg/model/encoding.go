package model

import (
	"encoding/binary"
	"sort"

	"github.com/dennwc/varint"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Payload encoding: thread streams are serialized as a varint stream
// (threads sorted by id, scopes in recorded order) and compressed with
// zstd. The encoding is deterministic: encoding the same streams twice
// yields identical bytes.

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

func encodeStreams(streams map[uint64]*ThreadStream) []byte {
	buf := make([]byte, 0, encodedSize(streams))
	buf = binary.AppendUvarint(buf, uint64(len(streams)))

	ids := make([]uint64, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		ts := streams[id]
		buf = binary.AppendUvarint(buf, ts.ThreadID)
		buf = binary.AppendUvarint(buf, uint64(len(ts.ThreadName)))
		buf = append(buf, ts.ThreadName...)
		buf = binary.AppendUvarint(buf, uint64(len(ts.Scopes)))
		for _, s := range ts.Scopes {
			buf = binary.AppendUvarint(buf, uint64(s.NameID))
			buf = binary.AppendUvarint(buf, uint64(s.TagID))
			buf = binary.AppendUvarint(buf, s.StartNs)
			buf = binary.AppendUvarint(buf, s.DurationNs)
			buf = binary.AppendUvarint(buf, uint64(s.Depth))
		}
	}
	return zstdEncoder.EncodeAll(buf, nil)
}

func decodeStreams(packed []byte) (map[uint64]*ThreadStream, error) {
	buf, err := zstdDecoder.DecodeAll(packed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompress frame payload")
	}

	r := payloadReader{buf: buf}
	numThreads, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	streams := make(map[uint64]*ThreadStream, numThreads)
	for i := uint64(0); i < numThreads; i++ {
		ts := new(ThreadStream)
		if ts.ThreadID, err = r.uvarint(); err != nil {
			return nil, err
		}
		if ts.ThreadName, err = r.str(); err != nil {
			return nil, err
		}
		numScopes, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if numScopes > uint64(len(buf)) {
			return nil, errors.Errorf("frame payload: scope count %d exceeds payload", numScopes)
		}
		ts.Scopes = make([]Scope, numScopes)
		for j := range ts.Scopes {
			s := &ts.Scopes[j]
			var v uint64
			if v, err = r.uvarint(); err != nil {
				return nil, err
			}
			s.NameID = uint32(v)
			if v, err = r.uvarint(); err != nil {
				return nil, err
			}
			s.TagID = uint32(v)
			if s.StartNs, err = r.uvarint(); err != nil {
				return nil, err
			}
			if s.DurationNs, err = r.uvarint(); err != nil {
				return nil, err
			}
			if v, err = r.uvarint(); err != nil {
				return nil, err
			}
			s.Depth = uint16(v)
		}
		streams[ts.ThreadID] = ts
	}
	return streams, nil
}

func encodedSize(streams map[uint64]*ThreadStream) int {
	size := varint.UvarintSize(uint64(len(streams)))
	for _, ts := range streams {
		size += varint.UvarintSize(ts.ThreadID)
		size += varint.UvarintSize(uint64(len(ts.ThreadName))) + len(ts.ThreadName)
		size += varint.UvarintSize(uint64(len(ts.Scopes)))
		for _, s := range ts.Scopes {
			size += varint.UvarintSize(uint64(s.NameID))
			size += varint.UvarintSize(uint64(s.TagID))
			size += varint.UvarintSize(s.StartNs)
			size += varint.UvarintSize(s.DurationNs)
			size += varint.UvarintSize(uint64(s.Depth))
		}
	}
	return size
}

type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) uvarint() (uint64, error) {
	v, n := varint.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, errors.New("frame payload: truncated varint")
	}
	r.off += n
	return v, nil
}

func (r *payloadReader) str() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if uint64(r.off)+n > uint64(len(r.buf)) {
		return "", errors.New("frame payload: truncated string")
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}
