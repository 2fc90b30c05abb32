package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameprof/frameprof/pkg/intern"
	"github.com/frameprof/frameprof/pkg/model"
)

func captureFrames(t *testing.T) ([]*model.Frame, *intern.Table) {
	t.Helper()
	names := intern.NewTable()
	draw := names.Intern("draw")
	physics := names.Intern("physics")
	tag := names.Intern("level-1")

	f0 := model.NewFrame(0, map[uint64]*model.ThreadStream{
		1: {ThreadID: 1, ThreadName: "main", Scopes: []model.Scope{
			{NameID: draw, StartNs: 100, DurationNs: 50},
			{NameID: physics, TagID: tag, StartNs: 160, DurationNs: 20},
		}},
		2: {ThreadID: 2, ThreadName: "audio", Scopes: []model.Scope{
			{NameID: physics, StartNs: 110, DurationNs: 5},
		}},
	}, nil)
	f1 := model.NewFrame(1, map[uint64]*model.ThreadStream{}, nil)
	return []*model.Frame{f0, f1}, names
}

func TestHandshake(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf))
	require.NoError(t, ReadHandshake(&buf))

	// Wrong version is a hard error, not a negotiation.
	var bad bytes.Buffer
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], ProtocolVersion+1)
	bad.Write(v[:])
	err := ReadHandshake(&bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, PacketScopeNames, []byte("abc")))
	require.NoError(t, WritePacket(&buf, PacketDisconnect, nil))

	kind, body, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, PacketScopeNames, kind)
	assert.Equal(t, []byte("abc"), body)

	kind, body, err = ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, PacketDisconnect, kind)
	assert.Empty(t, body)

	// Orderly end of stream.
	_, _, err = ReadPacket(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestPacketTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, PacketFrameData, []byte("abcdef")))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, _, err := ReadPacket(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestEntriesRoundTrip(t *testing.T) {
	entries := []intern.Entry{
		{ID: 1, Name: "frame"},
		{ID: 2, Name: ""},
		{ID: 7, Name: "physics/solve"},
	}
	got, err := DecodeEntries(EncodeEntries(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	got, err = DecodeEntries(EncodeEntries(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFrameDataRoundTrip(t *testing.T) {
	frames, _ := captureFrames(t)
	src := frames[0]

	decoded, err := DecodeFrameData(EncodeFrameData(src))
	require.NoError(t, err)
	assert.Equal(t, src.Meta(), decoded.Meta())
	assert.True(t, decoded.Packed())

	want, err := src.Threads()
	require.NoError(t, err)
	got, err := decoded.Threads()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileRoundTrip(t *testing.T) {
	frames, names := captureFrames(t)

	var buf bytes.Buffer
	require.NoError(t, WriteFile(&buf, frames, names.Snapshot()))

	gotFrames, gotNames, err := ReadFile(&buf)
	require.NoError(t, err)
	require.Len(t, gotFrames, 2)
	assert.Equal(t, names.Snapshot(), gotNames.Snapshot())
	assert.Equal(t, "draw", gotNames.MustLookup(1))

	for i, f := range gotFrames {
		assert.Equal(t, frames[i].Meta(), f.Meta())
	}
	streams, err := gotFrames[0].Threads()
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, "audio", streams[2].ThreadName)
	assert.Equal(t, 0, gotFrames[1].NumScopes())
}

func TestFile_BadMagic(t *testing.T) {
	_, _, err := ReadFile(bytes.NewReader([]byte("GIF89a??????")))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestFile_VersionMismatch(t *testing.T) {
	frames, names := captureFrames(t)
	var buf bytes.Buffer
	require.NoError(t, WriteFile(&buf, frames, names.Snapshot()))

	raw := buf.Bytes()
	raw[4] = fileVersion + 1
	_, _, err := ReadFile(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestFile_ChecksumCorruption(t *testing.T) {
	frames, names := captureFrames(t)
	var buf bytes.Buffer
	require.NoError(t, WriteFile(&buf, frames, names.Snapshot()))

	// Flip one bit in the last frame's checksum trailer.
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0x01
	_, _, err := ReadFile(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestFile_Truncation(t *testing.T) {
	frames, names := captureFrames(t)
	var buf bytes.Buffer
	require.NoError(t, WriteFile(&buf, frames, names.Snapshot()))

	raw := buf.Bytes()
	for _, cut := range []int{1, 4, 5, 8, len(raw) - 3} {
		_, _, err := ReadFile(bytes.NewReader(raw[:cut]))
		require.Error(t, err, "cut at %d", cut)
	}

	// An empty capture (header plus name table, zero records) is valid.
	var empty bytes.Buffer
	require.NoError(t, WriteFile(&empty, nil, names.Snapshot()))
	gotFrames, gotNames, err := ReadFile(&empty)
	require.NoError(t, err)
	assert.Empty(t, gotFrames)
	assert.Equal(t, names.Snapshot(), gotNames.Snapshot())
}
