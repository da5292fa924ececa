package fsevents

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeWireRecord(t *testing.T, w wireRecord) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, w))
	return buf.Bytes()
}

func TestDecodeValidRecord(t *testing.T) {
	var w wireRecord
	w.Timestamp = 1000
	w.Pid = 10
	w.EffectType = uint8(EffectCreate)
	w.PathType = uint8(PathFile)
	copy(w.Buf[:], "etc")
	w.BufLen = 3

	rec, err := Decode(encodeWireRecord(t, w))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), rec.Timestamp)
	assert.Equal(t, uint32(10), rec.Pid)
	assert.Equal(t, EffectCreate, rec.EffectType)
	assert.Equal(t, PathFile, rec.PathType)
	assert.Equal(t, "etc", string(rec.pathBytes()))
}

func TestDecodeWrongLength(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestDecodeInvalidEffectTypeIsHardError(t *testing.T) {
	var w wireRecord
	w.EffectType = 6 // outside 0-5
	_, err := Decode(encodeWireRecord(t, w))
	require.Error(t, err)
}

func TestDecodeInvalidPathTypeSoftensToUnknown(t *testing.T) {
	var w wireRecord
	w.EffectType = uint8(EffectCreate)
	w.PathType = 200 // above known range
	rec, err := Decode(encodeWireRecord(t, w))
	require.NoError(t, err)
	assert.Equal(t, PathUnknown, rec.PathType)
}

func TestDecodeBufLenExceedsCapacityIsHardError(t *testing.T) {
	var w wireRecord
	w.EffectType = uint8(EffectCreate)
	w.BufLen = BufCap + 1
	_, err := Decode(encodeWireRecord(t, w))
	require.Error(t, err)
}
