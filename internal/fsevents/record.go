// Package fsevents implements the record codec, fragment reassembler, and
// logical event types shared by the watcher and fan-out server.
package fsevents

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// BufCap is the capacity in bytes of a RawRecord's path buffer.
	// Mirrors the kernel-side BUF_CAP used by the probe.
	BufCap = 256
	// NameOffsetCount is the fixed length of the array-mode name_offsets
	// table, left-padded with zeros.
	NameOffsetCount = 64
)

// EffectType mirrors the kernel-emitted effect_type tag.
type EffectType uint8

const (
	EffectCreate EffectType = iota
	EffectRename
	EffectLink
	EffectDelete
	EffectContinuation
	EffectAssociation
)

func (e EffectType) String() string {
	switch e {
	case EffectCreate:
		return "create"
	case EffectRename:
		return "rename"
	case EffectLink:
		return "link"
	case EffectDelete:
		return "delete"
	case EffectContinuation:
		return "unexpected:continuation"
	case EffectAssociation:
		return "unexpected:association"
	default:
		return fmt.Sprintf("unexpected:%d", uint8(e))
	}
}

// isTerminal reports whether e is one of Create/Rename/Link/Delete.
func (e EffectType) isTerminal() bool {
	return e == EffectCreate || e == EffectRename || e == EffectLink || e == EffectDelete
}

// PathType mirrors the kernel-emitted path_type tag. Values above the
// known range (and PathType Continuation, which never leaves the
// reassembler) are reported as PathUnknown to callers.
type PathType uint8

const (
	PathDir PathType = iota
	PathFile
	PathSymlink
	PathHardlink
	PathBlockdev
	PathSocket
	PathContinuation
	PathUnknown
)

func (p PathType) String() string {
	switch p {
	case PathDir:
		return "dir"
	case PathFile:
		return "file"
	case PathSymlink:
		return "symlink"
	case PathHardlink:
		return "hardlink"
	case PathBlockdev:
		return "blockdev"
	case PathSocket:
		return "socket"
	case PathContinuation:
		return "unexpected:continuation"
	default:
		return "unexpected:unknown"
	}
}

// pathTypeFromByte applies the softening rule: anything above the known
// range maps to PathUnknown rather than erroring.
func pathTypeFromByte(b uint8) PathType {
	if b > uint8(PathContinuation) {
		return PathUnknown
	}
	return PathType(b)
}

// effectTypeFromByte returns (EffectType, ok). ok is false for any value
// outside 0-5, which the codec treats as a hard decode error.
func effectTypeFromByte(b uint8) (EffectType, bool) {
	if b > uint8(EffectAssociation) {
		return 0, false
	}
	return EffectType(b), true
}

// RawRecord is the decoded form of one kernel-emitted wire record. Its
// layout follows §3.1: a monotonic timestamp, the originating pid, effect
// and path type tags, a bounded path buffer, the array-mode name offset
// table, and the ringbuf-mode group tag.
type RawRecord struct {
	Timestamp    uint64
	Pid          uint32
	EffectType   EffectType
	PathType     PathType
	BufLen       uint16
	Buf          [BufCap]byte
	NameOffsets  [NameOffsetCount]uint16
	EventGroupID uint16
}

// wireRecord is the exact fixed-layout shape read off the wire, decoded
// field-by-field before being promoted to the richer RawRecord above.
// Keeping it separate from RawRecord means a copy into aligned storage
// always happens before any field is interpreted, per §4.1.
type wireRecord struct {
	Timestamp    uint64
	Pid          uint32
	EffectType   uint8
	PathType     uint8
	BufLen       uint16
	Buf          [BufCap]byte
	NameOffsets  [NameOffsetCount]uint16
	EventGroupID uint16
}

// RecordSize is sizeof(RawRecord) on the wire: the exact byte length
// Decode requires.
const RecordSize = 8 + 4 + 1 + 1 + 2 + BufCap + NameOffsetCount*2 + 2

// DecodeError is returned by Decode for malformed records; callers log it
// and drop the record per the DecodeError row of §7's error taxonomy.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode raw record: " + e.Reason
}

// Decode parses a raw wire span into a RawRecord. It requires
// len(raw) == RecordSize, copies the bytes into an aligned local buffer
// before interpreting any field (avoiding unaligned-access UB from the
// kernel-emitted layout), and enforces the hard-error / softening rules
// of §4.1.
func Decode(raw []byte) (RawRecord, error) {
	if len(raw) != RecordSize {
		return RawRecord{}, &DecodeError{Reason: fmt.Sprintf("want %d bytes, got %d", RecordSize, len(raw))}
	}

	// Copy into properly aligned storage before any field access.
	aligned := make([]byte, RecordSize)
	copy(aligned, raw)

	var w wireRecord
	if err := binary.Read(bytes.NewReader(aligned), binary.LittleEndian, &w); err != nil {
		return RawRecord{}, errors.Wrap(err, "decode raw record: short read")
	}

	effect, ok := effectTypeFromByte(w.EffectType)
	if !ok {
		return RawRecord{}, &DecodeError{Reason: fmt.Sprintf("invalid effect_type %d", w.EffectType)}
	}

	if w.BufLen > BufCap {
		return RawRecord{}, &DecodeError{Reason: fmt.Sprintf("buf_len %d exceeds capacity %d", w.BufLen, BufCap)}
	}

	return RawRecord{
		Timestamp:    w.Timestamp,
		Pid:          w.Pid,
		EffectType:   effect,
		PathType:     pathTypeFromByte(w.PathType),
		BufLen:       w.BufLen,
		Buf:          w.Buf,
		NameOffsets:  w.NameOffsets,
		EventGroupID: w.EventGroupID,
	}, nil
}

// pathBytes returns the valid portion of Buf as decoded by buf_len.
func (r *RawRecord) pathBytes() []byte {
	return r.Buf[:r.BufLen]
}
