package fsevents

import (
	"strings"
	"unicode/utf8"
)

// State mirrors the Continuation enum of §3.1: whether a group is still
// accumulating or has just emitted a LogicalEvent.
type State int

const (
	StatePending State = iota
	StateComplete
)

// FragmentReassembler is satisfied by both wire-variant reassemblers.
// Feed consumes exactly one RawRecord and returns a completed
// LogicalEvent, or nil if the record only contributed to pending state.
// A non-nil error is a ReassemblyAnomaly: the caller logs it and keeps
// going, per §7.
type FragmentReassembler interface {
	Feed(rec RawRecord) (*LogicalEvent, error)
}

// joinSegments renders an ordered list of path components as an
// absolute path: a leading "/" and no trailing "/".
func joinSegments(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}

// --- ringbuf mode (§4.2) ---

// RingbufReassembler implements the ringbuf-mode Fragment Reassembler: a
// single-threaded state machine driven one RawRecord at a time, holding
// an ordered deque of path segments and an optional ordered deque of
// associated-path segments, keyed by event_group_id.
type RingbufReassembler struct {
	segments     []string // front = most recently arrived component
	assoc        []string
	assocStarted bool
	groupID      uint16
	groupSet     bool
	state        State
}

// NewRingbufReassembler returns an empty ringbuf-mode reassembler.
func NewRingbufReassembler() *RingbufReassembler {
	return &RingbufReassembler{state: StatePending}
}

// State reports whether the reassembler is mid-group (Pending) or just
// emitted an event (Complete).
func (r *RingbufReassembler) State() State { return r.state }

func pushFront(deque []string, s string) []string {
	return append([]string{s}, deque...)
}

// Feed implements FragmentReassembler for the ringbuf wire variant,
// applying the transition rules of §4.2 in order.
func (r *RingbufReassembler) Feed(rec RawRecord) (*LogicalEvent, error) {
	// Rule 1: group-id change discards partial state for the prior group.
	if !r.groupSet || rec.EventGroupID != r.groupID {
		r.segments = nil
		r.assoc = nil
		r.assocStarted = false
		r.groupID = rec.EventGroupID
		r.groupSet = true
	}

	switch rec.EffectType {
	case EffectContinuation:
		// Rule 2.
		comp, err := decodeUTF8Component(rec.pathBytes())
		if err != nil {
			r.state = StatePending
			return nil, err
		}
		if r.assocStarted {
			r.assoc = pushFront(r.assoc, comp)
		} else {
			r.segments = pushFront(r.segments, comp)
		}
		r.state = StatePending
		return nil, nil

	case EffectAssociation:
		// Rule 3: mark that subsequent continuations feed assoc, without
		// contributing a literal path component of its own.
		r.assocStarted = true
		r.state = StatePending
		return nil, nil

	default:
		// Rule 4: terminal record.
		r.state = StateComplete
		pathName := joinSegments(r.segments)
		var associated *string
		if len(r.assoc) > 0 {
			joined := joinSegments(r.assoc)
			if pathName == "" {
				// Association arrived with no primary path components
				// (§8.1 P4's "association-before-association" case): the
				// accumulated assoc path becomes the primary path rather
				// than leaving path_name empty, which would violate P2.
				pathName = joined
			} else {
				associated = &joined
			}
		}
		return &LogicalEvent{
			PathName:   pathName,
			Associated: associated,
			Timestamp:  rec.Timestamp,
			Pid:        rec.Pid,
			PathType:   exposedPathType(rec.PathType),
			EffectType: rec.EffectType,
		}, nil
	}
}

// exposedPathType reports PathContinuation as PathUnknown, so the
// Continuation tag never reaches a LogicalEvent.
func exposedPathType(p PathType) PathType {
	if p == PathContinuation {
		return PathUnknown
	}
	return p
}

func decodeUTF8Component(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", &ReassemblyAnomaly{Reason: "continuation buffer is not valid UTF-8"}
	}
	return string(b), nil
}

// --- array mode (§4.3) ---

// ArrayReassembler implements the array-mode Fragment Reassembler: a
// single record carries the full payload, with name_offsets indexing
// component boundaries. Only the Association/terminal pairing requires
// state across calls.
type ArrayReassembler struct {
	pendingAssoc *string
}

// NewArrayReassembler returns an empty array-mode reassembler.
func NewArrayReassembler() *ArrayReassembler {
	return &ArrayReassembler{}
}

// Feed implements FragmentReassembler for the array wire variant.
func (a *ArrayReassembler) Feed(rec RawRecord) (*LogicalEvent, error) {
	pathName, anomaly := decodeArrayPath(&rec)

	if rec.EffectType == EffectAssociation {
		a.pendingAssoc = &pathName
		return nil, anomaly
	}

	ev := &LogicalEvent{
		PathName:   pathName,
		Associated: a.pendingAssoc,
		Timestamp:  rec.Timestamp,
		Pid:        rec.Pid,
		PathType:   exposedPathType(rec.PathType),
		EffectType: rec.EffectType,
	}
	a.pendingAssoc = nil
	return ev, anomaly
}

// decodeArrayPath reconstructs a path from name_offsets per §4.3. Offsets
// are end-offsets stored right-aligned and in reverse (nearest-leaf-first)
// order; the leftmost component spans (0, name_offsets[last_nonzero]).
// A malformed offset pair drops only that component, not the event.
func decodeArrayPath(rec *RawRecord) (string, error) {
	offsets := rec.NameOffsets
	last := len(offsets) - 1

	var segments []string
	var anomalies []string

	buf := rec.pathBytes()

	if end := offsets[last]; end > 0 {
		if end <= rec.BufLen {
			segments = append(segments, string(buf[0:end]))
		} else {
			anomalies = append(anomalies, "leftmost component end exceeds buf_len")
		}

		for idx := last; idx >= 1; idx-- {
			beg := offsets[idx]
			end := offsets[idx-1]
			if end == 0 {
				break
			}
			if beg < end && end <= rec.BufLen {
				segments = append(segments, string(buf[beg:end]))
			} else {
				anomalies = append(anomalies, "component offsets violate beg < end <= buf_len")
			}
		}
	}

	pathName := joinSegments(segments)
	if len(anomalies) == 0 {
		return pathName, nil
	}
	return pathName, &ReassemblyAnomaly{Reason: strings.Join(anomalies, "; ")}
}
