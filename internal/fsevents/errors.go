package fsevents

import "errors"

// ErrChannelClosed is returned by the Event Queue's producer side when the
// consumer has gone away. The Watcher's KPC callback, which feeds the
// Fragment Reassembler and sends its events, turns this into the
// "stop delivering" return code (§4.4, §7 ChannelClosed).
var ErrChannelClosed = errors.New("event queue: receiver gone")

// ReassemblyAnomaly records a non-fatal invariant violation inside the
// Fragment Reassembler (malformed UTF-8, out-of-bounds array-mode
// offsets). The offending component is dropped, not the whole event;
// see §7 ReassemblyAnomaly.
type ReassemblyAnomaly struct {
	Reason string
}

func (e *ReassemblyAnomaly) Error() string {
	return "reassembly anomaly: " + e.Reason
}
