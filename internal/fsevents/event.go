package fsevents

// LogicalEvent is the facade's output: a fully reassembled filesystem
// mutation, stripped of the Continuation/Association plumbing used to
// build it. See §3.1/§3.2.
type LogicalEvent struct {
	PathName   string
	Associated *string
	Timestamp  uint64
	Pid        uint32
	PathType   PathType
	EffectType EffectType
}

// HasAssociated reports whether the event carries a partner path
// (rename-to / link-to).
func (e *LogicalEvent) HasAssociated() bool {
	return e.Associated != nil
}
