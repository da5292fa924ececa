// Package codec implements the default textual event encoder (§6.2) used
// by the stdio role and the fan-out server's subscriber protocol (§6.3).
package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/fsevents/watcher/internal/fsevents"
)

// Encode renders a LogicalEvent in the default textual form:
//
//	@ <timestamp> <effect> <path_type> pid:<pid>
//	> <path_name>
//	[> <associated>]
//
// No newline follows the last line. Where encoded events are written back
// to back with nothing between them, as the fan-out server writes them,
// the next event's "@ " header therefore continues the previous event's
// last line rather than starting a line of its own.
func Encode(event fsevents.LogicalEvent) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "@ %d %s %s pid:%d\n", event.Timestamp, event.EffectType, event.PathType, event.Pid)
	fmt.Fprintf(&buf, "> %s", event.PathName)
	if event.Associated != nil {
		fmt.Fprintf(&buf, "\n> %s", *event.Associated)
	}
	return buf.Bytes()
}

// Parse recovers a LogicalEvent from its default textual encoding. It
// only round-trips the canonical effect/path-type names Encode produces
// (create/rename/link/delete, dir/file/symlink/hardlink/blockdev/socket);
// the "unexpected:*" renderings of out-of-band variants are rejected,
// since those variants are never supposed to reach a subscriber.
func Parse(data []byte) (*fsevents.LogicalEvent, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 {
		return nil, errors.New("parse event: need at least a header and a path line")
	}

	header := strings.TrimPrefix(lines[0], "@ ")
	if header == lines[0] {
		return nil, errors.Errorf("parse event: malformed header %q", lines[0])
	}
	fields := strings.Fields(header)
	if len(fields) != 4 {
		return nil, errors.Errorf("parse event: expected 4 header fields, got %d", len(fields))
	}

	ts, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse timestamp")
	}
	effect, err := parseEffectType(fields[1])
	if err != nil {
		return nil, err
	}
	pathType, err := parsePathType(fields[2])
	if err != nil {
		return nil, err
	}
	pidField := strings.TrimPrefix(fields[3], "pid:")
	if pidField == fields[3] {
		return nil, errors.Errorf("parse event: malformed pid field %q", fields[3])
	}
	pid, err := strconv.ParseUint(pidField, 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "parse pid")
	}

	pathLine := strings.TrimPrefix(lines[1], "> ")
	if pathLine == lines[1] {
		return nil, errors.Errorf("parse event: malformed path line %q", lines[1])
	}

	event := &fsevents.LogicalEvent{
		Timestamp:  ts,
		EffectType: effect,
		PathType:   pathType,
		Pid:        uint32(pid),
		PathName:   pathLine,
	}

	if len(lines) >= 3 && lines[2] != "" {
		assocLine := strings.TrimPrefix(lines[2], "> ")
		if assocLine == lines[2] {
			return nil, errors.Errorf("parse event: malformed associated line %q", lines[2])
		}
		event.Associated = &assocLine
	}

	return event, nil
}

func parseEffectType(s string) (fsevents.EffectType, error) {
	switch s {
	case "create":
		return fsevents.EffectCreate, nil
	case "rename":
		return fsevents.EffectRename, nil
	case "link":
		return fsevents.EffectLink, nil
	case "delete":
		return fsevents.EffectDelete, nil
	default:
		return 0, errors.Errorf("parse effect type: unrecognized %q", s)
	}
}

func parsePathType(s string) (fsevents.PathType, error) {
	switch s {
	case "dir":
		return fsevents.PathDir, nil
	case "file":
		return fsevents.PathFile, nil
	case "symlink":
		return fsevents.PathSymlink, nil
	case "hardlink":
		return fsevents.PathHardlink, nil
	case "blockdev":
		return fsevents.PathBlockdev, nil
	case "socket":
		return fsevents.PathSocket, nil
	default:
		return 0, errors.Errorf("parse path type: unrecognized %q", s)
	}
}
