package fsevents

import "fmt"

// VersionMajor/VersionMinor pin the wire-protocol version embedded in the
// default socket path (§6.1, §6.4).
const (
	VersionMajor = 1
	VersionMinor = 0
)

// DefaultSockPath returns the default --sockpath value, versioned the way
// the original CLI derives SOCK_PATH_DEFAULT from its crate version.
func DefaultSockPath() string {
	return fmt.Sprintf("/var/run/fs-events.v%d-%d.sock", VersionMajor, VersionMinor)
}
