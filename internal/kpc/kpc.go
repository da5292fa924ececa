// Package kpc implements the userspace side of the Kernel Probe Channel
// (§2 KPC, §4.1's wire format, §6.5's environment requirements): a
// lock-free, bounded shared-memory ring buffer populated by kernel-side
// VFS probes, exposed to the Fragment Reassembler as poll(timeout) plus
// a per-record callback.
//
// The kernel-side probe instrumentation is an external collaborator
// (§1): this package only loads whatever compiled BPF object it is
// pointed at and speaks the record layout named by §3.1/§4.1.
package kpc

import (
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Indefinite tells Poll to block until data arrives with no deadline,
// the userspace half of WF.poll_indefinite (§4.5).
const Indefinite time.Duration = -1

// eventsMapName is the ring buffer map the probe is expected to export.
const eventsMapName = "events"

// tracepointAttachment names one syscall entry tracepoint the loaded
// collection may export a program for. Required ones must exist and
// attach; optional ones are skipped when the program is absent or the
// tracepoint cannot be attached on the running kernel.
type tracepointAttachment struct {
	category string
	name     string
	program  string
	required bool
}

// vfsTracepoints is the default attachment table for the VFS-mutation
// surface this system observes: create/rename/link/delete and their
// at-variants. The kernel-side instrumentation strategy for each is an
// external collaborator; only the attach point and program name are
// this package's concern.
var vfsTracepoints = []tracepointAttachment{
	{category: "syscalls", name: "sys_enter_openat", program: "trace_enter_openat", required: true},
	{category: "syscalls", name: "sys_enter_mkdirat", program: "trace_enter_mkdirat", required: true},
	{category: "syscalls", name: "sys_enter_renameat2", program: "trace_enter_renameat2", required: true},
	{category: "syscalls", name: "sys_enter_linkat", program: "trace_enter_linkat", required: true},
	{category: "syscalls", name: "sys_enter_symlinkat", program: "trace_enter_symlinkat", required: true},
	{category: "syscalls", name: "sys_enter_unlinkat", program: "trace_enter_unlinkat", required: true},
	{category: "syscalls", name: "sys_enter_renameat", program: "trace_enter_renameat", required: false},
}

// Callback processes one raw record's bytes and reports whether delivery
// should continue: zero means "keep going", nonzero means "stop
// delivering" (§7 ChannelClosed, §9 "stop delivering" channel-closed).
type Callback func(data []byte) int

// Channel is the userspace handle to a Kernel Probe Channel: the loaded
// BPF collection, its attached links, and a ring buffer reader.
type Channel struct {
	collection *ebpf.Collection
	links      []link.Link
	reader     *ringbuf.Reader
	callback   Callback
	stopped    bool
}

// Open loads the BPF object at objPath, attaches its VFS tracepoints,
// and opens a ring buffer reader over its "events" map. Construction is
// atomic: any failure after partial attachment tears down what was
// already attached before returning (§5 "Construction is atomic").
func Open(objPath string, cb Callback) (ch *Channel, err error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, errors.Wrapf(err, "load collection spec from %s", objPath)
	}

	opts := &ebpf.CollectionOptions{}
	if os.Getenv("FSEVENTS_BPF_DEBUG") == "1" {
		opts.Programs.LogLevel = ebpf.LogLevelInstruction | ebpf.LogLevelStats
	}

	collection, err := ebpf.NewCollectionWithOptions(spec, *opts)
	if err != nil {
		return nil, errors.Wrap(err, "load collection into kernel")
	}

	c := &Channel{collection: collection, callback: cb}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if err = c.attachTracepoints(); err != nil {
		return nil, err
	}

	eventsMap, ok := collection.Maps[eventsMapName]
	if !ok {
		return nil, errors.Errorf("collection has no %q ring buffer map", eventsMapName)
	}
	reader, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		return nil, errors.Wrap(err, "open ring buffer reader")
	}
	c.reader = reader

	return c, nil
}

func (c *Channel) attachTracepoints() error {
	for _, tp := range vfsTracepoints {
		prog, ok := c.collection.Programs[tp.program]
		if !ok {
			if tp.required {
				return errors.Errorf("collection missing required program %q", tp.program)
			}
			continue
		}
		l, err := link.Tracepoint(tp.category, tp.name, prog, nil)
		if err != nil {
			if tp.required {
				return errors.Wrapf(err, "attach tracepoint %s/%s", tp.category, tp.name)
			}
			logrus.WithError(err).WithField("tracepoint", tp.name).Debug("optional tracepoint unavailable on this kernel")
			continue
		}
		c.links = append(c.links, l)
	}
	return nil
}

// Poll waits up to timeout for the first record, then drains whatever
// else is already available without waiting further, invoking the
// callback synchronously for each record (§4.5's suspension contract:
// cancellation is only observed between records). Pass kpc.Indefinite to
// wait for the first record without a deadline. It returns the number of
// records drained.
func (c *Channel) Poll(timeout time.Duration) (int, error) {
	if c.stopped {
		return 0, nil
	}

	if timeout == Indefinite {
		if err := c.reader.SetDeadline(time.Time{}); err != nil {
			return 0, errors.Wrap(err, "clear ring buffer deadline")
		}
	} else {
		if err := c.reader.SetDeadline(time.Now().Add(timeout)); err != nil {
			return 0, errors.Wrap(err, "set ring buffer deadline")
		}
	}

	drained := 0
	for {
		record, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return drained, err
			}
			if isDeadlineExceeded(err) {
				return drained, nil
			}
			return drained, errors.Wrap(err, "read ring buffer")
		}
		drained++
		if rc := c.callback(record.RawSample); rc != 0 {
			c.stopped = true
			return drained, nil
		}
		if drained == 1 {
			// Records are flowing: drain what is already queued, then return.
			if err := c.reader.SetDeadline(time.Now()); err != nil {
				return drained, errors.Wrap(err, "set ring buffer deadline")
			}
		}
	}
}

func isDeadlineExceeded(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// Close tears down the ring buffer reader, all attached links, and the
// loaded collection, best-effort, logging but not raising on failure
// (§4.6 Teardown's "best-effort" stance applies here too).
func (c *Channel) Close() {
	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			logrus.WithError(err).Warn("closing ring buffer reader")
		}
	}
	for _, l := range c.links {
		if err := l.Close(); err != nil {
			logrus.WithError(err).Warn("detaching tracepoint link")
		}
	}
	if c.collection != nil {
		c.collection.Close()
	}
}
