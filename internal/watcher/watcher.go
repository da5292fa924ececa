// Package watcher implements the Watcher Facade (§4.5): the lifecycle
// owner of the Kernel Probe Channel, Record Codec, Fragment Reassembler,
// and Event Queue, exposing poll-with-timeout / poll-immediate /
// poll-indefinite to callers.
package watcher

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fsevents/watcher/internal/fsevents"
	"github.com/fsevents/watcher/internal/kpc"
	"github.com/fsevents/watcher/internal/metrics"
)

// Variant selects which wire-format Fragment Reassembler a Watcher runs,
// per the REDESIGN FLAGS abstraction (§9: "parameterize FR with a
// variant selector").
type Variant int

const (
	VariantRingbuf Variant = iota
	VariantArray
)

// memlockCeiling is the 128 MiB cap §4.5 places on the raised MEMLOCK
// rlimit.
const memlockCeiling = 128 << 20

// Watcher owns the full ingestion pipeline: KPC -> RC -> FR -> EQ.
type Watcher struct {
	channel *kpc.Channel
	queue   *fsevents.EventQueue
}

// New raises the MEMLOCK rlimit, loads and attaches the BPF object at
// objPath, and wires KPC through the given reassembler variant into an
// Event Queue. Construction is atomic: a failure at any stage tears down
// whatever was already opened (§5).
func New(objPath string, variant Variant) (*Watcher, error) {
	if err := raiseMemlockRlimit(); err != nil {
		return nil, errors.Wrap(err, "preflight: raise memlock rlimit")
	}

	queue := fsevents.NewEventQueue()
	reassembler := newReassembler(variant)

	callback := func(data []byte) int {
		rec, err := fsevents.Decode(data)
		if err != nil {
			metrics.DecodeAnomalies.Inc()
			logrus.WithError(err).Warn("dropping malformed record")
			return 0
		}

		event, err := reassembler.Feed(rec)
		if err != nil {
			metrics.DecodeAnomalies.Inc()
			logrus.WithError(err).Warn("reassembly anomaly, offending component dropped")
		}
		if event == nil {
			return 0
		}

		if sendErr := queue.Send(*event); sendErr != nil {
			logrus.WithError(sendErr).Warn("event queue receiver gone, stopping delivery")
			return 1
		}
		return 0
	}

	channel, err := kpc.Open(objPath, callback)
	if err != nil {
		queue.Close()
		return nil, errors.Wrap(err, "preflight: open kernel probe channel")
	}

	return &Watcher{channel: channel, queue: queue}, nil
}

func newReassembler(variant Variant) fsevents.FragmentReassembler {
	switch variant {
	case VariantArray:
		return fsevents.NewArrayReassembler()
	default:
		return fsevents.NewRingbufReassembler()
	}
}

func raiseMemlockRlimit() error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return errors.Wrap(err, "getrlimit(RLIMIT_MEMLOCK)")
	}
	target := rlimit.Max
	if target > memlockCeiling {
		target = memlockCeiling
	}
	if rlimit.Cur >= target {
		return nil
	}
	rlimit.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return errors.Wrap(err, "setrlimit(RLIMIT_MEMLOCK)")
	}
	return nil
}

// PollWithTimeout calls KPC.poll(timeout), which synchronously drives the
// Record Codec and Fragment Reassembler, then non-blockingly dequeues one
// event (§4.5). It returns nil, nil when KPC succeeded but no terminal
// event completed within the window.
func (w *Watcher) PollWithTimeout(d time.Duration) (*fsevents.LogicalEvent, error) {
	if _, err := w.channel.Poll(d); err != nil {
		return nil, errors.Wrap(err, "poll kernel probe channel")
	}
	if event, ok := w.queue.TryRecv(); ok {
		return &event, nil
	}
	return nil, nil
}

// PollImmediate is PollWithTimeout(0).
func (w *Watcher) PollImmediate() (*fsevents.LogicalEvent, error) {
	return w.PollWithTimeout(0)
}

// PollIndefinite is PollWithTimeout with no deadline.
func (w *Watcher) PollIndefinite() (*fsevents.LogicalEvent, error) {
	return w.PollWithTimeout(kpc.Indefinite)
}

// Close tears down the kernel probe channel and closes the event queue.
func (w *Watcher) Close() {
	w.queue.Close()
	w.channel.Close()
}
