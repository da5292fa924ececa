// Package server implements the Fan-out Server (§4.6): binds a local
// stream socket, accepts subscribers on a dedicated accepter goroutine,
// and on each completed event from the Watcher Facade serializes it via
// a caller-supplied encoder and writes it to every connected subscriber,
// pruning broken ones.
package server

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/fsevents/watcher/internal/fsevents"
	"github.com/fsevents/watcher/internal/metrics"
)

// greetingBufSize bounds the one-shot read of a subscriber's greeting
// payload (§4.6 "reads up to one record's worth of greeting bytes").
const greetingBufSize = fsevents.RecordSize

// Poller is the subset of the Watcher Facade the server drives: a single
// blocking call that returns the next completed event.
type Poller interface {
	PollIndefinite() (*fsevents.LogicalEvent, error)
}

// Encoder renders a LogicalEvent into the bytes written to every
// subscriber. The default is codec.Encode; callers may supply any
// self-delimiting encoding (§4.6).
type Encoder func(fsevents.LogicalEvent) []byte

type subscriber struct {
	id   string
	conn net.Conn
}

// Server owns the bound socket, the PID file, and the subscriber list
// (§3.1 ServerState). The subscriber list is mutated exclusively by the
// main loop (Run), never directly by the accepter goroutine (§5).
type Server struct {
	sockPath string
	pidPath  string

	listener *net.UnixListener
	poller   Poller
	encode   Encoder

	subscribers []subscriber
	acceptCh    chan subscriber
	pruneCh     chan string

	accepter *errgroup.Group
}

// New binds sockPath, performing the stale-server takeover dance (§4.6
// Startup, §7 StaleServer) before claiming the socket and PID file for
// itself, then starts the accepter goroutine.
func New(sockPath string, poller Poller, encode Encoder) (*Server, error) {
	pidPath := sockPath + ".pid"

	if err := terminateStaleOwner(pidPath); err != nil {
		return nil, errors.Wrap(err, "stale server takeover")
	}

	for _, path := range []string{sockPath, pidPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "remove stale node %s", path)
		}
	}

	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, errors.Wrap(err, "resolve socket path")
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errors.Wrap(err, "bind socket")
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		listener.Close()
		os.Remove(sockPath)
		return nil, errors.Wrap(err, "write pid file")
	}

	srv := &Server{
		sockPath: sockPath,
		pidPath:  pidPath,
		listener: listener,
		poller:   poller,
		encode:   encode,
		acceptCh: make(chan subscriber, 64),
		pruneCh:  make(chan string, 64),
		accepter: &errgroup.Group{},
	}
	srv.accepter.Go(srv.acceptLoop)

	return srv, nil
}

// terminateStaleOwner implements the StaleServer row of §7: a parseable
// pid gets signaled; ESRCH means the owner is already gone and startup
// proceeds; any other signal error is fatal.
func terminateStaleOwner(pidPath string) error {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read pid file")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		logrus.WithField("pidfile", pidPath).Warn("ignoring pidfile with unparseable pid")
		return nil
	}

	logrus.WithField("pid", pid).Info("killing existing server process")
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return errors.Wrapf(err, "signal pid %d", pid)
	}
	return nil
}

// acceptLoop is the dedicated accepter task (§4.6 Accepter task). It
// blocks on Accept, reads a greeting, and forwards the stream to the
// main loop. It never exits until the listener is closed.
func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logrus.WithError(err).Warn("accept error")
			continue
		}

		id := uuid.NewString()
		greeting := make([]byte, greetingBufSize)
		n, err := conn.Read(greeting)
		if err != nil {
			logrus.WithError(err).WithField("subscriber", id).Warn("reading greeting")
		} else {
			logrus.WithField("subscriber", id).WithField("greeting", string(greeting[:n])).Info("client connected")
		}

		s.acceptCh <- subscriber{id: id, conn: conn}
	}
}

// Run is the main loop (§4.6 Main loop): drain accept/prune channels,
// block on the next event, and fan it out. It returns only on a Poller
// error (e.g. the watcher was closed).
func (s *Server) Run() error {
	for {
		s.drainAccepted()
		s.drainPruned()

		event, err := s.poller.PollIndefinite()
		if err != nil {
			return errors.Wrap(err, "poll watcher")
		}
		if event == nil {
			continue
		}

		metrics.EventsBroadcast.Inc()
		s.broadcast(s.encode(*event))
	}
}

func (s *Server) drainAccepted() {
	for {
		select {
		case sub := <-s.acceptCh:
			s.subscribers = append(s.subscribers, sub)
			metrics.SubscribersConnected.Set(float64(len(s.subscribers)))
		default:
			return
		}
	}
}

func (s *Server) drainPruned() {
	for {
		select {
		case id := <-s.pruneCh:
			s.removeSubscriber(id)
			metrics.SubscribersConnected.Set(float64(len(s.subscribers)))
		default:
			return
		}
	}
}

func (s *Server) removeSubscriber(id string) {
	for i, sub := range s.subscribers {
		if sub.id == id {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// broadcast writes msg to every subscriber with full-write semantics
// (§4.6 step 4, §8.1 P6: one subscriber never sees interleaved bytes
// from two events, since writes complete before the next subscriber's
// write begins). A broken pipe queues that subscriber for removal on the
// next main-loop iteration (§8.1 P7: other subscribers are unaffected).
func (s *Server) broadcast(msg []byte) {
	for _, sub := range s.subscribers {
		if err := writeAll(sub.conn, msg); err != nil {
			if isBrokenPipe(err) {
				logrus.WithField("subscriber", sub.id).Info("client disconnected")
				metrics.SubscribersPruned.Inc()
				select {
				case s.pruneCh <- sub.id:
				default:
					logrus.WithField("subscriber", sub.id).Warn("prune channel full, dropping prune signal")
				}
			} else {
				logrus.WithError(err).WithField("subscriber", sub.id).Warn("write error")
			}
		}
	}
}

func writeAll(conn net.Conn, msg []byte) error {
	for len(msg) > 0 {
		n, err := conn.Write(msg)
		if err != nil {
			return err
		}
		msg = msg[n:]
	}
	return nil
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, unix.EPIPE) || strings.Contains(err.Error(), "broken pipe") || strings.Contains(err.Error(), "connection reset")
}

// Close tears down the listener, every subscriber connection, and the
// socket node and PID file, best-effort (§4.6 Teardown): failures are
// logged but never raised, since this runs on both graceful and
// signal-driven shutdown.
func (s *Server) Close() {
	if err := s.listener.Close(); err != nil {
		logrus.WithError(err).Warn("closing listener")
	}
	_ = s.accepter.Wait()

	for _, sub := range s.subscribers {
		_ = sub.conn.Close()
	}

	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("removing socket node")
	}
	if err := os.Remove(s.pidPath); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("removing pid file")
	}
}
