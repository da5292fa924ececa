// Command fsevents is the CLI front-end (§6.1): it wires the Watcher
// Facade, the textual Record Codec, and the Fan-out Server into three
// roles selected by --role.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/joho/godotenv"

	"github.com/fsevents/watcher/internal/codec"
	"github.com/fsevents/watcher/internal/fsevents"
	"github.com/fsevents/watcher/internal/metrics"
	"github.com/fsevents/watcher/internal/server"
	"github.com/fsevents/watcher/internal/watcher"
)

var log = logrus.StandardLogger()

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, continuing with process environment")
	}
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}
	defaultBPFObject := "tracepoints.o"
	if obj := os.Getenv("FSEVENTS_BPF_OBJECT"); obj != "" {
		defaultBPFObject = obj
	}

	var (
		role        string
		sockPath    string
		bpfObject   string
		variantArg  string
		metricsAddr string
	)

	rootCmd := &cobra.Command{
		Use:     "fsevents",
		Short:   "Filesystem mutation watcher: kernel-probe ingestion, fragment reassembly, and subscriber fan-out",
		Version: fmt.Sprintf("%d.%d", fsevents.VersionMajor, fsevents.VersionMinor),
		RunE: func(_ *cobra.Command, _ []string) error {
			variant, err := parseVariant(variantArg)
			if err != nil {
				return err
			}
			switch role {
			case "stdio":
				return runStdio(bpfObject, variant, metricsAddr)
			case "server":
				return runServer(bpfObject, variant, sockPath, metricsAddr)
			case "client":
				return runClient(sockPath)
			default:
				return errors.Errorf("unrecognized --role %q, want one of stdio, server, client", role)
			}
		},
	}

	rootCmd.Flags().StringVar(&role, "role", "stdio", "one of: stdio, server, client")
	rootCmd.Flags().StringVar(&sockPath, "sockpath", fsevents.DefaultSockPath(), "unix socket path for server/client roles")
	rootCmd.Flags().StringVar(&bpfObject, "bpf-object", defaultBPFObject, "path to the compiled BPF object (stdio/server roles)")
	rootCmd.Flags().StringVar(&variantArg, "variant", "ringbuf", "fragment reassembly wire variant: ringbuf or array")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (stdio/server roles)")

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("fsevents exited with error")
		os.Exit(1)
	}
}

func parseVariant(s string) (watcher.Variant, error) {
	switch s {
	case "ringbuf":
		return watcher.VariantRingbuf, nil
	case "array":
		return watcher.VariantArray, nil
	default:
		return 0, errors.Errorf("unrecognized --variant %q, want ringbuf or array", s)
	}
}

func maybeServeMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(addr); err != nil {
			log.WithError(err).Warn("metrics listener stopped")
		}
	}()
}

// runStdio implements the stdio role (§6.1): run the Watcher directly and
// print each completed event to stdout in the default textual encoding,
// each followed by a newline, until interrupted.
func runStdio(bpfObject string, variant watcher.Variant, metricsAddr string) error {
	maybeServeMetrics(metricsAddr)

	w, err := watcher.New(bpfObject, variant)
	if err != nil {
		return errors.Wrap(err, "start watcher")
	}
	defer w.Close()

	stop := installSignalHandler(w.Close)
	defer stop()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for {
		event, err := w.PollIndefinite()
		if err != nil {
			return errors.Wrap(err, "poll watcher")
		}
		if event == nil {
			continue
		}
		out.Write(codec.Encode(*event))
		out.WriteByte('\n')
		out.Flush()
	}
}

// runServer implements the server role (§6.1): run the Watcher behind the
// Fan-out Server so any number of local clients can subscribe.
func runServer(bpfObject string, variant watcher.Variant, sockPath string, metricsAddr string) error {
	maybeServeMetrics(metricsAddr)

	w, err := watcher.New(bpfObject, variant)
	if err != nil {
		return errors.Wrap(err, "start watcher")
	}
	defer w.Close()

	srv, err := server.New(sockPath, w, codec.Encode)
	if err != nil {
		return errors.Wrap(err, "start fan-out server")
	}

	stop := installSignalHandler(func() {
		srv.Close()
		w.Close()
	})
	defer stop()

	if err := srv.Run(); err != nil {
		return errors.Wrap(err, "run fan-out server")
	}
	return nil
}

// runClient implements the client role (§6.1): connect to a running
// server's socket, send a greeting, and copy every byte it sends to
// stdout until the connection closes.
func runClient(sockPath string) error {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return errors.Wrapf(err, "dial %s", sockPath)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("fsevents-client\n")); err != nil {
		return errors.Wrap(err, "send greeting")
	}

	stop := installSignalHandler(func() { conn.Close() })
	defer stop()

	if _, err := io.Copy(os.Stdout, conn); err != nil {
		if isExpectedDisconnect(err) {
			return nil
		}
		return errors.Wrap(err, "read from server")
	}
	return nil
}

func isExpectedDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, unix.ECONNRESET) || errors.Is(err, net.ErrClosed)
}

// installSignalHandler wires SIGINT/SIGTERM to cleanup so every role
// tears down deterministically on ctrl-c (§5 Cancellation).
func installSignalHandler(cleanup func()) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
			cleanup()
			os.Exit(0)
		case <-done:
		}
	}()
	return func() { close(done) }
}
