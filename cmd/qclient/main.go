// Command qclient drives one client-side QUIC connection against a UDP
// peer for manual testing, replacing the teacher's flag.NewFlagSet
// driver with a cobra command tree.
package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	quic "github.com/quicproto/qclient"
	"github.com/quicproto/qclient/internal/tlsengine"
	"github.com/quicproto/qclient/transport"
)

type rootFlags struct {
	verbosity   int
	cidLength   int
	version     string
	metricsAddr string
}

func main() {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "qclient",
		Short:        "Drive a client-side QUIC connection",
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVarP(&flags.verbosity, "verbose", "v", 2, "log verbosity: 0=off 1=error 2=info 3=debug 4=trace")
	root.PersistentFlags().IntVar(&flags.cidLength, "cid-length", 8, "client source connection id length (0-20)")
	root.PersistentFlags().StringVar(&flags.version, "quic-version", "1", "QUIC version: 1, 2, or 0xHEX")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	root.AddCommand(newConnectCommand(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newConnectCommand(flags *rootFlags) *cobra.Command {
	var (
		alpn       string
		insecure   bool
		serverName string
		data       string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Dial a peer, complete the handshake, and open a bidirectional stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(flags, args[0], alpn, insecure, serverName, data, timeout)
		},
	}
	cmd.Flags().StringVar(&alpn, "alpn", "h3", "ALPN protocol to negotiate")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip verifying the peer certificate")
	cmd.Flags().StringVar(&serverName, "server-name", "", "TLS server name (defaults to the host part of the address)")
	cmd.Flags().StringVar(&data, "data", "GET /\r\n", "bytes kept on the connection handler; this command does not write them to the stream")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "handshake timeout")
	return cmd
}

func runConnect(flags *rootFlags, addr, alpn string, insecure bool, serverName, data string, timeout time.Duration) error {
	version, err := transport.ParseVersion(flags.version)
	if err != nil {
		return err
	}
	if serverName == "" {
		serverName = hostOf(addr)
	}

	var reg *prometheus.Registry
	var metrics *transport.Metrics
	if flags.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		metrics = transport.NewMetrics(reg, "qclient")
		go serveMetrics(flags.metricsAddr, reg)
	}

	engine := tlsengine.New(&tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		NextProtos:         []string{alpn},
	})

	cfg, err := transport.NewBuilder().
		WithVersion(version).
		WithConnectionIDLength(flags.cidLength).
		WithTLSEngine(engine).
		WithMetrics(metrics).
		Build()
	if err != nil {
		return err
	}

	client := quic.NewClient(cfg)
	client.SetLogLevel(verbosityToLevel(flags.verbosity))

	handler := &cliHandler{data: data}
	handler.done.Add(1)
	client.SetHandler(handler)

	if err := client.Connect(addr, alpn, timeout); err != nil {
		return err
	}
	// CreateStream only registers flow-control state for the new stream;
	// buffering and sending application bytes on it is an external
	// collaborator's job (see the Stream doc comment), so this command
	// only demonstrates opening one rather than pushing data over it.
	if _, err := client.Conn().CreateStream(true); err != nil {
		fmt.Fprintln(os.Stderr, "create stream:", err)
	}
	handler.done.Wait()
	return client.Close(0, "")
}

// cliHandler signals done once the connection closes, mirroring the
// teacher CLI's WaitGroup-driven exit.
type cliHandler struct {
	closeOnce sync.Once
	done      sync.WaitGroup
	data      string
}

func (h *cliHandler) Serve(c *quic.Client, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case transport.EventConnClose, transport.EventConnTimeout:
			h.closeOnce.Do(h.done.Done)
		}
	}
}

func verbosityToLevel(v int) quic.LogLevel {
	switch {
	case v <= 0:
		return quic.LogLevelOff
	case v == 1:
		return quic.LogLevelError
	case v == 2:
		return quic.LogLevelInfo
	case v == 3:
		return quic.LogLevelDebug
	default:
		return quic.LogLevelTrace
	}
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	_ = http.ListenAndServe(addr, mux)
}
