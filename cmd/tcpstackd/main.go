// Command tcpstackd runs the userspace TCP/IPv4 engine as a standalone
// daemon: it opens a raw socket, drives the event loop, exposes Prometheus
// metrics, and optionally runs a trivial echo service for smoke testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyrange/tcpstack/internal/pcap"
	"github.com/tinyrange/tcpstack/internal/rawsocket"
	"github.com/tinyrange/tcpstack/internal/tcpconfig"
	"github.com/tinyrange/tcpstack/internal/tcpstack"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tcpstackd: %v\n", err)
		os.Exit(1)
	}
}

// echoPending drains and retransmits whatever application data has arrived
// on every live connection, for smoke-testing the engine end to end.
func echoPending(stack *tcpstack.Stack, now time.Time) {
	for _, id := range stack.Conns() {
		data, err := stack.Recv(id, 4096)
		if err != nil || len(data) == 0 {
			continue
		}
		if err := stack.Send(id, data, now); err != nil {
			break
		}
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	echo := flag.Bool("echo", false, "accept connections on every configured listen port and echo received bytes back")
	pcapPath := flag.String("pcap", "", "write every sent/received datagram to this pcap file")
	verbose := flag.Bool("v", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `tcpstackd - userspace TCP/IPv4 engine daemon

USAGE:
  tcpstackd [flags]

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := tcpconfig.Default()
	if *configPath != "" {
		var err error
		cfg, err = tcpconfig.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if *pcapPath != "" {
		cfg.PCAPPath = *pcapPath
	}

	addr := net.ParseIP(cfg.BindAddress)
	if addr == nil || addr.To4() == nil {
		return fmt.Errorf("invalid bind address %q", cfg.BindAddress)
	}
	var addr4 [4]byte
	copy(addr4[:], addr.To4())

	sock, err := rawsocket.Open(addr)
	if err != nil {
		return fmt.Errorf("open raw socket: %w", err)
	}
	defer sock.Close()
	if err := sock.SetNonblocking(true); err != nil {
		return fmt.Errorf("set nonblocking: %w", err)
	}

	engineCfg := tcpstack.EngineConfig{
		MaxReorderBytes:   cfg.MaxReorderBytes,
		RetransmitRetries: uint32(cfg.RetransmitRetries),
		IdleTimeout:       cfg.IdleTimeout,
	}
	stack := tcpstack.NewStackWithConfig(addr4, sock, log, engineCfg)

	if cfg.PCAPPath != "" {
		f, err := os.Create(cfg.PCAPPath)
		if err != nil {
			return fmt.Errorf("create pcap file: %w", err)
		}
		defer f.Close()
		w := pcap.NewWriter(f)
		if err := w.WriteFileHeader(65535, pcap.LinkTypeRaw); err != nil {
			return fmt.Errorf("write pcap header: %w", err)
		}
		stack.SetCapture(w)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(tcpstack.NewCollector(stack, prometheus.Labels{"bind_address": cfg.BindAddress}))
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	if *echo {
		for _, port := range cfg.ListenPorts {
			stack.OpenPassive(tcpstack.NewEndpoint(addr4, uint16(port)))
			log.Info("listening (echo mode)", "port", port)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	log.Info("tcpstackd started", "bind_address", cfg.BindAddress)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case now := <-ticker.C:
			if err := stack.PollOnce(now); err != nil {
				log.Warn("poll failed", "err", err)
			}
			stack.TickAll(now)
			if *echo {
				echoPending(stack, now)
			}
		}
	}
}
