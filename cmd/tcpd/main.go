// Command tcpd opens a TUN device and serves TCP connections over it
// using the userspace stack in github.com/soypat/nettcp, entirely in
// process — no kernel TCP/IP involved once packets leave the device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/soypat/nettcp/iface"
)

func main() {
	if err := run(); err != nil {
		log.Fatalln("tcpd:", err)
	}
}

func run() error {
	var (
		flagTUN         = flag.String("tun", "tun0", "TUN device name")
		flagListen      = flag.String("listen", "7000", "comma-separated list of TCP ports to listen on")
		flagLocalIP     = flag.String("ip", "10.0.0.1", "local IPv4 address to stamp on outgoing datagrams")
		flagMetricsAddr = flag.String("metrics-addr", ":9273", "address to serve Prometheus metrics on")
		flagLogLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := parseLevel(*flagLogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := raiseFileDescriptorLimit(); err != nil {
		logger.Warn("could not raise file descriptor limit", slog.String("err", err.Error()))
	}

	localIP, err := parseIPv4(*flagLocalIP)
	if err != nil {
		return fmt.Errorf("parsing -ip: %w", err)
	}

	ifc, err := iface.New(iface.Config{
		LocalIP:    localIP,
		DeviceName: *flagTUN,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("opening tun device %q: %w", *flagTUN, err)
	}
	defer ifc.Close()

	ports, err := parsePorts(*flagListen)
	if err != nil {
		return fmt.Errorf("parsing -listen: %w", err)
	}
	for _, port := range ports {
		l, err := ifc.Bind(port)
		if err != nil {
			return fmt.Errorf("binding port %d: %w", port, err)
		}
		go serve(l, logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(ifc.Collector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", slog.String("addr", *flagMetricsAddr))
	return http.ListenAndServe(*flagMetricsAddr, mux)
}

// serve accepts connections on l forever, echoing back anything it
// reads. It exists to give the interface something to drive in the
// absence of a higher-level application protocol; real users of this
// package would accept and hand the Stream to their own handler.
func serve(l *iface.Listener, logger *slog.Logger) {
	ctx := context.Background()
	for {
		stream, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, iface.ErrClosed) {
				return
			}
			logger.Error("accept failed", slog.String("err", err.Error()))
			continue
		}
		go echo(stream, logger)
	}
}

func echo(s *iface.Stream, logger *slog.Logger) {
	ctx := context.Background()
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(ctx, buf)
		if err != nil {
			if !errors.Is(err, iface.ErrConnectionAborted) && !errors.Is(err, io.EOF) {
				logger.Error("read failed", slog.String("err", err.Error()))
			}
			return
		}
		if _, err := s.Write(ctx, buf[:n]); err != nil {
			logger.Error("write failed", slog.String("err", err.Error()))
			return
		}
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func parsePorts(s string) ([]uint16, error) {
	var ports []uint16
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", field, err)
		}
		ports = append(ports, uint16(n))
	}
	if len(ports) == 0 {
		return nil, errors.New("no ports given")
	}
	return ports, nil
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, fmt.Errorf("invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, fmt.Errorf("%q is not an IPv4 address", s)
	}
	copy(out[:], ip4)
	return out, nil
}

// raiseFileDescriptorLimit raises RLIMIT_NOFILE to its hard ceiling so
// the process can hold open the TUN device plus one socket-equivalent
// per concurrent stream without hitting the default per-process limit.
func raiseFileDescriptorLimit() error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	if rlimit.Cur >= rlimit.Max {
		return nil
	}
	rlimit.Cur = rlimit.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}
