// netkit runs the userspace network stack against a TAP device, or
// replays a pcap file through the receive path for offline debugging.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/netkit/internal/netstack"
	"github.com/tinyrange/netkit/internal/pcap"
	"github.com/tinyrange/netkit/internal/wire"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML config file")
	tapName := fs.String("tap", "tap0", "TAP device to attach")
	debugAddr := fs.String("debug", "", "serve /status on this address (e.g. 127.0.0.1:8091)")
	capturePath := fs.String("pcap", "", "write all traffic to this pcap file")
	replayPath := fs.String("replay", "", "replay a pcap file through the stack instead of attaching a TAP device")
	verbose := fs.Bool("verbose", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	logger := newLogger(*verbose)

	var cfg netstack.Config
	if *configPath != "" {
		var err error
		cfg, err = netstack.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	var err error
	if *replayPath != "" {
		err = replayCapture(*replayPath, cfg, logger)
	} else {
		err = run(cfg, *tapName, *debugAddr, *capturePath, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// newLogger picks a human-readable handler on a terminal and JSON
// otherwise, so piped output stays machine-parseable.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func run(cfg netstack.Config, tapName, debugAddr, capturePath string, logger *slog.Logger) error {
	tap, err := openTAP(tapName)
	if err != nil {
		return err
	}
	defer tap.Close()

	tx := netstack.TransmitFunc(func(frame []byte) bool {
		if _, err := tap.Write(frame); err != nil {
			logger.Warn("tap write failed", "error", err)
			return false
		}
		return true
	})

	ns, err := netstack.New(cfg, tx, logger)
	if err != nil {
		return err
	}
	defer ns.Close()

	if capturePath != "" {
		f, err := os.Create(capturePath)
		if err != nil {
			return fmt.Errorf("create capture file: %w", err)
		}
		defer f.Close()
		if err := ns.CaptureTo(f); err != nil {
			return err
		}
		logger.Info("capturing traffic", "path", capturePath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ns.Start(ctx)

	go runClock(ctx, ns)

	if debugAddr != "" {
		mux := http.NewServeMux()
		ns.ServeDebug(mux)
		go func() {
			logger.Info("debug endpoint", "addr", debugAddr)
			if err := http.ListenAndServe(debugAddr, mux); err != nil {
				logger.Warn("debug server stopped", "error", err)
			}
		}()
	}

	logger.Info("attached", "tap", tapName, "mac", ns.MAC(), "addr", ns.LocalAddr())

	// Frames arrive until the TAP device closes; Receive is single-reader.
	go func() {
		<-ctx.Done()
		tap.Close()
	}()

	buf := make([]byte, wire.EthernetMaxFrame)
	for {
		n, err := tap.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tap read: %w", err)
		}
		ns.Receive(buf[:n])
	}
}

// runClock drives the stack's tick clock from wall time.
func runClock(ctx context.Context, ns *netstack.NetworkStack) {
	start := time.Now()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ns.UpdateTime(uint64(time.Since(start).Milliseconds()))
			ns.Periodic()
		case <-ctx.Done():
			return
		}
	}
}

// replayCapture feeds a recorded pcap through the receive path and dumps
// the resulting stack state as JSON.
func replayCapture(path string, cfg netstack.Config, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	r, err := pcap.NewReader(f)
	if err != nil {
		return fmt.Errorf("read capture %s: %w", path, err)
	}

	drop := netstack.TransmitFunc(func([]byte) bool { return true })
	ns, err := netstack.New(cfg, drop, logger)
	if err != nil {
		return err
	}
	defer ns.Close()

	frames := 0
	for {
		_, data, err := r.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read packet %d: %w", frames, err)
		}
		ns.Receive(data)
		frames++
	}
	logger.Info("replay complete", "frames", frames)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ns.Status())
}
