//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/tinyrange/vufront/internal/config"
	"github.com/tinyrange/vufront/internal/frontend"
	"github.com/tinyrange/vufront/internal/hv"
	"github.com/tinyrange/vufront/internal/hv/factory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vufront: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Frontend configuration (.yaml, .yml or .toml)")
	hypervisor := flag.String("hypervisor", "", "Override the configured hypervisor (bao, kvm, hosted)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <file> [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Connect the virtio devices of every configured guest to their vhost-user backends.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("configuration file required")
	}

	log := newLogger(*debug)
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *hypervisor != "" {
		cfg.Hypervisor.Kind = *hypervisor
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	kind, err := factory.ParseKind(cfg.Hypervisor.Kind)
	if err != nil {
		return err
	}

	fe, err := frontend.New(frontend.FrontendOptions{
		Logger: log,
		OpenBridge: func(id int) (hv.Bridge, error) {
			opts := cfg.FactoryOptions(id)
			opts.Logger = log
			return factory.Open(kind, opts)
		},
		Session:     frontend.Options{HandshakeTimeout: cfg.Session.Timeout()},
		FeatureMask: cfg.Session.FeatureMask,
		UseIRQFD:    cfg.Hypervisor.IRQFD,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guests := guestConfigs(cfg)
	log.Info("starting", "hypervisor", kind, "frontends", len(cfg.Frontends), "guests", len(guests))
	if err := fe.Run(ctx, guests); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return fmt.Errorf("no device left running")
	}
	log.Info("stopped")
	return nil
}

func newLogger(debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	var h slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func guestConfigs(cfg *config.Config) []frontend.GuestConfig {
	var out []frontend.GuestConfig
	for _, g := range cfg.Guests() {
		gc := frontend.GuestConfig{
			GuestSpec: frontend.GuestSpec{
				ID:        g.ID,
				RAMAddr:   g.RAMAddr,
				RAMSize:   g.RAMSize,
				GuestBase: g.GuestBase,
				ShmemPath: g.ShmemPath,
				SocketDir: g.SocketPath,
			},
		}
		for _, d := range g.Devices {
			gc.Devices = append(gc.Devices, frontend.DeviceSpec{Type: d.ID, IRQ: d.IRQ, Addr: d.Addr})
		}
		out = append(out, gc)
	}
	return out
}
