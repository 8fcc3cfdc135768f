// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program fdi is a command-line utility for Firefly instrument devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/config"
	"github.com/fireflydesign/portal/flashfs"
	"github.com/fireflydesign/portal/instrument"
	"github.com/fireflydesign/portal/sim"
	"github.com/fireflydesign/portal/transport/hid"
	gohid "github.com/sstallion/go-hid"
	"go.uber.org/zap"
)

var flags struct {
	Config  string `flag:"config,Configuration file (.toml, .yaml, or .yml)"`
	Serial  string `flag:"serial,Serial number of the device (overrides config)"`
	Sim     bool   `flag:"sim,Use an emulated device instead of hardware"`
	Verbose bool   `flag:"v,Log every message exchanged with the device"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "[flags] <command> [args...]",
		Help:     "Utilities for interacting with Firefly instrument devices.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Commands: []*command.C{
			packCommand,
			{
				Name: "devices",
				Help: "List the attached instrument devices.",
				Run:  runDevices,
			},
			{
				Name: "discover",
				Help: "Discover and list the instruments of the device.",
				Run:  runDiscover,
			},
			{
				Name:  "echo",
				Usage: "<text>",
				Help:  "Send text to the device and wait for it to be echoed back.",
				Run:   runEcho,
			},
			{
				Name: "reset",
				Help: "Reset all the instruments of the device.",
				Run:  runReset,
			},
			{
				Name: "fs",
				Help: `Manage the flash file system of the storage instrument.

The storage instrument, and the geometry of its flash, are set by the
[fs] section of the configuration.`,
				Commands: []*command.C{
					{
						Name: "list",
						Help: "List the files in the file system.",
						Run:  runFSList,
					},
					{
						Name:  "get",
						Usage: "<name> [<output>]",
						Help:  "Copy the named file to output (default stdout).",
						Run:   runFSGet,
					},
					{
						Name:  "put",
						Usage: "<name> <input>",
						Help:  "Store the contents of input as the named file, unless it is already present.",
						Run:   runFSPut,
					},
					{
						Name:  "erase",
						Usage: "<name>",
						Help:  "Remove the named file.",
						Run:   runFSErase,
					},
					{
						Name: "format",
						Help: "Erase the whole file system.",
						Run:  runFSFormat,
					},
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// session is a connection to a device.
type session struct {
	cfg  *config.Config
	log  *zap.Logger
	m    *portal.Manager
	stop func() error
}

// connect loads the configuration and connects to the device.
func connect() (*session, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, err
	}
	if flags.Serial != "" {
		cfg.Device.Serial = flags.Serial
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}
	portal.SetLogger(log)

	m := portal.NewManager(&portal.Options{
		FrameSize: cfg.Device.FrameSize,
		Timeout:   cfg.Device.ReadTimeout(),
	}).OnError(func(err error) {
		log.Warn("unsolicited message", zap.Error(err))
	})
	if flags.Verbose {
		m.LogMessages(func(mi portal.MessageInfo) { log.Info(mi.String()) })
	}
	s := &session{cfg: cfg, log: log, m: m}

	if flags.Sim {
		d := sim.New(&sim.Options{FrameSize: cfg.Device.FrameSize}).
			AddStorage(1, sim.NewFlash(cfg.FS.Size))
		d.AddSerialWire(2, sim.NewRAM(0x20000000, 64<<10))
		loc := sim.NewLocal(m, d)
		s.stop = loc.Stop
		log.Debug("connected to emulated device")
		return s, nil
	}

	if err := gohid.Init(); err != nil {
		return nil, fmt.Errorf("initialize HID: %w", err)
	}
	t, err := hid.Open(cfg.Device.VendorID, cfg.Device.ProductID, cfg.Device.Serial)
	if err != nil {
		gohid.Exit()
		return nil, err
	}
	m.Start(t)
	s.stop = func() error {
		defer gohid.Exit()
		return m.Stop()
	}
	log.Debug("connected to device",
		zap.Uint16("vendor", cfg.Device.VendorID), zap.Uint16("product", cfg.Device.ProductID))
	return s, nil
}

func (s *session) close() {
	if err := s.stop(); err != nil {
		s.log.Warn("closing device", zap.Error(err))
	}
	s.log.Sync()
}

// withSession runs f with a connection to the device.
func withSession(env *command.Env, f func(context.Context, *session) error) error {
	s, err := connect()
	if err != nil {
		return err
	}
	defer s.close()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return f(ctx, s)
}

func runDevices(env *command.Env) error {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return err
	}
	if err := gohid.Init(); err != nil {
		return fmt.Errorf("initialize HID: %w", err)
	}
	defer gohid.Exit()
	infos, err := hid.List(cfg.Device.VendorID, cfg.Device.ProductID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	defer tw.Flush()
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.SerialNbr, info.ProductStr, info.Path)
	}
	return nil
}

func runDiscover(env *command.Env) error {
	return withSession(env, func(ctx context.Context, s *session) error {
		bindings, err := s.m.DiscoverInstruments(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
		defer tw.Flush()
		for _, b := range bindings {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", b.Name, b.Category, b.Portal.ID())
		}
		return nil
	})
}

func runEcho(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing text argument")
	}
	text := env.Args[0]
	return withSession(env, func(ctx context.Context, s *session) error {
		start := time.Now()
		if err := s.m.Echo(ctx, []byte(text)); err != nil {
			return err
		}
		fmt.Printf("%q echoed in %v\n", text, time.Since(start).Round(time.Microsecond))
		return nil
	})
}

func runReset(env *command.Env) error {
	return withSession(env, func(ctx context.Context, s *session) error {
		return s.m.ResetInstruments(ctx)
	})
}

// withFS runs f with the inspected file system of the configured storage
// instrument.
func withFS(env *command.Env, f func(context.Context, *flashfs.FS) error) error {
	return withSession(env, func(ctx context.Context, s *session) error {
		reg, err := instrument.Discover(ctx, s.m)
		if err != nil {
			return err
		}
		st, err := instrument.Get[*instrument.Storage](reg, s.cfg.FS.Storage)
		if err != nil {
			return err
		}
		fs := flashfs.New(st, s.cfg.FS.Options(s.log))
		if err := fs.Inspect(ctx); err != nil {
			return err
		}
		return f(ctx, fs)
	})
}

func runFSList(env *command.Env) error {
	return withFS(env, func(_ context.Context, fs *flashfs.FS) error {
		tw := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
		defer tw.Flush()
		for _, e := range fs.List() {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%x\t%#x\n",
				e.Name, e.Length, e.Date.Format(time.RFC3339), e.Hash, e.Address)
		}
		fmt.Fprintf(tw, "(%d sectors free)\n", fs.Free())
		return nil
	})
}

func runFSGet(env *command.Env) error {
	if len(env.Args) < 1 || len(env.Args) > 2 {
		return env.Usagef("Wrong number of arguments")
	}
	return withFS(env, func(ctx context.Context, fs *flashfs.FS) error {
		data, err := fs.Read(ctx, env.Args[0])
		if err != nil {
			return err
		}
		if len(env.Args) == 2 {
			return os.WriteFile(env.Args[1], data, 0644)
		}
		_, err = os.Stdout.Write(data)
		return err
	})
}

func runFSPut(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("Wrong number of arguments")
	}
	name, input := env.Args[0], env.Args[1]
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return withFS(env, func(ctx context.Context, fs *flashfs.FS) error {
		e, err := fs.Ensure(ctx, name, data, time.Now())
		if errors.Is(err, flashfs.ErrNotEnoughSpace) {
			return fmt.Errorf("%s (%d bytes) does not fit: %w", name, len(data), err)
		} else if err != nil {
			return err
		}
		fmt.Printf("%s\t%d bytes\t%d sectors\t%x\n", e.Name, e.Length, e.SectorCount, e.Hash)
		return nil
	})
}

func runFSErase(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing file name")
	}
	return withFS(env, func(ctx context.Context, fs *flashfs.FS) error {
		return fs.Erase(ctx, env.Args[0])
	})
}

func runFSFormat(env *command.Env) error {
	return withFS(env, func(ctx context.Context, fs *flashfs.FS) error {
		return fs.Format(ctx)
	})
}
