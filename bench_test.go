// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package portal_test

import (
	"io"
	"testing"

	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/sim"
	"github.com/fireflydesign/portal/transport"
)

func BenchmarkEcho(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Direct-empty", func(b *testing.B) {
		loc := sim.NewLocal(portal.NewManager(nil), sim.New(nil))
		defer loc.Stop()
		runBench(b, loc.M, nil)
	})
	b.Run("Direct-payload", func(b *testing.B) {
		loc := sim.NewLocal(portal.NewManager(nil), sim.New(nil))
		defer loc.Stop()
		runBench(b, loc.M, payload)
	})

	b.Run("IO-empty", func(b *testing.B) {
		runBench(b, pipeManager(b), nil)
	})
	b.Run("IO-payload", func(b *testing.B) {
		runBench(b, pipeManager(b), payload)
	})
}

func runBench(b *testing.B, m *portal.Manager, data []byte) {
	b.Helper()
	ctx := b.Context()

	for b.Loop() {
		if err := m.Echo(ctx, data); err != nil {
			b.Fatal(err)
		}
	}
}

// pipeManager connects a manager to a device over fixed-size frames on a pair
// of pipes, as a report-based transport would carry them.
func pipeManager(tb testing.TB) *portal.Manager {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	m := portal.NewManager(nil).Start(transport.IO(ar, aw, portal.DefaultFrameSize))
	d := sim.New(nil).Start(transport.IO(br, bw, portal.DefaultFrameSize))
	tb.Cleanup(func() {
		if err := m.Stop(); err != nil {
			tb.Errorf("Manager stop: %v", err)
		}
		if err := d.Stop(); err != nil {
			tb.Errorf("Device stop: %v", err)
		}
	})
	return m
}
