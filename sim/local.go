package sim

import (
	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/transport"
)

// Local is a manager connected to an emulated device over an in-memory
// transport, suitable for testing.
type Local struct {
	M *portal.Manager
	D *Device
}

// Stop shuts down the manager and the device and blocks until both have
// exited.
func (l *Local) Stop() error {
	merr := l.M.Stop()
	derr := l.D.Stop()
	if merr != nil {
		return merr
	}
	return derr
}

// NewLocal starts m and d, connected by an in-memory transport.
func NewLocal(m *portal.Manager, d *Device) *Local {
	a, b := transport.Pipe()
	return &Local{
		M: m.Start(a),
		D: d.Start(b),
	}
}
