// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package portal

import "expvar"

// managerMetrics record manager and portal activity counters.
type managerMetrics struct {
	frameRecv     expvar.Int
	frameSent     expvar.Int
	frameErr      expvar.Int // number of frames rejected by reassembly
	msgRecv       expvar.Int
	msgSent       expvar.Int
	msgDropped    expvar.Int // number of messages for unknown portals
	msgInvalid    expvar.Int // number of reassembled messages that did not decode
	writeCanceled expvar.Int
	readPending   expvar.Int
	readTimeout   expvar.Int
	discoveries   expvar.Int

	emap *expvar.Map
}

var rootMetrics = newManagerMetrics()

func newManagerMetrics() *managerMetrics {
	mm := &managerMetrics{emap: new(expvar.Map)}
	mm.emap.Set("frames_received", &mm.frameRecv)
	mm.emap.Set("frames_sent", &mm.frameSent)
	mm.emap.Set("frames_rejected", &mm.frameErr)
	mm.emap.Set("messages_received", &mm.msgRecv)
	mm.emap.Set("messages_sent", &mm.msgSent)
	mm.emap.Set("messages_dropped", &mm.msgDropped)
	mm.emap.Set("messages_invalid", &mm.msgInvalid)
	mm.emap.Set("writes_canceled", &mm.writeCanceled)
	mm.emap.Set("reads_pending", &mm.readPending)
	mm.emap.Set("reads_timed_out", &mm.readTimeout)
	mm.emap.Set("discoveries", &mm.discoveries)
	return mm
}
