package conn

import "sync/atomic"

// Stats holds lock-free connection counters, surfaced to callers that want
// observability beyond the zap event log.
type Stats struct {
	FramesSent     uint64
	FramesRecv     uint64
	BytesSent      uint64
	BytesRecv      uint64
	ChannelsOpened uint64
	ChannelsClosed uint64
}

// Snapshot returns a point-in-time copy of s.
func (s *Stats) Snapshot() Stats {
	return Stats{
		FramesSent:     atomic.LoadUint64(&s.FramesSent),
		FramesRecv:     atomic.LoadUint64(&s.FramesRecv),
		BytesSent:      atomic.LoadUint64(&s.BytesSent),
		BytesRecv:      atomic.LoadUint64(&s.BytesRecv),
		ChannelsOpened: atomic.LoadUint64(&s.ChannelsOpened),
		ChannelsClosed: atomic.LoadUint64(&s.ChannelsClosed),
	}
}
