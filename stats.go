package winksock

import "github.com/momentics/winksock-go/internal/conn"

// Stats is a point-in-time snapshot of one shared connection's frame, byte,
// and channel counters, exposed for callers that want observability beyond
// the zap event log.
type Stats struct {
	FramesSent     uint64
	FramesRecv     uint64
	BytesSent      uint64
	BytesRecv      uint64
	ChannelsOpened uint64
	ChannelsClosed uint64
}

func statsFromConn(s conn.Stats) Stats {
	return Stats{
		FramesSent:     s.FramesSent,
		FramesRecv:     s.FramesRecv,
		BytesSent:      s.BytesSent,
		BytesRecv:      s.BytesRecv,
		ChannelsOpened: s.ChannelsOpened,
		ChannelsClosed: s.ChannelsClosed,
	}
}
