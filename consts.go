package winksock

import "github.com/momentics/winksock-go/internal/wire"

// MaxPayloadSize is the largest DATA/SIGNAL payload this library will send
// or accept, re-exported from the wire codec so callers don't need to
// import internal/wire directly.
const MaxPayloadSize = wire.MaxPayloadSize

// MaxTokenSize bounds the OPEN token: the frame header is 7 bytes, so a
// token must leave room for it within MaxPayloadSize.
const MaxTokenSize = wire.MaxPayloadSize - wire.HeaderSize

// ALLChannels is the wildcard id used by the server to broadcast DATA and
// SIGNAL frames. Never a valid open target.
const ALLChannels = wire.ALLChannels

// DefaultChannelID is used when a winksock URL carries no explicit path.
const DefaultChannelID = wire.DefaultChannelID
