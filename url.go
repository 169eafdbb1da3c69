package winksock

import (
	"net/url"
	"strconv"
	"strings"
)

// ParsedURL is the decomposed form of a winksock URL:
// [http(s)://]host[:port][/<chan-id>|/x<hex-chan-id>][?<url-encoded-token>].
type ParsedURL struct {
	Scheme    string // "http" or "https"
	Host      string // host[:port], as dialed
	ChannelID uint32
	Token     []byte // percent-decoded query component, empty if none
	Raw       *url.URL
}

// ParseURL parses a winksock connection string. A missing scheme defaults
// to "http". A missing path defaults to channel DefaultChannelID (1). A
// path of the form "/xNN" is parsed as hexadecimal, otherwise decimal.
func ParseURL(raw string) (*ParsedURL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, wrapErr(ValidationError, err, "invalid URL %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newErr(ValidationError, "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, newErr(ValidationError, "URL %q has no host", raw)
	}

	chanID := DefaultChannelID
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		var parsed uint64
		var perr error
		if strings.HasPrefix(path, "x") || strings.HasPrefix(path, "X") {
			parsed, perr = strconv.ParseUint(path[1:], 16, 32)
		} else {
			parsed, perr = strconv.ParseUint(path, 10, 32)
		}
		if perr != nil {
			return nil, wrapErr(ValidationError, perr, "invalid channel id in path %q", u.Path)
		}
		if parsed == 0 {
			return nil, newErr(ValidationError, "channel id 0 is ALL_CHANNELS, not a valid open target")
		}
		chanID = uint32(parsed)
	}

	var token []byte
	if u.RawQuery != "" {
		// url.Parse has already percent-decoded into RawQuery's sibling
		// fields; the query component is the token verbatim (no key=value
		// structure), so decode it directly rather than through url.Values.
		decoded, derr := url.PathUnescape(u.RawQuery)
		if derr != nil {
			return nil, wrapErr(ValidationError, derr, "invalid token encoding")
		}
		token = []byte(decoded)
	}
	if len(token) > MaxTokenSize {
		return nil, newErr(ValidationError, "token too large (%d bytes, max %d)", len(token), MaxTokenSize)
	}

	return &ParsedURL{
		Scheme:    u.Scheme,
		Host:      u.Host,
		ChannelID: chanID,
		Token:     token,
		Raw:       u,
	}, nil
}

// Authority is the pool key: "<scheme>+<host>", matching spec §3's
// "protocol + host[:port]" connection key.
func (p *ParsedURL) Authority() string {
	return p.Scheme + "+" + p.Host
}
