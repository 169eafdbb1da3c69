package winksock

import (
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/momentics/winksock-go/internal/handshake"
	"github.com/momentics/winksock-go/internal/wlog"
)

// Version is this client's release version, embedded in the default
// User-Agent header sent during the HTTP Upgrade.
const Version = "0.1.0"

// defaultUserAgent is used when the caller never calls WithUserAgent.
const defaultUserAgent = "winksock-go/" + Version

// ClientConfig bundles everything a Dial/Connect call needs beyond the
// target URL and mode: handshake headers, redirect policy, and the logger
// every internal package threads through.
type ClientConfig struct {
	Origin          string
	UserAgent       string
	FollowRedirects bool
	DialTimeout     time.Duration
	Logger          *zap.Logger
}

// DefaultConfig returns the configuration Dial uses when the caller passes
// no options: redirects followed, a 10s dial timeout, logging discarded, and
// a default User-Agent. Origin is left blank here and filled from the dial
// target's host once it is known (see (*Client).dialFunc).
func DefaultConfig() ClientConfig {
	return ClientConfig{
		UserAgent:       defaultUserAgent,
		FollowRedirects: true,
		DialTimeout:     10 * time.Second,
		Logger:          wlog.Nop(),
	}
}

// Option customizes a ClientConfig.
type Option func(*ClientConfig)

// WithOrigin sets the Origin header sent during the HTTP Upgrade.
func WithOrigin(origin string) Option {
	return func(c *ClientConfig) { c.Origin = origin }
}

// WithUserAgent sets the User-Agent header sent during the HTTP Upgrade.
func WithUserAgent(ua string) Option {
	return func(c *ClientConfig) { c.UserAgent = ua }
}

// WithFollowRedirects toggles whether 3xx Upgrade responses are followed.
func WithFollowRedirects(follow bool) Option {
	return func(c *ClientConfig) { c.FollowRedirects = follow }
}

// WithDialTimeout bounds the underlying TCP connect.
func WithDialTimeout(d time.Duration) Option {
	return func(c *ClientConfig) { c.DialTimeout = d }
}

// WithLogger attaches a structured logger; passing nil is equivalent to
// never calling this option (the default no-op logger is kept).
func WithLogger(l *zap.Logger) Option {
	return func(c *ClientConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

func (c ClientConfig) apply(opts []Option) ClientConfig {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// handshakeConfig builds the per-dial handshake.Config for a request against
// host (the target's host[:port]). Origin defaults to host per spec §6 when
// the caller never set one explicitly.
func (c ClientConfig) handshakeConfig(host string) handshake.Config {
	origin := c.Origin
	if origin == "" {
		origin = host
	}
	return handshake.Config{
		Origin:          origin,
		UserAgent:       c.UserAgent,
		FollowRedirects: c.FollowRedirects,
		DialTimeout:     c.DialTimeout,
	}
}

// fileConfig is the on-disk shape LoadConfigFile parses. DialTimeoutMS is
// milliseconds rather than a duration string to keep the file trivial to
// hand-write and diff.
type fileConfig struct {
	Origin          string `yaml:"origin"`
	UserAgent       string `yaml:"user_agent"`
	FollowRedirects *bool  `yaml:"follow_redirects"`
	DialTimeoutMS   int    `yaml:"dial_timeout_ms"`
}

// LoadConfigFile reads a YAML client configuration file and returns it as
// Options ready to pass to Dial or NewClient, layered on top of
// DefaultConfig by the caller.
func LoadConfigFile(path string) ([]Option, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr(TransportError, err, "reading config file %s", path)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, wrapErr(ValidationError, err, "parsing config file %s", path)
	}

	var opts []Option
	if fc.Origin != "" {
		opts = append(opts, WithOrigin(fc.Origin))
	}
	if fc.UserAgent != "" {
		opts = append(opts, WithUserAgent(fc.UserAgent))
	}
	if fc.FollowRedirects != nil {
		opts = append(opts, WithFollowRedirects(*fc.FollowRedirects))
	}
	if fc.DialTimeoutMS > 0 {
		opts = append(opts, WithDialTimeout(time.Duration(fc.DialTimeoutMS)*time.Millisecond))
	}
	return opts, nil
}
