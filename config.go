package sessionnet

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/crypto"
	"github.com/opd-ai/sessionnet/message"
	"github.com/opd-ai/sessionnet/transport"
)

// fileConfig mirrors the TOML layout:
//
//	[session]
//	host = "game.example.com"
//	reliable = true
//
//	[[transport]]
//	protocol = "tcp"
//	port = 8012
type fileConfig struct {
	Session    sessionFileConfig     `toml:"session"`
	Transports []transportFileConfig `toml:"transport"`
}

type sessionFileConfig struct {
	Host            string `toml:"host"`
	Reliable        bool   `toml:"reliable"`
	DefaultProtocol string `toml:"default_protocol"`
	RedirectTimeout string `toml:"redirect_timeout"`
}

// transportFileConfig uses pointers so that keys absent from one
// [[transport]] entry keep the protocol defaults.
type transportFileConfig struct {
	Protocol             string   `toml:"protocol"`
	Encoding             string   `toml:"encoding"`
	Port                 uint16   `toml:"port"`
	Hosts                []string `toml:"hosts"`
	AutoReconnect        *bool    `toml:"auto_reconnect"`
	ConnectTimeout       *string  `toml:"connect_timeout"`
	ReconnectDelay       *string  `toml:"reconnect_delay"`
	PingInterval         *string  `toml:"ping_interval"`
	PingTimeout          *string  `toml:"ping_timeout"`
	Encryption           []string `toml:"encryption"`
	ServerPublicKey      *string  `toml:"server_public_key"`
	Compression          *string  `toml:"compression"`
	CompressionThreshold *int     `toml:"compression_threshold"`
	SequenceValidation   *bool    `toml:"sequence_validation"`
	UseTLS               *bool    `toml:"use_tls"`
	Path                 *string  `toml:"path"`
	RequestTimeout       *string  `toml:"request_timeout"`
	NoDelay              *bool    `toml:"no_delay"`
	PluginVersion        *int     `toml:"plugin_version"`
}

// TransportConfig is one transport entry of a Config.
type TransportConfig struct {
	Protocol transport.Protocol
	Encoding message.Encoding
	Port     uint16
	Options  transport.Options
}

// Config is a decoded configuration file.
type Config struct {
	Host       string
	Session    Options
	Transports []TransportConfig
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load session config: %w", err)
	}
	return buildConfig(raw, meta)
}

// ParseConfig decodes TOML configuration text.
func ParseConfig(data string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("parse session config: %w", err)
	}
	return buildConfig(raw, meta)
}

func buildConfig(raw fileConfig, meta toml.MetaData) (*Config, error) {
	for _, key := range meta.Undecoded() {
		logrus.WithFields(logrus.Fields{
			"function": "buildConfig",
			"key":      key.String(),
		}).Warn("Ignoring unknown configuration key")
	}

	cfg := &Config{
		Host:    strings.TrimSpace(raw.Session.Host),
		Session: *NewOptions(),
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("session.host: %w", ErrNoHost)
	}
	if meta.IsDefined("session", "reliable") {
		cfg.Session.Reliable = raw.Session.Reliable
	}
	if meta.IsDefined("session", "default_protocol") {
		p, err := transport.ParseProtocol(raw.Session.DefaultProtocol)
		if err != nil {
			return nil, fmt.Errorf("session.default_protocol: %w", err)
		}
		cfg.Session.DefaultProtocol = p
	}
	if meta.IsDefined("session", "redirect_timeout") {
		d, err := parseDuration("session.redirect_timeout", raw.Session.RedirectTimeout)
		if err != nil {
			return nil, err
		}
		cfg.Session.RedirectTimeout = d
	}

	for i, t := range raw.Transports {
		tc, err := t.build()
		if err != nil {
			return nil, fmt.Errorf("transport[%d]: %w", i, err)
		}
		cfg.Transports = append(cfg.Transports, tc)
	}
	return cfg, nil
}

func (t transportFileConfig) build() (TransportConfig, error) {
	protocol, err := transport.ParseProtocol(t.Protocol)
	if err != nil {
		return TransportConfig{}, err
	}
	encoding, err := message.ParseEncoding(t.Encoding)
	if err != nil {
		return TransportConfig{}, err
	}
	tc := TransportConfig{
		Protocol: protocol,
		Encoding: encoding,
		Port:     t.Port,
		Options:  transport.DefaultOptions(protocol),
	}
	o := &tc.Options

	for _, h := range t.Hosts {
		addr, err := parseHost(h)
		if err != nil {
			return TransportConfig{}, err
		}
		o.Addresses = append(o.Addresses, addr)
	}
	if t.AutoReconnect != nil {
		o.AutoReconnect = *t.AutoReconnect
	}
	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"connect_timeout", t.ConnectTimeout, &o.ConnectTimeout},
		{"reconnect_delay", t.ReconnectDelay, &o.ReconnectDelay},
		{"ping_interval", t.PingInterval, &o.PingInterval},
		{"ping_timeout", t.PingTimeout, &o.PingTimeout},
		{"request_timeout", t.RequestTimeout, &o.RequestTimeout},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := parseDuration(d.name, *d.raw)
		if err != nil {
			return TransportConfig{}, err
		}
		*d.dst = v
	}
	for _, name := range t.Encryption {
		typ, err := crypto.ParseType(name)
		if err != nil {
			return TransportConfig{}, fmt.Errorf("encryption: %w", err)
		}
		if typ != crypto.TypeNone {
			o.Encryptions = append(o.Encryptions, typ)
		}
	}
	if t.ServerPublicKey != nil {
		o.ServerPublicKey = strings.TrimSpace(*t.ServerPublicKey)
	}
	if t.Compression != nil {
		o.Compression = strings.ToLower(strings.TrimSpace(*t.Compression))
		if o.Compression == "none" {
			o.Compression = ""
		}
	}
	if t.CompressionThreshold != nil {
		o.CompressionThreshold = *t.CompressionThreshold
	}
	if t.SequenceValidation != nil {
		o.SequenceValidation = *t.SequenceValidation
	}
	if t.UseTLS != nil {
		o.UseTLS = *t.UseTLS
	}
	if t.Path != nil {
		o.Path = *t.Path
	}
	if t.NoDelay != nil {
		o.NoDelay = *t.NoDelay
	}
	if t.PluginVersion != nil {
		o.PluginVersion = *t.PluginVersion
	}
	return tc, nil
}

// parseHost accepts "host" or "host:port".
func parseHost(s string) (transport.Address, error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, ':'); i > 0 && !strings.HasSuffix(s, "]") {
		if _, err := strconv.ParseUint(s[i+1:], 10, 16); err == nil {
			return transport.ParseAddress(s)
		}
	}
	if s == "" {
		return transport.Address{}, fmt.Errorf("empty host")
	}
	return transport.Address{Host: strings.Trim(s, "[]")}, nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}

// NewFromConfig creates a session from cfg and connects every configured
// transport. The connections start on the first Update.
func NewFromConfig(cfg *Config) (*Session, error) {
	s, err := New(cfg.Host, &cfg.Session)
	if err != nil {
		return nil, err
	}
	for _, tc := range cfg.Transports {
		opts := tc.Options
		if err := s.Connect(tc.Protocol, tc.Encoding, tc.Port, &opts); err != nil {
			return nil, err
		}
	}
	return s, nil
}
