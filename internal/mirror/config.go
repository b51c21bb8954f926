package mirror

import (
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	defaultRsyncExec      = "rsync"
	defaultInterval       = 3600
	defaultMaxConnection  = 10
	defaultConnectTimeout = 30
	defaultTimeout        = 30

	defaultHTTPAddress = "0.0.0.0"
	defaultHTTPPort    = 80

	// ProtocolRsync is the only sync protocol distros can currently use.
	ProtocolRsync = "rsync"
)

// RsyncConfig is the configuration of the rsync sync protocol.
type RsyncConfig struct {
	Exec           string `toml:"exec"`
	Interval       int    `toml:"interval"`
	MaxConnection  int    `toml:"max_connection"`
	ConnectTimeout int    `toml:"connect_timeout"`
	Timeout        int    `toml:"timeout"`
}

// DefaultRsyncConfig returns the declared defaults of the rsync protocol.
func DefaultRsyncConfig() RsyncConfig {
	return RsyncConfig{
		Exec:           defaultRsyncExec,
		Interval:       defaultInterval,
		MaxConnection:  defaultMaxConnection,
		ConnectTimeout: defaultConnectTimeout,
		Timeout:        defaultTimeout,
	}
}

// Check validates the configuration.
func (rc *RsyncConfig) Check() error {
	if rc.Exec == "" {
		return errors.New("exec is not set")
	}
	if rc.Interval <= 0 {
		return errors.Newf("interval must be positive (got %d)", rc.Interval)
	}
	if rc.MaxConnection <= 0 {
		return errors.Newf("max_connection must be positive (got %d)", rc.MaxConnection)
	}
	if rc.ConnectTimeout < 0 {
		return errors.Newf("connect_timeout must not be negative (got %d)", rc.ConnectTimeout)
	}
	if rc.Timeout < 0 {
		return errors.Newf("timeout must not be negative (got %d)", rc.Timeout)
	}
	return nil
}

// HTTPConfig is the configuration of the HTTP delivery protocol.
//
// Timeouts are in seconds; zero disables them.
type HTTPConfig struct {
	Address      string `toml:"address"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
	IdleTimeout  int    `toml:"idle_timeout"`

	// LegacyRangeStatus answers unsatisfiable ranges with 406 instead of 416.
	LegacyRangeStatus bool `toml:"legacy_range_status"`
}

// DefaultHTTPConfig returns the declared defaults of the HTTP protocol.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Address: defaultHTTPAddress,
		Port:    defaultHTTPPort,
	}
}

// Check validates the configuration.
func (hc *HTTPConfig) Check() error {
	if hc.Port < 0 || hc.Port > 65535 {
		return errors.Newf("port out of range: %d", hc.Port)
	}
	if hc.ReadTimeout < 0 || hc.WriteTimeout < 0 || hc.IdleTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// ClientProtocols holds per-protocol configuration of sync protocols.
type ClientProtocols struct {
	Rsync RsyncConfig `toml:"rsync"`
}

// ServerProtocols holds per-protocol configuration of delivery protocols.
type ServerProtocols struct {
	HTTP HTTPConfig `toml:"http"`
}

// DistroConfig describes one mirrored tree.
type DistroConfig struct {
	URL      string `toml:"url"`
	Protocol string `toml:"protocol,omitempty"`
}

// Check vaildates the configuration.
func (dc *DistroConfig) Check() error {
	if dc.URL == "" {
		return errors.New("url is not set")
	}
	u, err := url.Parse(dc.URL)
	if err != nil {
		return errors.Wrap(err, "invalid url")
	}
	// the URL is linked verbatim from the catalog page
	switch strings.ToLower(u.Scheme) {
	case "rsync", "http", "https", "ftp":
	default:
		return errors.New("unsupported url scheme: " + dc.URL)
	}
	switch dc.Protocol {
	case "", ProtocolRsync:
	default:
		return errors.New("unsupported protocol: " + dc.Protocol)
	}
	return nil
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
//
// Keys absent from the file keep the defaults set by NewConfig.
type Config struct {
	DataPath        string                   `toml:"data_path"`
	MetricsAddress  string                   `toml:"metrics_address"`
	Log             LogConfig                `toml:"log"`
	ClientProtocols ClientProtocols          `toml:"client_protocols"`
	ServerProtocols ServerProtocols          `toml:"server_protocols"`
	Distros         map[string]*DistroConfig `toml:"distros"`
}

// Check validates the whole configuration, distros included.
func (c *Config) Check() error {
	if c.DataPath == "" {
		return errors.New("data_path is not set")
	}
	if !filepath.IsAbs(c.DataPath) {
		return errors.New("data_path must be an absolute path")
	}
	if err := c.ClientProtocols.Rsync.Check(); err != nil {
		return errors.Wrap(err, "client_protocols.rsync")
	}
	if err := c.ServerProtocols.HTTP.Check(); err != nil {
		return errors.Wrap(err, "server_protocols.http")
	}
	if len(c.Distros) == 0 {
		return errors.New("no distros")
	}
	for name, dc := range c.Distros {
		if !IsValidName(name) {
			return errors.New("invalid distro name: " + name)
		}
		if dc == nil {
			return errors.New("distro \"" + name + "\" is empty")
		}
		if err := dc.Check(); err != nil {
			return errors.Wrap(err, "distro \""+name+"\"")
		}
	}
	return nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		ClientProtocols: ClientProtocols{Rsync: DefaultRsyncConfig()},
		ServerProtocols: ServerProtocols{HTTP: DefaultHTTPConfig()},
	}
}
