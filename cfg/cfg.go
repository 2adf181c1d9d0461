package cfg

import (
	"net/url"
	"os"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// environment variables that override the device identity, so secrets can
// stay out of the config file
const (
	EnvPrinterID  = "RELAY_PRINTER_ID"
	EnvPrivateKey = "RELAY_PRIVATE_KEY"
)

// Config defines the configuration of relay-client. See the usage string for
// field descriptions.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Device  DeviceConfig  `yaml:"device"`
	Local   LocalConfig   `yaml:"local"`
	Backoff BackoffConfig `yaml:"backoff"`
	Logging LoggingConfig `yaml:"logging"`
}

type RelayConfig struct {
	Endpoint         string        `yaml:"endpoint" default:"wss://starport-v1.octoeverywhere.com/octoclientws"`
	UseLowestLatency bool          `yaml:"useLowestLatency" default:"true"`
	PrimaryRunFor    time.Duration `yaml:"primaryRunFor" default:"47h"`
	SecondaryRunFor  time.Duration `yaml:"secondaryRunFor" default:"15m"`
}

type DeviceConfig struct {
	PrinterID      string `yaml:"printerId"`
	PrivateKey     string `yaml:"privateKey"`
	PluginVersion  string `yaml:"pluginVersion" default:"1.0.0"`
	ServerHostType uint32 `yaml:"serverHostType"`
	IsCompanion    bool   `yaml:"isCompanion"`
}

type LocalConfig struct {
	PrimaryPort      int    `yaml:"primaryPort" default:"5000"`
	ProxyPort        int    `yaml:"proxyPort" default:"80"`
	ProxyIsHTTPS     bool   `yaml:"proxyIsHttps"`
	HostAddress      string `yaml:"hostAddress" default:"127.0.0.1"`
	IPOverride       string `yaml:"ipOverride"`
	DisableHTTPRelay bool   `yaml:"disableHttpRelay"`
	WebcamPort       int    `yaml:"webcamPort" default:"8080"`
}

type BackoffConfig struct {
	Base      time.Duration `yaml:"base" default:"1s"`
	Cap       time.Duration `yaml:"cap" default:"180s"`
	JitterMin time.Duration `yaml:"jitterMin" default:"2s"`
	JitterMax time.Duration `yaml:"jitterMax" default:"10s"`
}

type LoggingConfig struct {
	Level string `yaml:"level" default:"info"`
}

// Usage returns a fragment of a usage message that describes the
// configuration file format.
func Usage() string {
	return `
Configuration is in the form of a YAML file with the following fields:

	relay:
		endpoint: the relay websocket url
			(default wss://starport-v1.octoeverywhere.com/octoclientws)
		useLowestLatency: let the primary connection use a lower latency
			endpoint when one is known (default true)
		primaryRunFor: how long the primary connection runs before it
			reconnects, once idle (default 47h)
		secondaryRunFor: the same for summoned connections (default 15m)

	device:
		printerId: (required) the device id; overridden by $` + EnvPrinterID + `
		privateKey: (required) the device key; overridden by $` + EnvPrivateKey + `
		pluginVersion: the version reported to the relay (default 1.0.0)
		serverHostType: the host type reported to the relay
		isCompanion: whether this client runs apart from the device it serves

	local:
		primaryPort: port of the local web server (default 5000)
		proxyPort: port of the local http proxy (default 80)
		proxyIsHttps: whether the proxy is served over tls
		hostAddress: address of the local servers (default 127.0.0.1)
		ipOverride: the LAN address to use instead of the detected one
		disableHttpRelay: only serve command and webcam requests
		webcamPort: port tried last for webcam requests (default 8080)

	backoff:
		base, cap: the first and largest reconnect delay (default 1s, 180s)
		jitterMin, jitterMax: random delay added to each reconnect
			(default 2s, 10s)

	logging:
		level: the logrus log level (default info)

Durations use Go syntax, e.g. 90s or 15m.
`
}

// Load a configuration file. Missing fields take their defaults, then the
// environment overrides are applied. A leading ~ in filename is expanded.
func Load(filename string) (*Config, error) {
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	defaults.SetDefaults(&cfg)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrinterID); v != "" {
		c.Device.PrinterID = v
	}
	if v := os.Getenv(EnvPrivateKey); v != "" {
		c.Device.PrivateKey = v
	}
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c.Device.PrinterID == "" {
		return errors.New("device.printerId is required")
	}
	if c.Device.PrivateKey == "" {
		return errors.New("device.privateKey is required")
	}
	u, err := url.Parse(c.Relay.Endpoint)
	if err != nil {
		return errors.Wrap(err, "relay.endpoint")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("relay.endpoint must be a ws or wss url, got %q", c.Relay.Endpoint)
	}
	for name, port := range map[string]int{
		"local.primaryPort": c.Local.PrimaryPort,
		"local.proxyPort":   c.Local.ProxyPort,
		"local.webcamPort":  c.Local.WebcamPort,
	} {
		if port < 0 || port > 65535 {
			return errors.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.Backoff.JitterMax < c.Backoff.JitterMin {
		return errors.New("backoff.jitterMax is less than backoff.jitterMin")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging.level")
	}
	return nil
}

// LogLevel is the parsed logging level.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
