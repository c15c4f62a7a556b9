package internal

import (
	"log"
	"os"
	"sort"

	"github.com/amenzhinsky/iotsession/blob"
	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/iotdevice"
	"github.com/amenzhinsky/iotsession/transport"
	"github.com/amenzhinsky/iotsession/transport/amqp"
	"github.com/amenzhinsky/iotsession/transport/http"
	"github.com/amenzhinsky/iotsession/transport/mqtt"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the device commands configuration,
// it's usually read from a YAML file.
type Config struct {
	ConnectionString string                 `yaml:"connection_string"`
	Transport        string                 `yaml:"transport"`
	WebSocket        bool                   `yaml:"websocket"`
	Uploader         string                 `yaml:"uploader"`
	LogLevel         string                 `yaml:"log_level"`
	Options          map[string]interface{} `yaml:"options"`
}

// DefaultConfig returns configuration used when there's no file.
func DefaultConfig() *Config {
	return &Config{
		Transport: "mqtt",
		Uploader:  "storage",
		LogLevel:  "warn",
	}
}

// LoadConfig reads the named YAML file over the default configuration,
// an empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	for name := range cfg.Options {
		if !transport.IsKnownOption(name) {
			return nil, errors.Errorf("unknown option %q in %s", name, path)
		}
	}
	return cfg, nil
}

// TransportNames lists transports NewTransport can create.
var TransportNames = []string{"mqtt", "amqp", "http"}

// NewTransport creates the named transport.
func NewTransport(cfg *Config, logger common.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case "mqtt":
		return mqtt.New(mqtt.WithLogger(logger), mqtt.WithWebSocket(cfg.WebSocket)), nil
	case "amqp":
		return amqp.New(amqp.WithLogger(logger)), nil
	case "http":
		return http.New(http.WithLogger(logger)), nil
	default:
		return nil, errors.Errorf("unknown transport %q", cfg.Transport)
	}
}

// UploaderNames lists blob uploaders NewUploader can create.
var UploaderNames = []string{"storage", "http"}

// NewUploader creates the named blob uploader.
func NewUploader(cfg *Config, logger common.Logger) (blob.Uploader, error) {
	switch cfg.Uploader {
	case "", "storage":
		return blob.NewStorageUploader(blob.WithLogger(logger)), nil
	case "http":
		return blob.NewHTTPUploader(blob.WithLogger(logger)), nil
	default:
		return nil, errors.Errorf("unknown uploader %q", cfg.Uploader)
	}
}

// NewClient creates a device client described by cfg and applies its options,
// DEVICE_CONNECTION_STRING overrides the configured connection string.
func NewClient(cfg *Config) (*iotdevice.Client, error) {
	cs := os.Getenv("DEVICE_CONNECTION_STRING")
	if cs == "" {
		cs = cfg.ConnectionString
	}
	if cs == "" {
		return nil, errors.New("DEVICE_CONNECTION_STRING is blank")
	}

	logger := common.NewLogger("iotdevice", common.ParseLevel(cfg.LogLevel), log.Print)
	tr, err := NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	u, err := NewUploader(cfg, logger)
	if err != nil {
		return nil, err
	}
	c, err := iotdevice.New(
		iotdevice.WithLogger(logger),
		iotdevice.WithConnectionString(cs),
		iotdevice.WithTransport(tr),
		iotdevice.WithBlobUploader(u),
	)
	if err != nil {
		return nil, err
	}

	// in name order
	names := make([]string, 0, len(cfg.Options))
	for name := range cfg.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err = c.SetOption(name, cfg.Options[name]); err != nil {
			return nil, errors.Wrapf(err, "option %s", name)
		}
	}
	return c, nil
}
