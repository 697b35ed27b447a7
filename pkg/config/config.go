// Package config loads tagwatch settings.
//
// Values are layered: struct defaults, then the YAML file, then TAGWATCH_*
// environment variables (a .env file in the working directory is loaded into
// the environment first, without overriding variables that are already set).
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/tagwatch/internal/profile"
	"github.com/srg/tagwatch/internal/session"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TAGWATCH_"

// Backends
const (
	BackendGoBLE  = "go-ble"
	BackendTinyGo = "tinygo"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	Backend  string `yaml:"backend" default:"go-ble"`

	Profile ProfileConfig `yaml:"profile"`
	Session SessionConfig `yaml:"session"`
	HTTP    HTTPConfig    `yaml:"http"`
	History HistoryConfig `yaml:"history"`
	Mongo   MongoConfig   `yaml:"mongo"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// ProfileConfig selects the hardware profile. The GATT fields are used by the lua profile only.
type ProfileConfig struct {
	Name         string   `yaml:"name" default:"sensortag-hdc1000"`
	Script       string   `yaml:"script"`
	Service      string   `yaml:"service"`
	Data         string   `yaml:"data"`
	Config       string   `yaml:"config"`
	Activation   string   `yaml:"activation"` // hex bytes written to Config, e.g. "01"
	ScanServices []string `yaml:"scan_services"`
}

type SessionConfig struct {
	TargetName       string        `yaml:"target_name"`
	ScanServices     []string      `yaml:"scan_services"`
	Unfiltered       bool          `yaml:"unfiltered"`
	DisconnectPolicy string        `yaml:"disconnect_policy" default:"keep-stale"`
	ReadDeviceInfo   bool          `yaml:"read_device_info"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"30s"`
	NoticeDuration   time.Duration `yaml:"notice_duration" default:"2s"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr" default:":8080"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle" default:"250ms"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" default:"5s"`
}

type HistoryConfig struct {
	Size uint32 `yaml:"size" default:"256"`
}

// MongoConfig enables the MongoDB sink when URI is set
type MongoConfig struct {
	URI          string        `yaml:"uri"`
	Database     string        `yaml:"database" default:"sensors"`
	Collection   string        `yaml:"collection" default:"sensordata"`
	SendInterval time.Duration `yaml:"send_interval" default:"60s"`
}

func (m MongoConfig) Enabled() bool { return m.URI != "" }

// MQTTConfig enables the MQTT sink when Broker is set
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id" default:"tagwatch"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic" default:"tagwatch/readings"`
	QoS      uint8  `yaml:"qos" default:"1"`
	Retained bool   `yaml:"retained"`
}

func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load layers the file at path (optional) and the environment over the defaults, then validates
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files (default ".env") into the environment; missing files are ignored
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func boolean(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func duration(dst func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func list(dst func(c *Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst(c) = out
		return nil
	}
}

var envBindings = []envBinding{
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.LogLevel })},
	{"BACKEND", str(func(c *Config) *string { return &c.Backend })},
	{"PROFILE", str(func(c *Config) *string { return &c.Profile.Name })},
	{"PROFILE_SCRIPT", str(func(c *Config) *string { return &c.Profile.Script })},
	{"TARGET_NAME", str(func(c *Config) *string { return &c.Session.TargetName })},
	{"SCAN_SERVICES", list(func(c *Config) *[]string { return &c.Session.ScanServices })},
	{"UNFILTERED", boolean(func(c *Config) *bool { return &c.Session.Unfiltered })},
	{"DISCONNECT_POLICY", str(func(c *Config) *string { return &c.Session.DisconnectPolicy })},
	{"READ_DEVICE_INFO", boolean(func(c *Config) *bool { return &c.Session.ReadDeviceInfo })},
	{"OPERATION_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Session.OperationTimeout })},
	{"HTTP_ADDR", str(func(c *Config) *string { return &c.HTTP.Addr })},
	{"HISTORY_SIZE", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		c.History.Size = uint32(n)
		return nil
	}},
	{"MONGO_URI", str(func(c *Config) *string { return &c.Mongo.URI })},
	{"MONGO_DATABASE", str(func(c *Config) *string { return &c.Mongo.Database })},
	{"MONGO_COLLECTION", str(func(c *Config) *string { return &c.Mongo.Collection })},
	{"SEND_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Mongo.SendInterval })},
	{"MQTT_BROKER", str(func(c *Config) *string { return &c.MQTT.Broker })},
	{"MQTT_CLIENT_ID", str(func(c *Config) *string { return &c.MQTT.ClientID })},
	{"MQTT_USERNAME", str(func(c *Config) *string { return &c.MQTT.Username })},
	{"MQTT_PASSWORD", str(func(c *Config) *string { return &c.MQTT.Password })},
	{"MQTT_TOPIC", str(func(c *Config) *string { return &c.MQTT.Topic })},
}

// EnvKeys lists the recognised environment variables
func EnvKeys() []string {
	keys := make([]string, 0, len(envBindings))
	for _, b := range envBindings {
		keys = append(keys, EnvPrefix+b.key)
	}
	return keys
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, b.key, v, err)
		}
	}
	return nil
}

// Validate checks the values that cannot be fixed by defaults
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	switch c.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendGoBLE, BackendTinyGo)
	}

	if c.Profile.Name == profile.LuaName {
		if c.Profile.Script == "" || c.Profile.Service == "" || c.Profile.Data == "" {
			return errors.New("lua profile needs script, service and data")
		}
		if _, err := c.activationBytes(); err != nil {
			return err
		}
	} else if _, err := profile.Lookup(c.Profile.Name); err != nil {
		return err
	}

	if _, err := session.ParseDisconnectPolicy(c.Session.DisconnectPolicy); err != nil {
		return err
	}
	if c.Session.OperationTimeout < 0 {
		return errors.New("operation timeout cannot be negative")
	}
	if c.Mongo.Enabled() && (c.Mongo.Database == "" || c.Mongo.Collection == "") {
		return errors.New("mongo sink needs a database and a collection")
	}
	if c.MQTT.Enabled() && c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid MQTT QoS %d", c.MQTT.QoS)
	}
	return nil
}

func (c *Config) activationBytes() ([]byte, error) {
	if c.Profile.Activation == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(c.Profile.Activation, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid profile activation %q: %w", c.Profile.Activation, err)
	}
	if len(b) > 0 && c.Profile.Config == "" {
		return nil, errors.New("profile activation needs a config characteristic")
	}
	return b, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// BuildProfile returns the configured profile
func (c *Config) BuildProfile(logger *logrus.Logger) (*profile.Profile, error) {
	if c.Profile.Name != profile.LuaName {
		return profile.Lookup(c.Profile.Name)
	}

	activation, err := c.activationBytes()
	if err != nil {
		return nil, err
	}
	opts := profile.LuaOptions{
		ScriptFile:   c.Profile.Script,
		Service:      c.Profile.Service,
		Data:         c.Profile.Data,
		ScanServices: c.Profile.ScanServices,
	}
	if len(activation) > 0 {
		opts.Activation = &profile.Activation{Characteristic: c.Profile.Config, Value: activation}
	}
	return profile.NewLua(opts, logger)
}

// SessionOptions maps the session section onto controller options
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		TargetName:       c.Session.TargetName,
		ScanServices:     c.Session.ScanServices,
		Unfiltered:       c.Session.Unfiltered,
		DisconnectPolicy: session.DisconnectPolicy(c.Session.DisconnectPolicy),
		ReadDeviceInfo:   c.Session.ReadDeviceInfo,
		OperationTimeout: c.Session.OperationTimeout,
		NoticeDuration:   c.Session.NoticeDuration,
	}
}
