package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Plugin names accepted in Config.Plugins.
const (
	PluginEmulator = "emulator"
	PluginPhysical = "physical"
)

// Duration is a time.Duration written as "10s" in YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// ADBConfig locates the adb server.
type ADBConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	PollInterval Duration `yaml:"poll_interval"`
}

// SDKConfig locates the Android SDK tools. Empty binaries are resolved
// under Root, then on PATH.
type SDKConfig struct {
	Root             string `yaml:"root,omitempty"`
	AVDHome          string `yaml:"avd_home,omitempty"`
	Emulator         string `yaml:"emulator,omitempty"`
	AVDManager       string `yaml:"avdmanager,omitempty"`
	ConsoleAuthToken string `yaml:"console_auth_token,omitempty"`
}

// EmulatorConfig tunes the emulator plugin.
type EmulatorConfig struct {
	ScanInterval      Duration `yaml:"scan_interval"`
	ActivateTimeout   Duration `yaml:"activate_timeout"`
	DeactivateTimeout Duration `yaml:"deactivate_timeout"`
	WatchAVDHome      bool     `yaml:"watch_avd_home"`
	ExtraArgs         []string `yaml:"extra_args,omitempty"`
	LogDir            string   `yaml:"log_dir,omitempty"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MQTTConfig enables publishing device state to a broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
}

// CatalogConfig controls the database of known physical devices.
type CatalogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// DeviceConfig stores per-device settings, keyed by serial.
type DeviceConfig struct {
	Nickname string `yaml:"nickname,omitempty"`
	WiFiIP   string `yaml:"wifi_ip,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	ADB      ADBConfig               `yaml:"adb"`
	SDK      SDKConfig               `yaml:"sdk"`
	Emulator EmulatorConfig          `yaml:"emulator"`
	Plugins  []string                `yaml:"plugins"`
	Logging  LoggingConfig           `yaml:"logging"`
	MQTT     MQTTConfig              `yaml:"mqtt"`
	Catalog  CatalogConfig           `yaml:"catalog"`
	Devices  map[string]DeviceConfig `yaml:"devices,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ADB: ADBConfig{
			Host:         "localhost",
			Port:         5037,
			PollInterval: Duration(2 * time.Second),
		},
		Emulator: EmulatorConfig{
			ScanInterval:      Duration(10 * time.Second),
			ActivateTimeout:   Duration(60 * time.Second),
			DeactivateTimeout: Duration(20 * time.Second),
			WatchAVDHome:      true,
		},
		Plugins: []string{PluginEmulator, PluginPhysical},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "droidprov",
			TopicPrefix: "droidprov",
			QoS:         1,
		},
		Catalog: CatalogConfig{Enabled: true},
		Devices: make(map[string]DeviceConfig),
	}
}

// ConfigDir returns the config directory path.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "droidprov")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "droidprov")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// Load reads the default config file, returning defaults if it doesn't exist.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config file at path. A missing file yields defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.Devices == nil {
		cfg.Devices = make(map[string]DeviceConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the default path.
func Save(cfg *Config) error {
	return SaveTo(cfg, ConfigPath())
}

// SaveTo writes the config to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.ADB.Port <= 0 || c.ADB.Port > 65535 {
		errs = append(errs, fmt.Errorf("adb.port %d out of range", c.ADB.Port))
	}
	if c.ADB.PollInterval <= 0 {
		errs = append(errs, errors.New("adb.poll_interval must be positive"))
	}
	if c.Emulator.ScanInterval <= 0 {
		errs = append(errs, errors.New("emulator.scan_interval must be positive"))
	}
	if c.Emulator.ActivateTimeout <= 0 || c.Emulator.DeactivateTimeout <= 0 {
		errs = append(errs, errors.New("emulator timeouts must be positive"))
	}
	for _, p := range c.Plugins {
		if p != PluginEmulator && p != PluginPhysical {
			errs = append(errs, fmt.Errorf("unknown plugin %q", p))
		}
	}
	if len(c.Plugins) != len(slices.Compact(slices.Sorted(slices.Values(c.Plugins)))) {
		errs = append(errs, errors.New("plugins listed more than once"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[1:])
	}
	return p
}

// SDKRoot returns the Android SDK directory: sdk.root, else ANDROID_SDK_ROOT
// or ANDROID_HOME. It is empty when none is set.
func (c *Config) SDKRoot() string {
	if c.SDK.Root != "" {
		return ExpandPath(c.SDK.Root)
	}
	return firstEnv("ANDROID_SDK_ROOT", "ANDROID_HOME")
}

// AVDHome returns the directory holding AVD definitions: sdk.avd_home, else
// ANDROID_AVD_HOME, else ~/.android/avd.
func (c *Config) AVDHome() string {
	if c.SDK.AVDHome != "" {
		return ExpandPath(c.SDK.AVDHome)
	}
	if env := os.Getenv("ANDROID_AVD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".android", "avd")
}

// EmulatorBinary returns the emulator executable to run.
func (c *Config) EmulatorBinary() string {
	return c.sdkTool(c.SDK.Emulator, "emulator", "emulator")
}

// AVDManagerBinary returns the avdmanager executable to run.
func (c *Config) AVDManagerBinary() string {
	return c.sdkTool(c.SDK.AVDManager, "avdmanager", "cmdline-tools", "latest", "bin")
}

func (c *Config) sdkTool(explicit, name string, dir ...string) string {
	if explicit != "" {
		return ExpandPath(explicit)
	}
	if root := c.SDKRoot(); root != "" {
		candidate := filepath.Join(append(append([]string{root}, dir...), name)...)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return name
}

// CatalogDir returns the directory holding the device catalog.
func (c *Config) CatalogDir() string {
	if c.Catalog.Path != "" {
		return ExpandPath(c.Catalog.Path)
	}
	return ConfigDir()
}

// Nicknames returns the configured nickname of every device that has one.
func (c *Config) Nicknames() map[string]string {
	out := make(map[string]string)
	for serial, d := range c.Devices {
		if d.Nickname != "" {
			out[serial] = d.Nickname
		}
	}
	return out
}
