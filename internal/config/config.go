package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/vburojevic/rtckeep/internal/arbiter"
	"github.com/vburojevic/rtckeep/internal/backoff"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/handoff"
)

// Config holds application configuration
type Config struct {
	// Global settings
	Format     string `mapstructure:"format"`
	Verbose    bool   `mapstructure:"verbose"`
	DataDir    string `mapstructure:"data_dir"`
	RuntimeDir string `mapstructure:"runtime_dir"`

	Backoff     BackoffConfig   `mapstructure:"backoff"`
	Network     NetworkConfig   `mapstructure:"network"`
	Arbitration arbiter.Config  `mapstructure:"arbitration"`
	Worker      WorkerConfig    `mapstructure:"worker"`
	Handoff     handoff.Config  `mapstructure:"handoff"`
	RTC         RTCConfig       `mapstructure:"rtc"`
	Bridge      BridgeConfig    `mapstructure:"bridge"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Endpoint    domain.Endpoint `mapstructure:"endpoint"` // file tier for the worker
}

// BackoffConfig holds one retry policy per process.
type BackoffConfig struct {
	App    backoff.Config `mapstructure:"app"`
	Worker backoff.Config `mapstructure:"worker"`
}

// NetworkConfig controls the reachability probe. An empty address
// disables probing and the gate stays online.
type NetworkConfig struct {
	ProbeAddress  string        `mapstructure:"probe_address"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// WorkerConfig holds background worker timing.
type WorkerConfig struct {
	HealthInterval time.Duration `mapstructure:"health_interval"`
	CoarseInterval time.Duration `mapstructure:"coarse_interval"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout"`
	LegacyPrefs    string        `mapstructure:"legacy_prefs"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RTCConfig tunes the WebSocket user agent.
type RTCConfig struct {
	Path               string `mapstructure:"path"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// BridgeConfig selects the native call-UI hook. Empty logs requests only.
type BridgeConfig struct {
	Command string `mapstructure:"command"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Format:     "ndjson",
		DataDir:    defaultDataDir(),
		RuntimeDir: defaultRuntimeDir(),
		Backoff: BackoffConfig{
			App:    backoff.DefaultExponential(),
			Worker: backoff.DefaultLinear(),
		},
		Network: NetworkConfig{
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Arbitration: arbiter.DefaultConfig(""),
		Worker: WorkerConfig{
			HealthInterval: 20 * time.Second,
			CoarseInterval: 60 * time.Second,
			LoadTimeout:    10 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		Handoff: handoff.DefaultConfig(""),
		RTC:     RTCConfig{Path: "/rtc"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "rtckeep")
	}
	return ".rtckeep"
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "rtckeep")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("rtckeep-%d", os.Getuid()))
}

// DBPath is the shared coordination database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "rtckeep.db")
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if _, err := backoff.New(c.Backoff.App); err != nil {
		return fmt.Errorf("backoff.app: %w", err)
	}
	if _, err := backoff.New(c.Backoff.Worker); err != nil {
		return fmt.Errorf("backoff.worker: %w", err)
	}
	if hb := c.Arbitration.Heartbeat; hb < 15*time.Second || hb > 20*time.Second {
		return fmt.Errorf("arbitration.heartbeat must be between 15s and 20s, got %s", hb)
	}
	if c.Worker.HealthInterval <= 0 || c.Worker.CoarseInterval <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}
	switch c.Format {
	case "ndjson", "text":
	default:
		return fmt.Errorf("format must be ndjson or text, got %q", c.Format)
	}
	return nil
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("rtckeep")
	v.SetConfigType("yaml")

	// Config paths, lowest precedence first
	v.AddConfigPath("/etc/rtckeep/")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "rtckeep"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".rtckeep"))
	}
	v.AddConfigPath(".")

	// Try to read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper wires environment variables and defaults shared by both loaders.
func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("RTCKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Short names for the settings people change most
	_ = v.BindEnv("format", "RTCKEEP_FORMAT")
	_ = v.BindEnv("verbose", "RTCKEEP_VERBOSE")
	_ = v.BindEnv("data_dir", "RTCKEEP_DATA_DIR")
	_ = v.BindEnv("runtime_dir", "RTCKEEP_RUNTIME_DIR")
	_ = v.BindEnv("metrics.addr", "RTCKEEP_METRICS_ADDR")
	_ = v.BindEnv("bridge.command", "RTCKEEP_BRIDGE_COMMAND")

	d := Default()
	v.SetDefault("format", d.Format)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("runtime_dir", d.RuntimeDir)

	setBackoffDefaults(v, "backoff.app", d.Backoff.App)
	setBackoffDefaults(v, "backoff.worker", d.Backoff.Worker)

	v.SetDefault("network.probe_address", d.Network.ProbeAddress)
	v.SetDefault("network.probe_interval", d.Network.ProbeInterval)
	v.SetDefault("network.probe_timeout", d.Network.ProbeTimeout)

	v.SetDefault("arbitration.heartbeat", d.Arbitration.Heartbeat)
	v.SetDefault("arbitration.staleness", d.Arbitration.Staleness)
	v.SetDefault("arbitration.call_staleness", d.Arbitration.CallStaleness)
	v.SetDefault("arbitration.debounce", d.Arbitration.Debounce)

	v.SetDefault("worker.health_interval", d.Worker.HealthInterval)
	v.SetDefault("worker.coarse_interval", d.Worker.CoarseInterval)
	v.SetDefault("worker.load_timeout", d.Worker.LoadTimeout)
	v.SetDefault("worker.legacy_prefs", d.Worker.LegacyPrefs)
	v.SetDefault("worker.connect_timeout", d.Worker.ConnectTimeout)

	v.SetDefault("handoff.auto_answer_after", d.Handoff.AutoAnswerAfter)
	v.SetDefault("handoff.force_foreground", d.Handoff.ForceForeground)
	v.SetDefault("handoff.video", d.Handoff.Video)
	v.SetDefault("handoff.descriptor_staleness", d.Handoff.DescriptorStaleness)

	v.SetDefault("rtc.path", d.RTC.Path)
	v.SetDefault("rtc.insecure_skip_verify", d.RTC.InsecureSkipVerify)
	v.SetDefault("bridge.command", d.Bridge.Command)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	return v
}

func setBackoffDefaults(v *viper.Viper, prefix string, c backoff.Config) {
	v.SetDefault(prefix+".policy", c.Policy)
	v.SetDefault(prefix+".base", c.Base)
	v.SetDefault(prefix+".max", c.Max)
	v.SetDefault(prefix+".jitter", c.Jitter)
	v.SetDefault(prefix+".offset", c.Offset)
	v.SetDefault(prefix+".step", c.Step)
	v.SetDefault(prefix+".ceiling", c.Ceiling)
}

// ConfigFile returns the path to the config file that was loaded
func ConfigFile() string {
	v := viper.New()

	v.SetConfigName("rtckeep")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/rtckeep/")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "rtckeep"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".rtckeep"))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err == nil {
		return v.ConfigFileUsed()
	}
	return ""
}

// ReadEndpoint reads only the endpoint section of the file at path. It
// returns domain.ErrNotConfigured when the file has none.
func ReadEndpoint(path string) (domain.Endpoint, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return domain.Endpoint{}, err
	}
	if !v.IsSet("endpoint") {
		return domain.Endpoint{}, domain.ErrNotConfigured
	}
	var ep domain.Endpoint
	if err := v.UnmarshalKey("endpoint", &ep); err != nil {
		return domain.Endpoint{}, domain.NewConfigError("endpoint", fmt.Errorf("%w: %v", domain.ErrMalformedEndpoint, err))
	}
	return ep, nil
}
