// config.go: settings struct for the census backend and the viper based loader.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// DatabaseSettings selects and configures the SQL backend.
type DatabaseSettings struct {
	Type   string // sqlite, mysql or postgres
	SQLite struct {
		Path string // path to database file
	}
	MySQL struct {
		Host     string
		Port     string
		Username string
		Password string
		Database string
	}
	Postgres struct {
		Host     string
		Port     string
		Username string
		Password string
		Database string
		SSLMode  string
	}
	MaxOpenConns       int           // 0 uses the driver default; sqlite is always 1
	SlowQueryThreshold time.Duration // queries slower than this are logged at warn
}

// StorageSettings controls where uploaded audio lives and what is accepted.
type StorageSettings struct {
	Path                string   // root directory for recordings
	MaxFileSize         int64    // bytes
	AllowedExtensions   []string // lower case, without dot
	AutoRegisterDevices bool     // create unknown devices on first upload
}

type RateLimitSettings struct {
	Enabled bool
	RPS     float64 // uploads per second per device
	Burst   int
}

type WebServerSettings struct {
	Host      string
	Port      string
	RateLimit RateLimitSettings
}

// StaticRule maps a species to a fixed confidence for the static classifier.
type StaticRule struct {
	Species    string  `yaml:"species"`
	CommonName string  `yaml:"commonname"`
	Confidence float64 `yaml:"confidence"`
}

// ClassifierSettings selects the classifier implementation.
type ClassifierSettings struct {
	Type           string        // birdnet, remote or static
	ModelPath      string        // BirdNET tflite model
	LabelPath      string        // label file, "Scientific_Common" per line
	RangeModelPath string        // optional location meta model
	RangeThreshold float64       // species below this occurrence score are dropped
	Sensitivity    float64       // sigmoid sensitivity, 0.5 - 1.5
	Threads        int           // tflite interpreter threads, 0 = all cores
	Timeout        time.Duration // per window classification timeout
	Remote         struct {
		URL    string
		APIKey string
	}
	Static struct {
		Rules []StaticRule
	}
}

// PipelineSettings controls decoding, segmentation and filtering.
type PipelineSettings struct {
	SampleRate   int
	Channels     int
	WindowLength float64 // seconds
	Overlap      float64 // fraction of window length, [0, 1)
	Threshold    float64 // minimum confidence kept
	MaxResults   int     // per window
	Latitude     float64 // fallback when a recording has no location
	Longitude    float64
}

type WorkerSettings struct {
	Enabled      bool
	Workers      int
	PollInterval time.Duration
	QueueSize    int
	JobTimeout   time.Duration
	BatchSize    int // recordings fetched per poll
}

type DeviceSettings struct {
	OnlineWindow time.Duration // a device is online if seen within this window
}

type MQTTSettings struct {
	Enabled  bool
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

type SentrySettings struct {
	Enabled bool
	DSN     string
}

// EdgeSettings configures the on-device uploader.
type EdgeSettings struct {
	DeviceID     string
	WatchDir     string
	StateFile    string        // JSON file with already synced files
	MinAge       time.Duration // files younger than this may still be written
	Schedule     string        // cron expression for "edge run"
	DeleteAfter  bool          // remove local files after a successful upload
	Method       string        // http, sftp or ftp
	CheckIn      bool          // heartbeat to the backend after each sync
	Latitude     float64
	Longitude    float64
	HTTP         struct {
		URL     string // backend base URL, e.g. http://census:8080
		APIKey  string
		Timeout time.Duration
	}
	SFTP struct {
		Host           string
		Port           int
		Username       string
		Password       string
		KeyFile        string
		KnownHostsFile string
		Path           string
		Timeout        time.Duration
	}
	FTP struct {
		Host     string
		Port     int
		Username string
		Password string
		Path     string
		Timeout  time.Duration
	}
}

// Settings is the complete runtime configuration.
type Settings struct {
	Debug bool

	Version   string `yaml:"-"`
	BuildDate string `yaml:"-"`

	Logging    logger.LoggingConfig
	Database   DatabaseSettings
	Storage    StorageSettings
	WebServer  WebServerSettings
	Classifier ClassifierSettings
	Pipeline   PipelineSettings
	Worker     WorkerSettings
	Devices    DeviceSettings
	MQTT       MQTTSettings
	Sentry     SentrySettings
	Edge       EdgeSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads config.yaml and the environment into a validated Settings.
// A missing config file is not an error; defaults apply.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settings, nil
}

func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	for _, path := range GetDefaultConfigPaths() {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "bind_env").
			Build()
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "read_config").
			Build()
	}
	return nil
}

// GetSettings returns the settings from the last successful Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SetSettings replaces the current settings; intended for tests and CLI overrides.
func SetSettings(s *Settings) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	settingsInstance = s
}

// DefaultConfig returns the embedded default config.yaml.
func DefaultConfig() ([]byte, error) {
	return fs.ReadFile(configFiles, "config.yaml")
}

// WriteDefaultConfig writes the embedded defaults to path, refusing to
// overwrite an existing file unless force is set.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return errors.Newf("config file %s already exists", path).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	data, err := DefaultConfig()
	if err != nil {
		return err
	}

	// Make sure the embedded file still parses before handing it to the user.
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("embedded default config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.FileError(err, path, 0).
			Component("conf").
			Build()
	}
	return os.WriteFile(path, data, 0o600)
}

// SaveYAMLConfig writes settings to path atomically.
func SaveYAMLConfig(path string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("error writing temporary config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
