package logger

// LoggingConfig controls where log entries go and at which level.
type LoggingConfig struct {
	DefaultLevel  string                  `yaml:"default_level" mapstructure:"default_level" json:"default_level"`
	Timezone      string                  `yaml:"timezone" mapstructure:"timezone" json:"timezone"` // "Local", "UTC" or IANA name
	Console       *ConsoleOutput          `yaml:"console" mapstructure:"console" json:"console"`
	FileOutput    *FileOutput             `yaml:"file_output" mapstructure:"file_output" json:"file_output"`
	ModuleOutputs map[string]ModuleOutput `yaml:"modules" mapstructure:"modules" json:"modules"`
	ModuleLevels  map[string]string       `yaml:"module_levels" mapstructure:"module_levels" json:"module_levels"`
}

type ConsoleOutput struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Level   string `yaml:"level" mapstructure:"level" json:"level"`
}

// FileOutput is the main JSON log file.
type FileOutput struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Path    string `yaml:"path" mapstructure:"path" json:"path"`
	Level   string `yaml:"level" mapstructure:"level" json:"level"`
	MaxSize int    `yaml:"max_size" mapstructure:"max_size" json:"max_size"` // MB, 0 disables rotation
}

// ModuleOutput routes one module to a dedicated file.
type ModuleOutput struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	FilePath    string `yaml:"file_path" mapstructure:"file_path" json:"file_path"`
	Level       string `yaml:"level" mapstructure:"level" json:"level"`
	ConsoleAlso bool   `yaml:"console_also" mapstructure:"console_also" json:"console_also"`
}

const (
	DefaultLogLevel      = "info"
	DefaultLogPath       = "logs/census.log"
	DefaultAccessLogPath = "logs/access.log"
	DefaultMaxSize       = 100
)

// applyConfigDefaults fills in missing sections so older config files keep
// logging instead of going silent.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg == nil {
		return
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}
	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{Enabled: true, Level: cfg.DefaultLevel}
	}
	if cfg.FileOutput == nil {
		cfg.FileOutput = &FileOutput{Enabled: false, Path: DefaultLogPath, Level: cfg.DefaultLevel, MaxSize: DefaultMaxSize}
	}
	if cfg.ModuleOutputs == nil {
		cfg.ModuleOutputs = make(map[string]ModuleOutput)
	}
}
