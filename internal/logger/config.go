package logger

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds logging configuration
type Config struct {
	Level          string `yaml:"level"`
	ConsoleEnabled *bool  `yaml:"console_enabled"`
	ConsoleFormat  string `yaml:"console_format"`
	FileEnabled    bool   `yaml:"file_enabled"`
	FilePath       string `yaml:"file_path"`
	FileFormat     string `yaml:"file_format"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxBackups int    `yaml:"file_max_backups"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
	FileCompress   bool   `yaml:"file_compress"`
}

type loggingFile struct {
	Logging Config `yaml:"logging"`
}

// DefaultConfig logs INFO as text to the console only.
func DefaultConfig() Config {
	enabled := true
	return Config{
		Level:          "INFO",
		ConsoleEnabled: &enabled,
		ConsoleFormat:  "text",
		FilePath:       "logs/tileforge.log",
		FileFormat:     "json",
		FileMaxSizeMB:  10,
		FileMaxBackups: 5,
		FileMaxAgeDays: 30,
	}
}

// LoadConfig reads the "logging" section of a YAML file over the defaults and
// then applies LOG_* environment overrides. A missing file is not an error.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			var file loggingFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return config, err
			}
			merge(&config, file.Logging)
		case !os.IsNotExist(err):
			return config, err
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.Level = logLevel
	}
	if consoleFormat := os.Getenv("LOG_CONSOLE_FORMAT"); consoleFormat != "" {
		config.ConsoleFormat = consoleFormat
	}
	if fileEnabled := os.Getenv("LOG_FILE_ENABLED"); fileEnabled != "" {
		if enabled, err := strconv.ParseBool(fileEnabled); err == nil {
			config.FileEnabled = enabled
		}
	}
	if filePath := os.Getenv("LOG_FILE_PATH"); filePath != "" {
		config.FilePath = filePath
	}

	return config, nil
}

func merge(dst *Config, src Config) {
	if src.Level != "" {
		dst.Level = src.Level
	}
	if src.ConsoleEnabled != nil {
		dst.ConsoleEnabled = src.ConsoleEnabled
	}
	if src.ConsoleFormat != "" {
		dst.ConsoleFormat = src.ConsoleFormat
	}
	dst.FileEnabled = src.FileEnabled
	if src.FilePath != "" {
		dst.FilePath = src.FilePath
	}
	if src.FileFormat != "" {
		dst.FileFormat = src.FileFormat
	}
	if src.FileMaxSizeMB > 0 {
		dst.FileMaxSizeMB = src.FileMaxSizeMB
	}
	if src.FileMaxBackups > 0 {
		dst.FileMaxBackups = src.FileMaxBackups
	}
	if src.FileMaxAgeDays > 0 {
		dst.FileMaxAgeDays = src.FileMaxAgeDays
	}
	dst.FileCompress = src.FileCompress
}
