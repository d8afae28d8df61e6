// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"optibatch/internal/domain"
	"optibatch/internal/infra/store"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. OPTIBATCH_WORK_DIR.
const EnvPrefix = "OPTIBATCH"

// Config holds all configuration for the application.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	LogLevel       string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	HttpListenAddr string `mapstructure:"http_listen_addr" validate:"required"`
	ExecutionHost  string `mapstructure:"execution_host"`

	// WorkDir holds one folder per batch.
	WorkDir      string `mapstructure:"work_dir" validate:"required"`
	TerminalPath string `mapstructure:"terminal_path"`
	TesterLogDir string `mapstructure:"tester_log_dir"`
	// ReportInbox is where the report exporter drops <unit>.xml files.
	ReportInbox       string        `mapstructure:"report_inbox"`
	ReportWait        time.Duration `mapstructure:"report_wait" validate:"gte=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" validate:"gt=0"`
	ConfigEncoding    string        `mapstructure:"config_encoding" validate:"oneof=utf-16le utf-8"`

	Database store.Config `mapstructure:"database"`

	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout"`

	Schedules []domain.Schedule `mapstructure:"schedules" validate:"dive"`

	// TraceOutput is "stdout", "none" or a file path for span export.
	TraceOutput string `mapstructure:"trace_output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("work_dir", "./batches")
	v.SetDefault("report_wait", "2m")
	v.SetDefault("poll_interval", "2s")
	v.SetDefault("inactivity_timeout", "10m")
	v.SetDefault("config_encoding", "utf-16le")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "optibatch.db")
	v.SetDefault("database.log_sql", false)
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("trace_output", "none")
}

// Load reads optibatch.yaml from ./configs or the working directory, or the
// file at path when it is set, and applies OPTIBATCH_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("optibatch")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, &domain.ConfigError{Path: path, Err: err}
		}
		// Defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &domain.ConfigError{Path: v.ConfigFileUsed(), Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &domain.ConfigError{Path: v.ConfigFileUsed(), Err: err}
	}
	return &cfg, nil
}

// Validate checks field constraints and every schedule.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	for i := range c.Schedules {
		if err := c.Schedules[i].Validate(); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
	}
	return nil
}

// CanLaunch reports whether the tester can be driven from this host.
func (c *Config) CanLaunch() error {
	if c.TerminalPath == "" {
		return errors.New("terminal_path is not configured")
	}
	if c.TesterLogDir == "" {
		return errors.New("tester_log_dir is not configured")
	}
	return nil
}
