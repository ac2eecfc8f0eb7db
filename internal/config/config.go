// internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	BackendKubernetes = "kubernetes"
	BackendEtcd       = "etcd"

	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Config holds all configuration for the dispatcher and the worker.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	// Dispatcher side
	HttpListenAddr  string `mapstructure:"http_listen_addr" validate:"required"`
	ClusterBackend  string `mapstructure:"cluster_backend" validate:"required,oneof=kubernetes etcd"`
	WorkerPattern   string `mapstructure:"worker_pattern" validate:"required,regexp"`
	WorkerProtocol  string `mapstructure:"worker_protocol" validate:"required,oneof=grpc http"`
	WorkerPort      int    `mapstructure:"worker_port" validate:"gte=1,lte=65535"`
	MaxPayloadBytes int64  `mapstructure:"max_payload_bytes" validate:"gt=0"`
	MaxResultBytes  int    `mapstructure:"max_result_bytes" validate:"gt=0"`
	InFlightAware   bool   `mapstructure:"inflight_aware"`

	// Kubernetes backend
	Kubeconfig    string `mapstructure:"kubeconfig"`
	KubeNamespace string `mapstructure:"kube_namespace" validate:"required_if=ClusterBackend kubernetes"`

	// Etcd backend
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints" validate:"required_if=ClusterBackend etcd,dive,required"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`

	// Worker side
	WorkerName          string        `mapstructure:"worker_name"`
	WorkerGrpcAddr      string        `mapstructure:"worker_grpc_addr" validate:"required"`
	WorkerHttpAddr      string        `mapstructure:"worker_http_addr"`
	WorkerAdvertiseAddr string        `mapstructure:"worker_advertise_addr"`
	WorkerInterpreter   []string      `mapstructure:"worker_interpreter" validate:"min=1,dive,required"`
	WorkerScriptExt     string        `mapstructure:"worker_script_ext"`
	WorkerStagingDir    string        `mapstructure:"worker_staging_dir"`
	UsageReportSchedule string        `mapstructure:"usage_report_schedule" validate:"required"`
	RegistrationTTL     time.Duration `mapstructure:"registration_ttl" validate:"gte=1s"`

	// Logging
	LogLevel      string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" validate:"gte=0"`
	LogMaxBackups int    `mapstructure:"log_max_backups" validate:"gte=0"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days" validate:"gte=0"`

	// Tracing
	TraceOutput string `mapstructure:"trace_output" validate:"oneof=stdout stderr discard"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("http_listen_addr", ":8000")
	v.SetDefault("cluster_backend", BackendKubernetes)
	v.SetDefault("worker_pattern", "^proxy-worker-")
	v.SetDefault("worker_protocol", ProtocolGRPC)
	v.SetDefault("worker_port", 0) // 0 follows worker_protocol, see defaultWorkerPort
	v.SetDefault("max_payload_bytes", 32<<20)
	v.SetDefault("max_result_bytes", 256<<20)
	v.SetDefault("inflight_aware", false)
	v.SetDefault("kubeconfig", "")
	v.SetDefault("kube_namespace", "default")
	v.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("worker_name", "")
	v.SetDefault("worker_grpc_addr", ":50052")
	v.SetDefault("worker_http_addr", ":8080")
	v.SetDefault("worker_advertise_addr", "")
	v.SetDefault("worker_staging_dir", "")
	v.SetDefault("worker_interpreter", []string{"python"})
	v.SetDefault("worker_script_ext", ".py")
	v.SetDefault("usage_report_schedule", "@every 5s")
	v.SetDefault("registration_ttl", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 28)
	v.SetDefault("trace_output", "stdout")

	// Set config file details
	v.SetConfigName("config")    // name of config file (without extension)
	v.SetConfigType("yaml")      // or "json", "toml"
	v.AddConfigPath("./configs") // path to look for the config file in
	v.AddConfigPath(".")         // optionally look for config in the working directory

	// Read environment variables
	v.AutomaticEnv()

	// Read the config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerPort == 0 {
		cfg.WorkerPort = defaultWorkerPort(cfg.WorkerProtocol)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	_ = validate.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})

	if err := validate.Struct(c); err != nil {
		var details []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, e := range verrs {
				details = append(details, fmt.Sprintf("field '%s' failed on the '%s' tag", e.Field(), e.Tag()))
			}
			return fmt.Errorf("invalid configuration: %v", details)
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// defaultWorkerPort is the port workers listen on out of the box for protocol.
func defaultWorkerPort(protocol string) int {
	if protocol == ProtocolHTTP {
		return 8080
	}
	return 50052
}

// WorkerNameMatches reports whether name would pass the dispatcher's worker filter.
func (c *Config) WorkerNameMatches(name string) bool {
	re, err := regexp.Compile(c.WorkerPattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}
