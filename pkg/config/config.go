package config

import (
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Config - корневая структура конфигурации клиента маршрутизации.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Server    ServerConfig    `yaml:"http-server"`
	Client    ClientConfig    `yaml:"client"`
	Retry     RetryConfig     `yaml:"retry"`
	Directory DirectoryConfig `yaml:"directory"`
	Transport TransportConfig `yaml:"transport"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// ClientConfig holds the knobs of the location cache and the invokers.
type ClientConfig struct {
	MasterLookupPermits   int      `yaml:"master_lookup_permits"`
	PermitWaitDelay       Duration `yaml:"permit_wait_delay"`
	FailedReplicaCooldown Duration `yaml:"failed_replica_cooldown"`
	RPCTimeout            Duration `yaml:"rpc_timeout"`
	OperationTimeout      Duration `yaml:"operation_timeout"`
	LookupGroupSize       int      `yaml:"lookup_group_size"`
	LocalServerID         string   `yaml:"local_server_id"`
	LocalServerAddr       string   `yaml:"local_server_addr"`
}

type RetryConfig struct {
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
}

const (
	DirectoryZooKeeper = "zookeeper"
	DirectoryHTTP      = "http"
)

type DirectoryConfig struct {
	Kind             string   `yaml:"kind"`
	ZKServers        []string `yaml:"zk_servers"`
	ZKRoot           string   `yaml:"zk_root"`
	ZKSessionTimeout Duration `yaml:"zk_session_timeout"`
	MasterURL        string   `yaml:"master_url"`
}

type TransportConfig struct {
	Scheme string `yaml:"scheme"`
}

// Duration is a time.Duration written as "150ms", "5s", ... in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8090,
		},
		Client: ClientConfig{
			MasterLookupPermits:   50,
			PermitWaitDelay:       Duration(100 * time.Millisecond),
			FailedReplicaCooldown: Duration(60 * time.Second),
			RPCTimeout:            Duration(2 * time.Second),
			OperationTimeout:      Duration(15 * time.Second),
			LookupGroupSize:       16,
		},
		Retry: RetryConfig{
			InitialBackoff: Duration(10 * time.Millisecond),
			MaxBackoff:     Duration(time.Second),
			Multiplier:     2,
		},
		Directory: DirectoryConfig{
			Kind:             DirectoryZooKeeper,
			ZKServers:        []string{"127.0.0.1:2181"},
			ZKRoot:           "/routeclient",
			ZKSessionTimeout: Duration(5 * time.Second),
			MasterURL:        "http://127.0.0.1:7100",
		},
		Transport: TransportConfig{
			Scheme: "http",
		},
	}
}

// Load читает YAML поверх Default(). Если файла нет, возвращается Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return errors.Errorf("logger.level: unsupported level %q", c.Logger.Level)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("http-server.port: %d out of range", c.Server.Port)
	}
	if c.Client.MasterLookupPermits <= 0 {
		return errors.New("client.master_lookup_permits must be positive")
	}
	if c.Client.LookupGroupSize < 0 {
		return errors.New("client.lookup_group_size must not be negative")
	}
	if c.Client.RPCTimeout <= 0 || c.Client.OperationTimeout <= 0 {
		return errors.New("client.rpc_timeout and client.operation_timeout must be positive")
	}
	if c.Client.PermitWaitDelay < 0 || c.Client.FailedReplicaCooldown < 0 {
		return errors.New("client delays must not be negative")
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return errors.New("retry: need 0 < initial_backoff <= max_backoff")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}
	if c.Client.LocalServerID != "" && c.Client.LocalServerAddr == "" {
		return errors.New("client.local_server_addr is required with client.local_server_id")
	}
	switch c.Directory.Kind {
	case DirectoryZooKeeper:
		if len(c.Directory.ZKServers) == 0 {
			return errors.New("directory.zk_servers is empty")
		}
		if !strings.HasPrefix(c.Directory.ZKRoot, "/") {
			return errors.Errorf("directory.zk_root %q must be absolute", c.Directory.ZKRoot)
		}
	case DirectoryHTTP:
		if c.Directory.MasterURL == "" {
			return errors.New("directory.master_url is empty")
		}
	default:
		return errors.Errorf("directory.kind: unknown kind %q", c.Directory.Kind)
	}
	return nil
}
