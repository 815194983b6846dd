package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"

	"yqhp/sysarray/internal/mediator"
	"yqhp/sysarray/internal/parallel"
	"yqhp/sysarray/internal/store"
	"yqhp/sysarray/internal/system"
	"yqhp/sysarray/pkg/logger"
)

// Config represents the complete configuration of a sysarray node.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Array    ArrayConfig    `yaml:"array"`
	Parallel ParallelConfig `yaml:"parallel"`
	Slave    SlaveConfig    `yaml:"slave"`
	Mediator MediatorConfig `yaml:"mediator"`
	Store    StoreConfig    `yaml:"store"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NodeConfig names this process.
type NodeConfig struct {
	Name string `yaml:"name" env:"SA_NODE_NAME"`
}

// ArrayConfig holds the master side of a node: where children connect and
// which peers are dialed.
type ArrayConfig struct {
	Listen      string              `yaml:"listen" env:"SA_ARRAY_LISTEN"`
	Transport   string              `yaml:"transport" env:"SA_ARRAY_TRANSPORT"`
	Path        string              `yaml:"path" env:"SA_ARRAY_PATH"`
	DialTimeout time.Duration       `yaml:"dial_timeout" env:"SA_ARRAY_DIAL_TIMEOUT"`
	Peers       []system.Descriptor `yaml:"peers"`
}

// ParallelConfig tunes segmented rounds.
type ParallelConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"SA_PARALLEL_TIMEOUT"`
	OptimizeEvery int           `yaml:"optimize_every" env:"SA_PARALLEL_OPTIMIZE_EVERY"`
	HistorySize   int           `yaml:"history_size" env:"SA_PARALLEL_HISTORY_SIZE"`
	Genetic       GeneticConfig `yaml:"genetic"`
}

// GeneticConfig tunes the allocation optimizer.
type GeneticConfig struct {
	PopulationSize int     `yaml:"population_size" env:"SA_GENETIC_POPULATION_SIZE"`
	Generations    int     `yaml:"generations" env:"SA_GENETIC_GENERATIONS"`
	MutationRate   float64 `yaml:"mutation_rate" env:"SA_GENETIC_MUTATION_RATE"`
	Tournament     int     `yaml:"tournament" env:"SA_GENETIC_TOURNAMENT"`
}

// SlaveConfig holds the worker side of a node.
type SlaveConfig struct {
	// Mode is client (dial the master) or server (wait for it).
	Mode          string   `yaml:"mode" env:"SA_SLAVE_MODE"`
	MasterAddr    string   `yaml:"master_addr" env:"SA_SLAVE_MASTER_ADDR"`
	ListenAddress string   `yaml:"listen_address" env:"SA_SLAVE_LISTEN_ADDRESS"`
	Transport     string   `yaml:"transport" env:"SA_SLAVE_TRANSPORT"`
	Path          string   `yaml:"path" env:"SA_SLAVE_PATH"`
	Roles         []string `yaml:"roles" env:"SA_SLAVE_ROLES"`
}

// MediatorConfig holds how a mediator forwards to its sub-array.
type MediatorConfig struct {
	Role    string        `yaml:"role" env:"SA_MEDIATOR_ROLE"`
	Timeout time.Duration `yaml:"timeout" env:"SA_MEDIATOR_TIMEOUT"`
}

// StoreConfig selects where performance indices survive restarts: memory,
// redis, mysql or postgres.
type StoreConfig struct {
	Driver string      `yaml:"driver" env:"SA_STORE_DRIVER"`
	Redis  RedisConfig `yaml:"redis"`
	SQL    SQLConfig   `yaml:"sql"`
}

// SQLConfig addresses the database of the mysql and postgres drivers.
type SQLConfig struct {
	Host            string `yaml:"host" env:"SA_SQL_HOST"`
	Port            int    `yaml:"port" env:"SA_SQL_PORT"`
	Username        string `yaml:"username" env:"SA_SQL_USERNAME"`
	Password        string `yaml:"password" env:"SA_SQL_PASSWORD"`
	Database        string `yaml:"database" env:"SA_SQL_DATABASE"`
	Charset         string `yaml:"charset" env:"SA_SQL_CHARSET"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"SA_SQL_MAX_IDLE_CONNS"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"SA_SQL_MAX_OPEN_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"SA_SQL_CONN_MAX_LIFETIME"`
}

// RedisConfig addresses the redis server of the redis driver.
type RedisConfig struct {
	Host     string `yaml:"host" env:"SA_REDIS_HOST"`
	Port     int    `yaml:"port" env:"SA_REDIS_PORT"`
	Password string `yaml:"password" env:"SA_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"SA_REDIS_DB"`
	Key      string `yaml:"key" env:"SA_REDIS_KEY"`
}

// APIConfig holds the status API server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" env:"SA_API_ENABLED"`
	Address string `yaml:"address" env:"SA_API_ADDRESS"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"SA_LOG_LEVEL"`
	Format     string `yaml:"format" env:"SA_LOG_FORMAT"`
	Output     string `yaml:"output" env:"SA_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"SA_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"SA_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"SA_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"SA_LOG_MAX_AGE"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	p := parallel.DefaultConfig()
	host, _ := os.Hostname()
	return &Config{
		Node: NodeConfig{Name: host},
		Array: ArrayConfig{
			Listen:      ":7700",
			Transport:   system.TransportTCP,
			Path:        "/ws",
			DialTimeout: 5 * time.Second,
		},
		Parallel: ParallelConfig{
			Timeout:       p.Timeout,
			OptimizeEvery: p.OptimizeEvery,
			HistorySize:   p.HistorySize,
			Genetic: GeneticConfig{
				PopulationSize: p.Genetic.PopulationSize,
				Generations:    p.Genetic.Generations,
				MutationRate:   p.Genetic.MutationRate,
				Tournament:     p.Genetic.Tournament,
			},
		},
		Slave: SlaveConfig{
			Mode:          "client",
			MasterAddr:    "localhost:7700",
			ListenAddress: ":7701",
			Transport:     system.TransportTCP,
			Path:          "/ws",
			Roles:         []string{"primes"},
		},
		Mediator: MediatorConfig{
			Timeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Host: "localhost",
				Port: 6379,
				Key:  store.DefaultRedisKey,
			},
			SQL: SQLConfig{
				Host:            "localhost",
				Charset:         "utf8mb4",
				MaxIdleConns:    2,
				MaxOpenConns:    10,
				ConnMaxLifetime: 3600,
			},
		},
		API: APIConfig{
			Enabled: true,
			Address: ":7780",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// ParallelOptions converts the section into round settings.
func (c *ParallelConfig) ParallelOptions() parallel.Config {
	var out parallel.Config
	_ = copier.Copy(&out, c)
	_ = copier.Copy(&out.Genetic, &c.Genetic)
	out.Genetic.Unique = false
	return out
}

// MediatorOptions converts the section into mediator settings.
func (c *Config) MediatorOptions() mediator.Config {
	return mediator.Config{
		Roles:   c.Slave.Roles,
		Role:    c.Mediator.Role,
		Timeout: c.Mediator.Timeout,
	}
}

// RedisOptions converts the section into the redis store settings.
func (c *StoreConfig) RedisOptions() *store.RedisConfig {
	out := &store.RedisConfig{}
	_ = copier.Copy(out, &c.Redis)
	return out
}

// SQLOptions converts the section into the sql store settings.
func (c *StoreConfig) SQLOptions() *store.SQLConfig {
	out := &store.SQLConfig{Driver: c.Driver}
	_ = copier.Copy(out, &c.SQL)
	return out
}

// LoggerOptions converts the section into logger settings.
func (c *LoggingConfig) LoggerOptions() *logger.Config {
	out := &logger.Config{}
	_ = copier.Copy(out, c)
	return out
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "SA_",
		lookupEnv: os.LookupEnv,
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix replaces the SA_ prefix of every env tag.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnv sets the environment lookup, os.LookupEnv by default.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// WithCmdArgs sets dot-path overrides such as "parallel.timeout=10s".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line overrides
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("override %s: %w", key, err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		if l.envPrefix != "SA_" {
			envTag = l.envPrefix + strings.TrimPrefix(envTag, "SA_")
		}

		envValue, ok := l.lookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("%s -> %s: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by its dotted yaml path.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("%s is %s, not a section", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(f.Name, strings.ReplaceAll(name, "_", "")) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma-separated
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
