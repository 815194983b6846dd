package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/sysarray/internal/system"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields returns the paths of the failed fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

var (
	transports = []string{system.TransportTCP, system.TransportWebSocket}
	slaveModes = []string{"client", "server"}
	drivers    = []string{"memory", "redis", "mysql", "postgres"}
	levels     = []string{"debug", "info", "warn", "error"}
	formats    = []string{"console", "json"}
	outputs    = []string{"stdout", "file", "both"}
)

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	v.validateArray(&cfg.Array)
	v.validateParallel(&cfg.Parallel)
	v.validateSlave(&cfg.Slave)
	v.validateMediator(&cfg.Mediator)
	v.validateStore(&cfg.Store)
	v.validateAPI(&cfg.API)
	v.validateLogging(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateArray(cfg *ArrayConfig) {
	if cfg.Listen != "" && !isValidAddress(cfg.Listen) {
		v.addError("array.listen", "invalid address format, expected host:port or :port")
	}
	if !slice.Contain(transports, cfg.Transport) {
		v.addError("array.transport", fmt.Sprintf("invalid transport '%s', must be one of: %s", cfg.Transport, strings.Join(transports, ", ")))
	}
	if cfg.DialTimeout < 0 {
		v.addError("array.dial_timeout", "dial timeout must be non-negative")
	}

	seen := make(map[string]bool, len(cfg.Peers))
	for i, p := range cfg.Peers {
		field := fmt.Sprintf("array.peers[%d]", i)
		if p.Name == "" {
			v.addError(field+".name", "peer name is required")
		} else if seen[p.Name] {
			v.addError(field+".name", fmt.Sprintf("duplicate peer name '%s'", p.Name))
		}
		seen[p.Name] = true

		if p.Transport != "" && !slice.Contain(transports, p.Transport) {
			v.addError(field+".transport", fmt.Sprintf("invalid transport '%s'", p.Transport))
		}
		if p.Address == "" {
			v.addError(field+".address", "peer address is required")
		}
	}
}

func (v *Validator) validateParallel(cfg *ParallelConfig) {
	if cfg.Timeout < 0 {
		v.addError("parallel.timeout", "timeout must be non-negative")
	}
	if cfg.OptimizeEvery < 0 {
		v.addError("parallel.optimize_every", "optimize_every must be non-negative")
	}
	if cfg.HistorySize < 1 {
		v.addError("parallel.history_size", "history size must be at least 1")
	}
	if cfg.OptimizeEvery > 0 {
		g := cfg.Genetic
		if g.PopulationSize < 2 {
			v.addError("parallel.genetic.population_size", "population size must be at least 2")
		}
		if g.Generations < 1 {
			v.addError("parallel.genetic.generations", "generations must be positive")
		}
		if g.MutationRate < 0 || g.MutationRate > 1 {
			v.addError("parallel.genetic.mutation_rate", "mutation rate must be within [0, 1]")
		}
		if g.Tournament < 1 {
			v.addError("parallel.genetic.tournament", "tournament size must be positive")
		}
	}
}

func (v *Validator) validateSlave(cfg *SlaveConfig) {
	if !slice.Contain(slaveModes, cfg.Mode) {
		v.addError("slave.mode", fmt.Sprintf("invalid slave mode '%s', must be one of: client, server", cfg.Mode))
	}
	if cfg.Mode == "client" && !isValidAddress(cfg.MasterAddr) {
		v.addError("slave.master_addr", "invalid master address format, expected host:port")
	}
	if cfg.Mode == "server" && !isValidAddress(cfg.ListenAddress) {
		v.addError("slave.listen_address", "invalid listen address format, expected host:port or :port")
	}
	if !slice.Contain(transports, cfg.Transport) {
		v.addError("slave.transport", fmt.Sprintf("invalid transport '%s'", cfg.Transport))
	}
	if len(slice.Unique(cfg.Roles)) != len(cfg.Roles) {
		v.addError("slave.roles", "roles must be unique")
	}
}

func (v *Validator) validateMediator(cfg *MediatorConfig) {
	if cfg.Timeout < 0 {
		v.addError("mediator.timeout", "timeout must be non-negative")
	}
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	if !slice.Contain(drivers, cfg.Driver) {
		v.addError("store.driver", fmt.Sprintf("invalid store driver '%s', must be one of: %s", cfg.Driver, strings.Join(drivers, ", ")))
	}
	if cfg.Driver == "redis" {
		if cfg.Redis.Host == "" {
			v.addError("store.redis.host", "redis host is required")
		}
		if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
			v.addError("store.redis.port", "redis port must be within 1-65535")
		}
	}
	if cfg.Driver == "mysql" || cfg.Driver == "postgres" {
		if cfg.SQL.Host == "" {
			v.addError("store.sql.host", "database host is required")
		}
		if cfg.SQL.Port <= 0 || cfg.SQL.Port > 65535 {
			v.addError("store.sql.port", "database port must be within 1-65535")
		}
		if cfg.SQL.Database == "" {
			v.addError("store.sql.database", "database name is required")
		}
	}
}

func (v *Validator) validateAPI(cfg *APIConfig) {
	if cfg.Enabled && !isValidAddress(cfg.Address) {
		v.addError("api.address", "invalid address format, expected host:port or :port")
	}
}

func (v *Validator) validateLogging(cfg *LoggingConfig) {
	if !slice.Contain(levels, strings.ToLower(cfg.Level)) {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: %s", cfg.Level, strings.Join(levels, ", ")))
	}
	if !slice.Contain(formats, strings.ToLower(cfg.Format)) {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: console, json", cfg.Format))
	}
	if !slice.Contain(outputs, cfg.Output) {
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, file, both", cfg.Output))
	}
	if cfg.Output != "stdout" && cfg.FilePath == "" {
		v.addError("logging.file_path", "file path is required for file output")
	}
}

// isValidAddress checks for host:port or :port with a numeric or named port.
func isValidAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	if host == "" || net.ParseIP(host) != nil {
		return true
	}
	return isValidHostname(host)
}

func isValidHostname(hostname string) bool {
	if len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for i := 0; i < len(label); i++ {
			if !isAlphanumeric(label[i]) && label[i] != '-' {
				return false
			}
		}
	}
	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
