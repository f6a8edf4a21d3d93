package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/jobsupervisor/internal/driver"
	"github.com/seantiz/jobsupervisor/internal/model"
)

const (
	defaultListenAddr    = ":8001"
	defaultDBPath        = ":memory:"
	defaultOpTimeout     = 60 * time.Second
	defaultBindTimeout   = 30 * time.Second
	defaultParallelCores = 1

	envListenAddr    = "SUPERVISOR_LISTEN_ADDR"
	envDBPath        = "SUPERVISOR_DB_PATH"
	envLogLevel      = "SUPERVISOR_LOG_LEVEL"
	envConfigFile    = "SUPERVISOR_CONFIG"
	envOpTimeout     = "SUPERVISOR_OP_TIMEOUT"
	envBindTimeout   = "SUPERVISOR_BIND_TIMEOUT"
	envSelector      = "SUPERVISOR_SELECTOR"
	envParallelCores = "SUPERVISOR_PARALLEL_CORES"
	envAgents        = "SUPERVISOR_AGENTS"
)

// AgentConfig names one agent the supervisor accepts.
type AgentConfig struct {
	ID            string `yaml:"id"`
	ResourceClass string `yaml:"resource_class"`
}

// Config holds supervisor configuration. Values are layered:
// defaults < YAML file < environment < command-line flags.
type Config struct {
	ListenAddr string
	// DBPath is the SQLite journal path. Empty disables the journal.
	DBPath        string
	LogLevel      slog.Level
	ConfigFile    string
	OpTimeout     time.Duration
	BindTimeout   time.Duration
	Selector      string
	ParallelCores int
	// Slots and PollSeconds are keyed by resource class. Missing classes
	// fall back to the dispatcher and gateway defaults.
	Slots       map[string]int
	PollSeconds map[string]int
	Agents      []AgentConfig
}

// fileConfig is the YAML layout. Pointers distinguish unset from zero.
type fileConfig struct {
	ListenAddr    *string                `yaml:"listen_addr"`
	DBPath        *string                `yaml:"db_path"`
	LogLevel      *string                `yaml:"log_level"`
	OpTimeout     *string                `yaml:"op_timeout"`
	BindTimeout   *string                `yaml:"bind_timeout"`
	Selector      *string                `yaml:"selector"`
	ParallelCores *int                   `yaml:"parallel_cores"`
	Classes       map[string]classConfig `yaml:"classes"`
	Agents        []AgentConfig          `yaml:"agents"`
}

type classConfig struct {
	Slots       *int `yaml:"slots"`
	PollSeconds *int `yaml:"poll_seconds"`
}

// Default returns the built-in configuration: one agent per resource
// class named after the class.
func Default() Config {
	return Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		OpTimeout:     defaultOpTimeout,
		BindTimeout:   defaultBindTimeout,
		Selector:      driver.PolicyFirst,
		ParallelCores: defaultParallelCores,
		Slots:         map[string]int{},
		PollSeconds:   map[string]int{},
		Agents:        DefaultAgents(),
	}
}

// DefaultAgents returns the agents used when none are configured.
func DefaultAgents() []AgentConfig {
	agents := make([]AgentConfig, 0, len(model.ResourceClasses))
	for _, class := range model.ResourceClasses {
		agents = append(agents, AgentConfig{ID: class + "-0", ResourceClass: class})
	}
	return agents
}

// flagValues holds raw flag values until Load knows which were set.
type flagValues struct {
	listenAddr    string
	dbPath        string
	logLevel      string
	configFile    string
	opTimeout     time.Duration
	bindTimeout   time.Duration
	selector      string
	parallelCores int
	agents        []string
}

func (f *flagValues) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.listenAddr, "listen", defaultListenAddr, "HTTP listen address for front-end and agent traffic.")
	fs.StringVar(&f.dbPath, "db", defaultDBPath, `SQLite journal path; "" disables the journal.`)
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn or error.")
	fs.StringVar(&f.configFile, "config", "", "Path to a YAML configuration file.")
	fs.DurationVar(&f.opTimeout, "op-timeout", defaultOpTimeout, "How long a request waits for an agent reply.")
	fs.DurationVar(&f.bindTimeout, "bind-timeout", defaultBindTimeout, "How long a queued op waits for its agent to connect.")
	fs.StringVar(&f.selector, "selector", driver.PolicyFirst, "Agent selection policy: first or affinity.")
	fs.IntVar(&f.parallelCores, "parallel-cores", defaultParallelCores, "MPI cores granted to parallel jobs.")
	fs.StringArrayVar(&f.agents, "agent", nil, "Repeatable. Accepted agent as <id>=<resource class>.")
}

// Load builds the configuration from args (without the program name), the
// environment and the optional YAML file named by --config or
// SUPERVISOR_CONFIG.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("supervisor", pflag.ContinueOnError)
	var fv flagValues
	fv.register(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()

	cfg.ConfigFile = os.Getenv(envConfigFile)
	if fs.Changed("config") {
		cfg.ConfigFile = fv.configFile
	}
	if cfg.ConfigFile != "" {
		if err := cfg.loadFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if fs.Changed("listen") {
		cfg.ListenAddr = fv.listenAddr
	}
	if fs.Changed("db") {
		cfg.DBPath = fv.dbPath
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = parseLogLevel(fv.logLevel)
	}
	if fs.Changed("op-timeout") {
		cfg.OpTimeout = fv.opTimeout
	}
	if fs.Changed("bind-timeout") {
		cfg.BindTimeout = fv.bindTimeout
	}
	if fs.Changed("selector") {
		cfg.Selector = fv.selector
	}
	if fs.Changed("parallel-cores") {
		cfg.ParallelCores = fv.parallelCores
	}
	if fs.Changed("agent") {
		agents, err := parseAgents(fv.agents)
		if err != nil {
			return Config{}, fmt.Errorf("--agent: %w", err)
		}
		cfg.Agents = agents
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile merges the YAML file at path into c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.ListenAddr != nil {
		c.ListenAddr = *fc.ListenAddr
	}
	if fc.DBPath != nil {
		c.DBPath = *fc.DBPath
	}
	if fc.LogLevel != nil {
		c.LogLevel = parseLogLevel(*fc.LogLevel)
	}
	if fc.OpTimeout != nil {
		if c.OpTimeout, err = time.ParseDuration(*fc.OpTimeout); err != nil {
			return fmt.Errorf("parse config op_timeout: %w", err)
		}
	}
	if fc.BindTimeout != nil {
		if c.BindTimeout, err = time.ParseDuration(*fc.BindTimeout); err != nil {
			return fmt.Errorf("parse config bind_timeout: %w", err)
		}
	}
	if fc.Selector != nil {
		c.Selector = *fc.Selector
	}
	if fc.ParallelCores != nil {
		c.ParallelCores = *fc.ParallelCores
	}
	for class, cc := range fc.Classes {
		if !model.ValidClass(class) {
			return fmt.Errorf("config classes: unknown resource class %q", class)
		}
		if cc.Slots != nil {
			c.Slots[class] = *cc.Slots
		}
		if cc.PollSeconds != nil {
			c.PollSeconds[class] = *cc.PollSeconds
		}
	}
	if len(fc.Agents) > 0 {
		c.Agents = fc.Agents
	}
	return nil
}

// applyEnv overrides c with any SUPERVISOR_* variables that are set and
// non-empty.
func (c *Config) applyEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envOpTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envOpTimeout, err)
		}
		c.OpTimeout = d
	}
	if v := os.Getenv(envBindTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envBindTimeout, err)
		}
		c.BindTimeout = d
	}
	if v := os.Getenv(envSelector); v != "" {
		c.Selector = v
	}
	if v := os.Getenv(envParallelCores); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envParallelCores, err)
		}
		c.ParallelCores = n
	}
	if v := os.Getenv(envAgents); v != "" {
		agents, err := parseAgents(strings.Split(v, ","))
		if err != nil {
			return fmt.Errorf("%s: %w", envAgents, err)
		}
		c.Agents = agents
	}
	return nil
}

// Validate checks for values no component can run with.
func (c Config) Validate() error {
	if c.OpTimeout <= 0 {
		return fmt.Errorf("op timeout must be positive, got %s", c.OpTimeout)
	}
	if c.BindTimeout <= 0 {
		return fmt.Errorf("bind timeout must be positive, got %s", c.BindTimeout)
	}
	if c.ParallelCores < 1 {
		return fmt.Errorf("parallel cores must be at least 1, got %d", c.ParallelCores)
	}
	if _, err := driver.NewSelector(c.Selector); err != nil {
		return err
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents configured")
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("agent %q configured twice", a.ID)
		}
		seen[a.ID] = true
		if !model.ValidClass(a.ResourceClass) {
			return fmt.Errorf("agent %q: unknown resource class %q", a.ID, a.ResourceClass)
		}
	}
	return nil
}

// parseAgents parses <id>=<class> pairs.
func parseAgents(specs []string) ([]AgentConfig, error) {
	agents := make([]AgentConfig, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		id, class, ok := strings.Cut(spec, "=")
		if !ok || id == "" || class == "" {
			return nil, fmt.Errorf("agent %q must be <id>=<resource class>", spec)
		}
		agents = append(agents, AgentConfig{ID: id, ResourceClass: class})
	}
	return agents, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
