package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds warden configuration loaded from ~/.warden/config.yaml.
type Config struct {
	Gateway    Gateway    `yaml:"gateway"`
	Paths      Paths      `yaml:"paths"`
	Supervisor Supervisor `yaml:"supervisor"`
	Health     Health     `yaml:"health"`
	Log        Log        `yaml:"log"`
	Journal    Journal    `yaml:"journal"`
}

// Gateway describes the managed process and how to invoke it.
type Gateway struct {
	Command  string   `yaml:"command"`            // preferred executable
	Fallback []string `yaml:"fallback,omitempty"` // alternate invocation of the same program
	Args     []string `yaml:"args,omitempty"`     // {host} and {port} are substituted
	StopArgs []string `yaml:"stop_args,omitempty"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Token    string   `yaml:"token,omitempty"`
	TokenEnv string   `yaml:"token_env,omitempty"`
	EnvFile  string   `yaml:"env_file,omitempty"`
	WorkDir  string   `yaml:"working_dir,omitempty"`
}

// Paths are exported into the managed process environment.
type Paths struct {
	Config       string `yaml:"config,omitempty"`
	StateDir     string `yaml:"state_dir,omitempty"`
	Workspace    string `yaml:"workspace,omitempty"`
	ConfigEnv    string `yaml:"config_env,omitempty"`
	StateDirEnv  string `yaml:"state_dir_env,omitempty"`
	WorkspaceEnv string `yaml:"workspace_env,omitempty"`
}

// Supervisor holds lifecycle policy.
type Supervisor struct {
	StateDir           string   `yaml:"state_dir,omitempty"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout,omitempty"`
	ReadyTimeout       Duration `yaml:"ready_timeout,omitempty"`
	StopCommandTimeout Duration `yaml:"stop_command_timeout,omitempty"`
	RestartBase        Duration `yaml:"restart_base,omitempty"`
	RestartCap         Duration `yaml:"restart_cap,omitempty"`
	ReconcileInterval  Duration `yaml:"reconcile_interval,omitempty"`
	ProbeTimeout       Duration `yaml:"probe_timeout,omitempty"`
	ProbeInterval      Duration `yaml:"probe_interval,omitempty"`
	ZombieTimeout      Duration `yaml:"zombie_timeout,omitempty"`
	ZombieParents      []string `yaml:"zombie_parents,omitempty"`
}

// Health configures the periodic liveness monitor that runs while the gateway is up.
type Health struct {
	Interval           Duration `yaml:"interval,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold,omitempty"`
	RestartOnUnhealthy bool     `yaml:"restart_on_unhealthy,omitempty"`
}

// Log configures supervisor logging and the gateway output file.
type Log struct {
	Level      string `yaml:"level,omitempty"`
	Format     string `yaml:"format,omitempty"` // "auto" | "text" | "json"
	File       string `yaml:"file,omitempty"`   // gateway stdout/stderr, rotated
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
	BufLines   int    `yaml:"buf_lines,omitempty"`
}

// Journal configures the lifecycle event journal.
type Journal struct {
	Path   string `yaml:"path,omitempty"`   // JSONL file
	SQLite string `yaml:"sqlite,omitempty"` // SQLite DSN
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Home returns the warden home directory (~/.warden).
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "warden")
	}
	return filepath.Join(home, ".warden")
}

// DefaultPath returns the default config file path: ~/.warden/config.yaml.
func DefaultPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns the defaults and no error. WARDEN_TOKEN overrides the token.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if tok := os.Getenv("WARDEN_TOKEN"); tok != "" {
		cfg.Gateway.Token = tok
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	g := &c.Gateway
	if g.Command == "" {
		g.Command = "gateway"
	}
	if g.Fallback == nil {
		g.Fallback = []string{"npx", g.Command}
	}
	if g.Args == nil {
		g.Args = []string{"run", "--bind", "{host}", "--port", "{port}"}
	}
	if g.StopArgs == nil {
		g.StopArgs = []string{"stop"}
	}
	if g.Host == "" {
		g.Host = "127.0.0.1"
	}
	if g.Port == 0 {
		g.Port = 18789
	}
	if g.TokenEnv == "" {
		g.TokenEnv = "GATEWAY_TOKEN"
	}

	p := &c.Paths
	if p.ConfigEnv == "" {
		p.ConfigEnv = "GATEWAY_CONFIG_PATH"
	}
	if p.StateDirEnv == "" {
		p.StateDirEnv = "GATEWAY_STATE_DIR"
	}
	if p.WorkspaceEnv == "" {
		p.WorkspaceEnv = "GATEWAY_WORKSPACE_DIR"
	}

	s := &c.Supervisor
	if s.StateDir == "" {
		s.StateDir = filepath.Join(Home(), "state")
	}
	setDefault(&s.ShutdownTimeout, 30*time.Second)
	setDefault(&s.ReadyTimeout, 40*time.Second)
	setDefault(&s.StopCommandTimeout, 10*time.Second)
	setDefault(&s.RestartBase, 500*time.Millisecond)
	setDefault(&s.RestartCap, 15*time.Second)
	setDefault(&s.ReconcileInterval, 500*time.Millisecond)
	setDefault(&s.ProbeTimeout, 750*time.Millisecond)
	setDefault(&s.ProbeInterval, 250*time.Millisecond)
	setDefault(&s.ZombieTimeout, 3*time.Second)
	if s.ZombieParents == nil {
		s.ZombieParents = []string{filepath.Base(g.Command), "node", "npm", "npx"}
	}

	setDefault(&c.Health.Interval, 10*time.Second)
	if c.Health.UnhealthyThreshold <= 0 {
		c.Health.UnhealthyThreshold = 3
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	if c.Log.BufLines <= 0 {
		c.Log.BufLines = 1000
	}
}

func setDefault(d *Duration, v time.Duration) {
	if d.Duration <= 0 {
		d.Duration = v
	}
}

// Validate checks the config for values the supervisor cannot work with.
// A missing token is not a validation error: it is enforced when a spawn is attempted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gateway.Command) == "" {
		return fmt.Errorf("gateway.command is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Gateway.Host == "" {
		return fmt.Errorf("gateway.host is required")
	}
	if c.Supervisor.RestartCap.Duration < c.Supervisor.RestartBase.Duration {
		return fmt.Errorf("supervisor.restart_cap (%s) is below restart_base (%s)",
			c.Supervisor.RestartCap.Duration, c.Supervisor.RestartBase.Duration)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log.format %q must be one of auto, text, json", c.Log.Format)
	}
	return nil
}

// LaunchArgs returns the gateway arguments with {host} and {port} substituted.
func (c *Config) LaunchArgs() []string {
	return substitute(c.Gateway.Args, c.Gateway.Host, c.Gateway.Port)
}

// StopCommand returns the graceful-stop invocation, or nil when none is configured.
func (c *Config) StopCommand() []string {
	if len(c.Gateway.StopArgs) == 0 {
		return nil
	}
	args := substitute(c.Gateway.StopArgs, c.Gateway.Host, c.Gateway.Port)
	return append([]string{c.Gateway.Command}, args...)
}

func substitute(args []string, host string, port int) []string {
	r := strings.NewReplacer("{host}", host, "{port}", strconv.Itoa(port))
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// GatewayEnv builds the managed process environment: the supervisor's own
// environment unchanged, then env_file entries, then the path overrides and token.
func (c *Config) GatewayEnv() ([]string, error) {
	env := os.Environ()

	if c.Gateway.EnvFile != "" {
		vars, err := godotenv.Read(c.Gateway.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", c.Gateway.EnvFile, err)
		}
		for k, v := range vars {
			env = append(env, k+"="+v)
		}
	}

	if c.Paths.Config != "" {
		env = append(env, c.Paths.ConfigEnv+"="+c.Paths.Config)
	}
	if c.Paths.StateDir != "" {
		env = append(env, c.Paths.StateDirEnv+"="+c.Paths.StateDir)
	}
	if c.Paths.Workspace != "" {
		env = append(env, c.Paths.WorkspaceEnv+"="+c.Paths.Workspace)
	}
	if c.Gateway.Token != "" {
		env = append(env, c.Gateway.TokenEnv+"="+c.Gateway.Token)
	}
	return env, nil
}
