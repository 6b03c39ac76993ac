package core

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/tether"
	ConfigFileName = "config.hcl"
	StateDirEnv    = "TETHER_STATE_DIR"
	StateDirName   = "tether_state"
	EventsDBName   = "events.db"

	// WorkerMarker is the hidden subcommand the supervisor launches workers
	// with; it doubles as the command-line pattern for the orphan sweep.
	WorkerMarker = "tether-worker"
	// SupervisorPIDEnv is set on workers launched by a supervisor
	SupervisorPIDEnv = "TETHER_SUPERVISOR_PID"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete tether configuration
type Configuration struct {
	ConfigPath string // Directory containing config.hcl
	StateDir   string // Shared discovery directory
	Verbose    int
	Worker     WorkerConfig
	Bridge     BridgeConfig
	Supervisor SupervisorConfig
}

// WorkerConfig controls the worker process and its control server
type WorkerConfig struct {
	Name          string        // Identity key in the state directory
	ListenHost    string        // Loopback address the control server binds to
	MaxBodyBytes  int64         // Upper bound for POST bodies
	ShutdownGrace time.Duration // Drain window for in-flight requests
	BridgeDelay   time.Duration // Grace period before the first bridge attempt
}

// BridgeConfig controls the connection back into the host
type BridgeConfig struct {
	Address       string        // host:port of the host's service registry
	MaxAttempts   int           // Attempts per connection cycle
	RetryDelay    time.Duration // Fixed delay between attempts
	SettleDelay   time.Duration // Pause between handshake and Connected
	ProbeInterval time.Duration // Liveness probe period while Connected
	RearmInterval time.Duration // Delay before a Failed connector tries again
	CallTimeout   time.Duration // Per-call deadline for host operations
}

// SupervisorConfig controls host monitoring and worker lifecycle
type SupervisorConfig struct {
	HostPattern   string        // Command-line substring identifying the host
	WorkerPattern string        // Command-line substring identifying workers (orphan sweep)
	PollInterval  time.Duration // Host liveness polling period
	StartupSettle time.Duration // Wait after launch before checking the worker is alive
	StopTimeout   time.Duration // Graceful termination window before SIGKILL
}

type hclConfig struct {
	Verbose    int            `hcl:"verbose,optional"`
	StateDir   string         `hcl:"state_dir,optional"`
	Worker     *hclWorker     `hcl:"worker,block"`
	Bridge     *hclBridge     `hcl:"bridge,block"`
	Supervisor *hclSupervisor `hcl:"supervisor,block"`
}

type hclWorker struct {
	Name          string `hcl:"name,optional"`
	ListenHost    string `hcl:"listen_host,optional"`
	MaxBodyBytes  int64  `hcl:"max_body_bytes,optional"`
	ShutdownGrace string `hcl:"shutdown_grace,optional"`
	BridgeDelay   string `hcl:"bridge_delay,optional"`
}

type hclBridge struct {
	Address       string `hcl:"address,optional"`
	MaxAttempts   int    `hcl:"max_attempts,optional"`
	RetryDelay    string `hcl:"retry_delay,optional"`
	SettleDelay   string `hcl:"settle_delay,optional"`
	ProbeInterval string `hcl:"probe_interval,optional"`
	RearmInterval string `hcl:"rearm_interval,optional"`
	CallTimeout   string `hcl:"call_timeout,optional"`
}

type hclSupervisor struct {
	HostPattern   string `hcl:"host_pattern,optional"`
	WorkerPattern string `hcl:"worker_pattern,optional"`
	PollInterval  string `hcl:"poll_interval,optional"`
	StartupSettle string `hcl:"startup_settle,optional"`
	StopTimeout   string `hcl:"stop_timeout,optional"`
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	homeDir, _ := os.UserHomeDir()
	return &Configuration{
		ConfigPath: filepath.Join(homeDir, BaseDirName),
		StateDir:   DefaultStateDir(),
		Worker: WorkerConfig{
			Name:          "worker",
			ListenHost:    "127.0.0.1",
			MaxBodyBytes:  1 << 20,
			ShutdownGrace: 5 * time.Second,
			BridgeDelay:   2 * time.Second,
		},
		Bridge: BridgeConfig{
			Address:       "127.0.0.1:2083",
			MaxAttempts:   5,
			RetryDelay:    1 * time.Second,
			SettleDelay:   50 * time.Millisecond,
			ProbeInterval: 10 * time.Second,
			RearmInterval: 30 * time.Second,
			CallTimeout:   5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			HostPattern:   "soffice",
			WorkerPattern: WorkerMarker,
			PollInterval:  5 * time.Second,
			StartupSettle: 3 * time.Second,
			StopTimeout:   3 * time.Second,
		},
	}
}

// DefaultStateDir returns the state directory root, honouring TETHER_STATE_DIR
func DefaultStateDir() string {
	if dir := os.Getenv(StateDirEnv); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), StateDirName)
}

// GetEventsDBPath returns the path of the lifecycle event journal
func (c *Configuration) GetEventsDBPath() string {
	return filepath.Join(c.StateDir, EventsDBName)
}

// LoadConfig reads configPath/config.hcl on top of the defaults.
// A missing file yields the defaults.
func LoadConfig(configPath string) (*Configuration, error) {
	cfg := GetDefaultConfig()
	if configPath != "" {
		cfg.ConfigPath = configPath
	}

	filename := filepath.Join(cfg.ConfigPath, ConfigFileName)
	if !ConfigExists(filename) {
		return cfg, nil
	}

	var hclCfg hclConfig
	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg.Verbose = hclCfg.Verbose
	// The environment override wins over the file
	if hclCfg.StateDir != "" && os.Getenv(StateDirEnv) == "" {
		cfg.StateDir = hclCfg.StateDir
	}

	if w := hclCfg.Worker; w != nil {
		setString(&cfg.Worker.Name, w.Name)
		setString(&cfg.Worker.ListenHost, w.ListenHost)
		if w.MaxBodyBytes > 0 {
			cfg.Worker.MaxBodyBytes = w.MaxBodyBytes
		}
		setDuration(&cfg.Worker.ShutdownGrace, w.ShutdownGrace, "worker.shutdown_grace")
		setDuration(&cfg.Worker.BridgeDelay, w.BridgeDelay, "worker.bridge_delay")
	}

	if b := hclCfg.Bridge; b != nil {
		setString(&cfg.Bridge.Address, b.Address)
		if b.MaxAttempts > 0 {
			cfg.Bridge.MaxAttempts = b.MaxAttempts
		}
		setDuration(&cfg.Bridge.RetryDelay, b.RetryDelay, "bridge.retry_delay")
		setDuration(&cfg.Bridge.SettleDelay, b.SettleDelay, "bridge.settle_delay")
		setDuration(&cfg.Bridge.ProbeInterval, b.ProbeInterval, "bridge.probe_interval")
		setDuration(&cfg.Bridge.RearmInterval, b.RearmInterval, "bridge.rearm_interval")
		setDuration(&cfg.Bridge.CallTimeout, b.CallTimeout, "bridge.call_timeout")
	}

	if s := hclCfg.Supervisor; s != nil {
		setString(&cfg.Supervisor.HostPattern, s.HostPattern)
		setString(&cfg.Supervisor.WorkerPattern, s.WorkerPattern)
		setDuration(&cfg.Supervisor.PollInterval, s.PollInterval, "supervisor.poll_interval")
		setDuration(&cfg.Supervisor.StartupSettle, s.StartupSettle, "supervisor.startup_settle")
		setDuration(&cfg.Supervisor.StopTimeout, s.StopTimeout, "supervisor.stop_timeout")
	}

	return cfg, nil
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// setDuration keeps the default when value is empty or invalid
func setDuration(dst *time.Duration, value, key string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		slog.Error(fmt.Sprintf("Invalid %s config: %q, using default %v", key, value, *dst))
		return
	}
	*dst = d
}
