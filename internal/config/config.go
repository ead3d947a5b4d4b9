// Package config handles configuration parsing for webbsd.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Console modes for the guest serial line.
const (
	ConsoleTCP   = "tcp"
	ConsoleStdio = "stdio"
	ConsolePTY   = "pty"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/webbsd/config.yaml or ~/.config/webbsd/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "webbsd", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Emulator  EmulatorConfig  `yaml:"emulator"`
	Serial    SerialConfig    `yaml:"serial"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Command   CommandConfig   `yaml:"command"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Guest     GuestConfig     `yaml:"guest"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recording RecordingConfig `yaml:"recording"`
	Lock      LockConfig      `yaml:"lock"`
}

// EmulatorConfig describes the QEMU process.
type EmulatorConfig struct {
	Binary    string        `yaml:"binary"`
	Memory    int           `yaml:"memory"` // MiB
	Image     string        `yaml:"image"`
	Console   string        `yaml:"console"` // "tcp", "stdio" or "pty"
	NIC       string        `yaml:"nic"`     // e.g. "user,model=e1000"; empty disables networking
	ExtraArgs []string      `yaml:"extra_args"`
	Grace     time.Duration `yaml:"grace"`        // wait after SIGTERM before killing
	DialRetry time.Duration `yaml:"dial_retry"`   // delay between connection attempts
	DialWait  time.Duration `yaml:"dial_timeout"` // give up connecting after this long
}

// SerialConfig describes the guest serial console.
type SerialConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Window       int           `yaml:"window"`
	MaxBuffer    int           `yaml:"max_buffer"`
	LineEnding   string        `yaml:"line_ending"`
	Transcript   bool          `yaml:"transcript"` // echo guest output to stdout
}

// MonitorConfig describes the QEMU monitor port.
type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Port     int           `yaml:"port"`
	Timeout  time.Duration `yaml:"timeout"`
	KeyDelay time.Duration `yaml:"key_delay"`
}

// CommandConfig controls how shell commands are confirmed.
type CommandConfig struct {
	Sequencing  string        `yaml:"sequencing"` // "and" or "always"
	Detection   string        `yaml:"detection"`  // "count" or "line"
	EchoCount   int           `yaml:"echo_count"` // marker occurrences expected in count mode
	CaptureExit bool          `yaml:"capture_exit"`
	Settle      time.Duration `yaml:"settle"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TransferConfig controls file upload pacing.
type TransferConfig struct {
	ChunkSize      int           `yaml:"chunk_size"`
	ChunkDelay     time.Duration `yaml:"chunk_delay"`
	PauseEvery     int           `yaml:"pause_every"`
	Pause          time.Duration `yaml:"pause"`
	LongPauseEvery int           `yaml:"long_pause_every"`
	LongPause      time.Duration `yaml:"long_pause"`
	LineSettle     time.Duration `yaml:"line_settle"`
	TempPath       string        `yaml:"temp_path"`
	DecodeCommand  string        `yaml:"decode_command"`
	Verify         bool          `yaml:"verify"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// GuestConfig describes the guest operating system.
type GuestConfig struct {
	User         string        `yaml:"user"`
	Password     string        `yaml:"root_password"`
	Shell        string        `yaml:"shell"`
	LoginPrompt  string        `yaml:"login_prompt"`
	ShellPrompt  string        `yaml:"shell_prompt"`
	BootTimeout  time.Duration `yaml:"boot_timeout"`
	LoginTimeout time.Duration `yaml:"login_timeout"`
	ExitTimeout  time.Duration `yaml:"exit_timeout"` // wait for the emulator to exit after shutdown
	// Prompts are extra patterns for screens that wait for input, reported
	// when a command stalls.
	Prompts []PromptConfig `yaml:"prompts"`
}

// PromptConfig is a custom input prompt pattern.
type PromptConfig struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
	Type  string `yaml:"type"` // "password", "confirmation", "editor", "pager", "boot" or "text"
	Mask  bool   `yaml:"mask"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Format   string `yaml:"format"`   // "json" or "text"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// RecordingConfig defines session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"` // enable session recording
	Path    string `yaml:"path"`    // directory to store recordings
}

// LockConfig controls the per-image lock.
type LockConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Emulator: EmulatorConfig{
			Binary:    "qemu-system-i386",
			Memory:    512,
			Image:     "images/freebsd.img",
			Console:   ConsoleTCP,
			NIC:       "user,model=e1000",
			Grace:     10 * time.Second,
			DialRetry: 250 * time.Millisecond,
			DialWait:  30 * time.Second,
		},
		Serial: SerialConfig{
			Host:         "127.0.0.1",
			Port:         4555,
			PollInterval: 300 * time.Millisecond,
			Window:       10000,
			MaxBuffer:    100000,
			LineEnding:   "\n",
			Transcript:   true,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Port:     4556,
			Timeout:  5 * time.Second,
			KeyDelay: 80 * time.Millisecond,
		},
		Command: CommandConfig{
			Sequencing: "and",
			Detection:  "count",
			EchoCount:  2,
			Settle:     500 * time.Millisecond,
			Timeout:    60 * time.Second,
		},
		Transfer: TransferConfig{
			ChunkSize:      76,
			ChunkDelay:     20 * time.Millisecond,
			PauseEvery:     100,
			Pause:          500 * time.Millisecond,
			LongPauseEvery: 500,
			LongPause:      time.Second,
			LineSettle:     40 * time.Millisecond,
			TempPath:       "/tmp/xfer.b64",
			DecodeCommand:  "b64decode -r",
			Verify:         true,
			CommandTimeout: 60 * time.Second,
		},
		Guest: GuestConfig{
			User:         "root",
			Shell:        "/bin/sh",
			LoginPrompt:  "login:",
			ShellPrompt:  "# ",
			BootTimeout:  180 * time.Second,
			LoginTimeout: 30 * time.Second,
			ExitTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sanitize: true,
		},
		Recording: RecordingConfig{
			Path: "recordings",
		},
		Lock: LockConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Emulator.Binary == "" {
		errs = append(errs, errors.New("emulator.binary is required"))
	}
	if c.Emulator.Image == "" {
		errs = append(errs, errors.New("emulator.image is required"))
	}
	if c.Emulator.Memory <= 0 {
		errs = append(errs, fmt.Errorf("emulator.memory must be positive, got %d", c.Emulator.Memory))
	}
	switch c.Emulator.Console {
	case ConsoleTCP:
		if err := validPort("serial.port", c.Serial.Port); err != nil {
			errs = append(errs, err)
		}
	case ConsoleStdio, ConsolePTY:
	default:
		errs = append(errs, fmt.Errorf("emulator.console: unknown mode %q", c.Emulator.Console))
	}
	if c.Monitor.Enabled {
		if err := validPort("monitor.port", c.Monitor.Port); err != nil {
			errs = append(errs, err)
		}
		if c.Emulator.Console == ConsoleTCP && c.Monitor.Port == c.Serial.Port {
			errs = append(errs, fmt.Errorf("monitor.port and serial.port are both %d", c.Serial.Port))
		}
	}
	switch c.Command.Sequencing {
	case "and", "always":
	default:
		errs = append(errs, fmt.Errorf("command.sequencing: unknown value %q", c.Command.Sequencing))
	}
	switch c.Command.Detection {
	case "count", "line":
	default:
		errs = append(errs, fmt.Errorf("command.detection: unknown value %q", c.Command.Detection))
	}
	if c.Command.EchoCount < 1 {
		errs = append(errs, fmt.Errorf("command.echo_count must be at least 1, got %d", c.Command.EchoCount))
	}
	for i, p := range c.Guest.Prompts {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("guest.prompts[%d]: name is required", i))
		}
		if _, err := regexp.Compile(p.Regex); err != nil {
			errs = append(errs, fmt.Errorf("guest.prompts[%d]: %w", i, err))
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown value %q", c.Logging.Format))
	}

	if c.Serial.Window <= 0 {
		c.Serial.Window = 10000
	}
	if c.Serial.MaxBuffer < c.Serial.Window {
		c.Serial.MaxBuffer = c.Serial.Window * 10
	}

	return errors.Join(errs...)
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", name, port)
	}
	return nil
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadVars reads a shell-style KEY=VALUE file. Blank lines and lines starting
// with # are skipped, and one layer of surrounding quotes is stripped from
// values.
func LoadVars(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vars file: %w", err)
	}
	defer f.Close()

	vars := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `"`)
		val = strings.Trim(val, `'`)
		vars[strings.TrimSpace(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vars file: %w", err)
	}
	return vars, nil
}

// ApplyVars overlays build variables on the configuration. Unknown keys are
// ignored so one file can feed both this tool and the image scripts.
func (c *Config) ApplyVars(vars map[string]string) error {
	var errs []error

	atoi := func(key string, dst *int) {
		v, ok := vars[key]
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	if v := vars["IMAGE"]; v != "" {
		c.Emulator.Image = v
	}
	atoi("INSTALL_MEM", &c.Emulator.Memory)
	atoi("MEMORY", &c.Emulator.Memory)
	atoi("SERIAL_PORT", &c.Serial.Port)
	atoi("MONITOR_PORT", &c.Monitor.Port)
	if v := vars["QEMU"]; v != "" {
		c.Emulator.Binary = v
	}
	if v, ok := vars["ROOT_PASSWORD"]; ok {
		c.Guest.Password = v
	}
	if v := vars["GUEST_USER"]; v != "" {
		c.Guest.User = v
	}

	return errors.Join(errs...)
}
