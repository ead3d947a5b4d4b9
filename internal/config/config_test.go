package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Emulator.Binary != "qemu-system-i386" {
		t.Errorf("Emulator.Binary = %q, want %q", cfg.Emulator.Binary, "qemu-system-i386")
	}
	if cfg.Emulator.Console != ConsoleTCP {
		t.Errorf("Emulator.Console = %q, want %q", cfg.Emulator.Console, ConsoleTCP)
	}
	if cfg.Serial.PollInterval != 300*time.Millisecond {
		t.Errorf("Serial.PollInterval = %v, want %v", cfg.Serial.PollInterval, 300*time.Millisecond)
	}
	if cfg.Serial.Window != 10000 {
		t.Errorf("Serial.Window = %d, want %d", cfg.Serial.Window, 10000)
	}
	if cfg.Command.Settle != 500*time.Millisecond {
		t.Errorf("Command.Settle = %v, want %v", cfg.Command.Settle, 500*time.Millisecond)
	}
	if cfg.Transfer.ChunkSize != 76 {
		t.Errorf("Transfer.ChunkSize = %d, want %d", cfg.Transfer.ChunkSize, 76)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if !cfg.Logging.Sanitize {
		t.Error("Logging.Sanitize = false, want true")
	}
	if !cfg.Lock.Enabled {
		t.Error("Lock.Enabled = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultConfigPath(); got != "/xdg/webbsd/config.yaml" {
		t.Errorf("DefaultConfigPath() = %q", got)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Serial.Port != 4555 {
		t.Errorf("Serial.Port = %d, want %d (default)", cfg.Serial.Port, 4555)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load(missing) error: %v", err)
	}
	if cfg.Emulator.Memory != 512 {
		t.Errorf("Emulator.Memory = %d, want default 512", cfg.Emulator.Memory)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "bad.yaml")
	if err := os.WriteFile(path, []byte(":::invalid:::yaml{{{"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load(invalid YAML) expected error, got nil")
	}
}

func TestLoadValidConfig(t *testing.T) {
	yaml := `
emulator:
  memory: 1024
  image: /var/images/webbsd.img
  extra_args: ["-smp", "2"]
serial:
  port: 5555
  poll_interval: 100ms
monitor:
  port: 5556
command:
  detection: line
  echo_count: 1
  capture_exit: true
  settle: 250ms
guest:
  root_password: hunter2
logging:
  level: debug
  format: text
`
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Emulator.Memory != 1024 {
		t.Errorf("Emulator.Memory = %d, want 1024", cfg.Emulator.Memory)
	}
	if cfg.Emulator.Image != "/var/images/webbsd.img" {
		t.Errorf("Emulator.Image = %q", cfg.Emulator.Image)
	}
	if len(cfg.Emulator.ExtraArgs) != 2 || cfg.Emulator.ExtraArgs[1] != "2" {
		t.Errorf("Emulator.ExtraArgs = %v", cfg.Emulator.ExtraArgs)
	}
	if cfg.Serial.Port != 5555 {
		t.Errorf("Serial.Port = %d, want 5555", cfg.Serial.Port)
	}
	if cfg.Serial.PollInterval != 100*time.Millisecond {
		t.Errorf("Serial.PollInterval = %v, want 100ms", cfg.Serial.PollInterval)
	}
	if cfg.Command.Detection != "line" || cfg.Command.EchoCount != 1 || !cfg.Command.CaptureExit {
		t.Errorf("Command = %+v", cfg.Command)
	}
	if cfg.Command.Settle != 250*time.Millisecond {
		t.Errorf("Command.Settle = %v, want 250ms", cfg.Command.Settle)
	}
	if cfg.Guest.Password != "hunter2" {
		t.Errorf("Guest.Password = %q", cfg.Guest.Password)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want text", cfg.Logging.Format)
	}
	// Untouched sections keep their defaults.
	if cfg.Transfer.DecodeCommand != "b64decode -r" {
		t.Errorf("Transfer.DecodeCommand = %q", cfg.Transfer.DecodeCommand)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown console", func(c *Config) { c.Emulator.Console = "vnc" }, "emulator.console"},
		{"serial port range", func(c *Config) { c.Serial.Port = 70000 }, "serial.port"},
		{"same ports", func(c *Config) { c.Monitor.Port = c.Serial.Port }, "both"},
		{"sequencing", func(c *Config) { c.Command.Sequencing = "or" }, "command.sequencing"},
		{"detection", func(c *Config) { c.Command.Detection = "regex" }, "command.detection"},
		{"echo count", func(c *Config) { c.Command.EchoCount = 0 }, "echo_count"},
		{"no image", func(c *Config) { c.Emulator.Image = "" }, "emulator.image"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"prompt regex", func(c *Config) {
			c.Guest.Prompts = []PromptConfig{{Name: "geli", Regex: "(["}}
		}, "guest.prompts[0]"},
		{"prompt name", func(c *Config) {
			c.Guest.Prompts = []PromptConfig{{Regex: "x"}}
		}, "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadPrompts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
guest:
  prompts:
    - name: geli
      regex: 'Enter passphrase for \S+:\s*$'
      type: password
      mask: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if len(cfg.Guest.Prompts) != 1 {
		t.Fatalf("Prompts = %+v", cfg.Guest.Prompts)
	}
	p := cfg.Guest.Prompts[0]
	if p.Name != "geli" || p.Type != "password" || !p.Mask || p.Regex != `Enter passphrase for \S+:\s*$` {
		t.Errorf("prompt = %+v", p)
	}
	if cfg.Guest.User != "root" {
		t.Errorf("defaults lost: User = %q", cfg.Guest.User)
	}
}

func TestValidateStdioSkipsSerialPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Emulator.Console = ConsoleStdio
	cfg.Serial.Port = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidateFixesBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Serial.Window = 0
	cfg.Serial.MaxBuffer = 0
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Serial.Window != 10000 || cfg.Serial.MaxBuffer != 100000 {
		t.Errorf("Window, MaxBuffer = %d, %d", cfg.Serial.Window, cfg.Serial.MaxBuffer)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Serial.PollInterval = 150 * time.Millisecond
	cfg.Guest.User = "bsd"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.Serial.PollInterval != 150*time.Millisecond {
		t.Errorf("PollInterval = %v", loaded.Serial.PollInterval)
	}
	if loaded.Guest.User != "bsd" {
		t.Errorf("Guest.User = %q", loaded.Guest.User)
	}
}

func TestLoadVars(t *testing.T) {
	content := `# webbsd build configuration
IMAGE="images/webbsd.img"
INSTALL_MEM=256

ROOT_PASSWORD='s3cret'
  GUEST_USER = bsd
HOSTNAME=webbsd # trailing text is kept
NOEQUALS
`
	path := filepath.Join(t.TempDir(), "webbsd.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	vars, err := LoadVars(path)
	if err != nil {
		t.Fatalf("LoadVars error: %v", err)
	}

	want := map[string]string{
		"IMAGE":         "images/webbsd.img",
		"INSTALL_MEM":   "256",
		"ROOT_PASSWORD": "s3cret",
		"GUEST_USER":    "bsd",
		"HOSTNAME":      "webbsd # trailing text is kept",
	}
	if len(vars) != len(want) {
		t.Errorf("got %d vars, want %d: %v", len(vars), len(want), vars)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}
}

func TestLoadVarsMissingFile(t *testing.T) {
	if _, err := LoadVars(filepath.Join(t.TempDir(), "nope.conf")); err == nil {
		t.Fatal("LoadVars(missing) expected error, got nil")
	}
}

func TestApplyVars(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyVars(map[string]string{
		"IMAGE":         "/tmp/x.img",
		"INSTALL_MEM":   "256",
		"SERIAL_PORT":   "7000",
		"MONITOR_PORT":  "7001",
		"ROOT_PASSWORD": "pw",
		"GUEST_USER":    "bsd",
		"UNRELATED":     "ignored",
	})
	if err != nil {
		t.Fatalf("ApplyVars error: %v", err)
	}
	if cfg.Emulator.Image != "/tmp/x.img" || cfg.Emulator.Memory != 256 {
		t.Errorf("Emulator = %+v", cfg.Emulator)
	}
	if cfg.Serial.Port != 7000 || cfg.Monitor.Port != 7001 {
		t.Errorf("ports = %d, %d", cfg.Serial.Port, cfg.Monitor.Port)
	}
	if cfg.Guest.Password != "pw" || cfg.Guest.User != "bsd" {
		t.Errorf("Guest = %+v", cfg.Guest)
	}
}

func TestApplyVarsMemoryOverridesInstallMem(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ApplyVars(map[string]string{"INSTALL_MEM": "256", "MEMORY": "768"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Emulator.Memory != 768 {
		t.Errorf("Memory = %d, want 768", cfg.Emulator.Memory)
	}
}

func TestApplyVarsBadNumber(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyVars(map[string]string{"SERIAL_PORT": "serial"})
	if err == nil || !strings.Contains(err.Error(), "SERIAL_PORT") {
		t.Errorf("ApplyVars() = %v, want SERIAL_PORT error", err)
	}
	if cfg.Serial.Port != 4555 {
		t.Errorf("Serial.Port changed to %d", cfg.Serial.Port)
	}
}
