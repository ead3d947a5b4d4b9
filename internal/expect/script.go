// Package expect runs playbooks: ordered steps that wait for console output
// and answer it with keystrokes, shell commands or file uploads.
package expect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// WriteSpec creates a text file on the guest from inline content.
type WriteSpec struct {
	Dest       string `yaml:"dest"`
	Content    string `yaml:"content"`
	Executable bool   `yaml:"executable"`
	Owner      string `yaml:"owner"`
}

// UploadSpec copies local files to the guest. Src is a doublestar pattern
// relative to the playbook directory; matches keep their relative path
// under the Dest directory.
type UploadSpec struct {
	Src        string `yaml:"src"`
	Dest       string `yaml:"dest"`
	Executable bool   `yaml:"executable"`
	Owner      string `yaml:"owner"`
}

// Step defines a single playbook step. Actions run in field order: expect,
// send, run, write, upload, keys, type.
type Step struct {
	// Name is a human-readable identifier for this step.
	Name string `yaml:"name"`

	// Expect lists substrings to wait for; the first one present wins.
	Expect []string `yaml:"expect"`

	// Send is raw text for the serial console. YAML double-quoted escapes
	// such as "\r" and "\e" pass through.
	Send string `yaml:"send"`

	// Secret masks Send in logs and recordings.
	Secret bool `yaml:"secret"`

	// Run is a shell command confirmed through the command driver.
	Run string `yaml:"run"`

	Write  *WriteSpec  `yaml:"write"`
	Upload *UploadSpec `yaml:"upload"`

	// Keys are QEMU key names sent through the monitor.
	Keys []string `yaml:"keys"`

	// Type is text typed through the monitor keymap.
	Type string `yaml:"type"`

	// Timeout bounds Expect and Run (0 = script default).
	Timeout time.Duration `yaml:"timeout"`

	// Settle is the pause after Send.
	Settle time.Duration `yaml:"settle"`

	// Optional skips the remaining actions quietly when Expect is not met.
	Optional bool `yaml:"optional"`

	// Fatal aborts the playbook when this step fails.
	Fatal bool `yaml:"fatal"`
}

// HasAction reports whether the step does anything besides waiting.
func (s *Step) HasAction() bool {
	return s.Send != "" || s.Run != "" || s.Write != nil || s.Upload != nil ||
		len(s.Keys) > 0 || s.Type != ""
}

// Script is a complete playbook.
type Script struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// DefaultTimeout applies to steps without their own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	Steps []Step `yaml:"steps"`

	// Dir is the directory uploads are resolved against.
	Dir string `yaml:"-"`
}

// Validate checks the script and fills in step names.
func (s *Script) Validate() error {
	var errs []error
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("no steps"))
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.Name == "" {
			st.Name = fmt.Sprintf("step %d", i+1)
		}
		if len(st.Expect) == 0 && !st.HasAction() {
			errs = append(errs, fmt.Errorf("%s: nothing to do", st.Name))
		}
		if st.Write != nil && st.Write.Dest == "" {
			errs = append(errs, fmt.Errorf("%s: write.dest is required", st.Name))
		}
		if st.Upload != nil && (st.Upload.Src == "" || st.Upload.Dest == "") {
			errs = append(errs, fmt.Errorf("%s: upload needs src and dest", st.Name))
		}
		if st.Timeout < 0 || st.Settle < 0 {
			errs = append(errs, fmt.Errorf("%s: negative duration", st.Name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("playbook %s: %w", s.Name, err)
	}
	return nil
}

// Parse decodes and validates a YAML playbook.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads a playbook from disk. Uploads resolve against its directory.
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = filepath.Base(path)
	}
	s.Dir = filepath.Dir(path)
	return s, nil
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${NAME} references with values from vars. Unknown names
// and plain $NAME forms are left for the guest shell.
func Expand(s string, vars map[string]string) string {
	if len(vars) == 0 {
		return s
	}
	return varRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return ref
	})
}

// LoginScript returns the built-in login playbook: wait for loginPrompt
// ("login:" when empty), enter the user name and, when set, the password.
func LoginScript(loginPrompt, user, password string, bootTimeout time.Duration) *Script {
	if loginPrompt == "" {
		loginPrompt = "login:"
	}
	s := &Script{
		Name:           "login",
		Description:    "Logs in on the serial console",
		DefaultTimeout: 30 * time.Second,
		Steps: []Step{
			{
				Name:    "login_prompt",
				Expect:  []string{loginPrompt},
				Send:    user + "\n",
				Settle:  time.Second,
				Timeout: bootTimeout,
				Fatal:   true,
			},
		},
	}
	if password != "" {
		s.Steps = append(s.Steps, Step{
			Name:   "password",
			Expect: []string{"Password:"},
			Send:   password + "\n",
			Secret: true,
			Settle: 2 * time.Second,
			Fatal:  true,
		})
	} else {
		s.Steps[0].Settle = 3 * time.Second
	}
	return s
}
