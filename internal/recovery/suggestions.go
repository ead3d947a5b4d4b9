// Package recovery suggests fixes for guest commands that failed.
package recovery

import (
	"path"
	"regexp"
	"slices"
	"strings"
)

// Suggestion represents a recovery suggestion for an error.
type Suggestion struct {
	Error       string   // Description of the detected error
	Category    string   // Error category (package, network, filesystem, ...)
	Commands    []string // Suggested fix commands, to run on the guest
	Explanation string   // Why this might fix the issue
	Confidence  float64  // Confidence that this suggestion will help
	Risky       bool     // If true, review before running
}

// String is a one-line form for logs.
func (s *Suggestion) String() string {
	if len(s.Commands) == 0 {
		return s.Error
	}
	return s.Error + "; try: " + strings.Join(s.Commands, " / ")
}

// Analyzer detects errors in console output and suggests recovery actions.
type Analyzer struct {
	rules []recoveryRule
}

type recoveryRule struct {
	name    string
	pattern *regexp.Regexp
	suggest func(matches []string) *Suggestion
}

// NewAnalyzer creates an analyzer with rules for a FreeBSD guest.
func NewAnalyzer() *Analyzer {
	return &Analyzer{rules: defaultRules()}
}

// Analyze examines the output of a command and returns suggestions, most
// confident first. Output of a command that succeeded is only looked at when
// it carries an error indication.
func (a *Analyzer) Analyze(output string, failed bool) []*Suggestion {
	if !failed && !containsErrorIndicators(output) {
		return nil
	}

	var suggestions []*Suggestion
	seen := make(map[string]bool)
	for _, rule := range a.rules {
		matches := rule.pattern.FindStringSubmatch(output)
		if matches == nil {
			continue
		}
		s := rule.suggest(matches)
		if s == nil || seen[s.Error] {
			continue
		}
		seen[s.Error] = true
		suggestions = append(suggestions, s)
	}

	slices.SortStableFunc(suggestions, func(x, y *Suggestion) int {
		switch {
		case x.Confidence > y.Confidence:
			return -1
		case x.Confidence < y.Confidence:
			return 1
		}
		return 0
	})
	return suggestions
}

func containsErrorIndicators(output string) bool {
	lowered := strings.ToLower(output)
	indicators := []string{
		"error:", "error ", "failed", "not found",
		"permission denied", "no such file", "cannot",
		"unable to", "could not", "read-only",
	}
	for _, ind := range indicators {
		if strings.Contains(lowered, ind) {
			return true
		}
	}
	return false
}

func defaultRules() []recoveryRule {
	return []recoveryRule{
		{
			name:    "pkg_bootstrap",
			pattern: regexp.MustCompile(`(?i)package management tool is not yet installed|(?:^|\s|/)pkg: (?:command )?not found`),
			suggest: func([]string) *Suggestion {
				return &Suggestion{
					Error:       "pkg is not bootstrapped",
					Category:    "package",
					Commands:    []string{"env ASSUME_ALWAYS_YES=yes pkg bootstrap -f"},
					Explanation: "A fresh FreeBSD install ships only the pkg stub. Bootstrap it before installing packages.",
					Confidence:  0.9,
				}
			},
		},
		{
			name:    "dns",
			pattern: regexp.MustCompile(`(?i)no address record|name does not resolve|hostname nor servname provided`),
			suggest: func([]string) *Suggestion {
				return &Suggestion{
					Error:       "Name resolution failed",
					Category:    "network",
					Commands:    []string{"echo nameserver 8.8.8.8 > /etc/resolv.conf"},
					Explanation: "The guest has no working resolver. QEMU user networking does not always hand one out over DHCP.",
					Confidence:  0.85,
				}
			},
		},
		{
			name:    "network_down",
			pattern: regexp.MustCompile(`(?i)network is unreachable|no route to host`),
			suggest: func([]string) *Suggestion {
				return &Suggestion{
					Error:       "Network unreachable",
					Category:    "network",
					Commands:    []string{"dhclient em0", "ifconfig em0"},
					Explanation: "The interface has no address yet. Ask for a DHCP lease.",
					Confidence:  0.8,
				}
			},
		},
		{
			name:    "pkg_repo",
			pattern: regexp.MustCompile(`(?i)unable to update repository|repository \S+ has no meta file|no packages available`),
			suggest: func([]string) *Suggestion {
				return &Suggestion{
					Error:       "Package repository unavailable",
					Category:    "package",
					Commands:    []string{"pkg update -f"},
					Explanation: "The repository catalogue is missing or stale. Refresh it, then retry.",
					Confidence:  0.75,
				}
			},
		},
		{
			name:    "read_only",
			pattern: regexp.MustCompile(`(?i)read-only file system`),
			suggest: func([]string) *Suggestion {
				return &Suggestion{
					Error:       "Root file system is read-only",
					Category:    "filesystem",
					Commands:    []string{"mount -uw /"},
					Explanation: "The root file system was remounted read-only, usually by a previous shutdown. Remount it read-write.",
					Confidence:  0.9,
				}
			},
		},
		{
			name:    "disk_full",
			pattern: regexp.MustCompile(`(?i)no space left on device|file system full`),
			suggest: func([]string) *Suggestion {
				return &Suggestion{
					Error:       "Disk full",
					Category:    "disk",
					Commands:    []string{"df -h", "pkg clean -ay"},
					Explanation: "The image is full. Free the package cache or grow the image.",
					Confidence:  0.9,
					Risky:       true,
				}
			},
		},
		{
			name:    "command_not_found",
			pattern: regexp.MustCompile(`(?im)^(?:-?sh: )?([^\s:]+): (?:command )?not found`),
			suggest: func(matches []string) *Suggestion {
				cmd := matches[1]
				if cmd == "pkg" {
					return nil
				}
				return &Suggestion{
					Error:       "Command not found: " + cmd,
					Category:    "package",
					Commands:    suggestPackageInstall(cmd),
					Explanation: "The command is not installed or not on PATH.",
					Confidence:  0.7,
				}
			},
		},
		{
			name:    "device_busy",
			pattern: regexp.MustCompile(`(?i)device busy`),
			suggest: func([]string) *Suggestion {
				return &Suggestion{
					Error:       "Device busy",
					Category:    "filesystem",
					Commands:    []string{"sync", "fstat -f /"},
					Explanation: "Files are still open on the file system. Find the processes holding them.",
					Confidence:  0.6,
				}
			},
		},
		{
			name:    "permission_denied",
			pattern: regexp.MustCompile(`(?i)([^\s:]+): permission denied`),
			suggest: func(matches []string) *Suggestion {
				return &Suggestion{
					Error:       "Permission denied: " + matches[1],
					Category:    "permission",
					Commands:    []string{"ls -l " + matches[1], "chmod +x " + matches[1]},
					Explanation: "Scripts uploaded without the executable bit cannot be run directly.",
					Confidence:  0.6,
				}
			},
		},
		{
			name:    "file_not_found",
			pattern: regexp.MustCompile(`(?i)([^\s:]+): no such file or directory`),
			suggest: func(matches []string) *Suggestion {
				file := matches[1]
				return &Suggestion{
					Error:       "File not found: " + file,
					Category:    "filesystem",
					Commands:    []string{"ls -la " + path.Dir(file)},
					Explanation: "The file or directory does not exist. Check the path, or create the parent directory first.",
					Confidence:  0.5,
				}
			},
		},
	}
}

func suggestPackageInstall(cmd string) []string {
	// Commands whose package name differs from the command.
	packageMap := map[string]string{
		"startx": "xinit",
		"Xorg":   "xorg",
		"X":      "xorg",
		"xterm":  "xterm",
		"i3":     "i3",
		"git":    "git",
		"curl":   "curl",
		"wget":   "wget",
		"bash":   "bash",
		"sudo":   "sudo",
		"vim":    "vim",
		"python": "python3",
		"gmake":  "gmake",
	}

	if pkg, ok := packageMap[cmd]; ok {
		return []string{"pkg install -y " + pkg}
	}
	return []string{
		"pkg search " + cmd,
		"pkg install -y " + cmd,
	}
}
