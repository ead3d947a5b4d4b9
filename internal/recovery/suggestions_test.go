package recovery

import (
	"strings"
	"testing"
)

func TestNewAnalyzer(t *testing.T) {
	a := NewAnalyzer()
	if a == nil {
		t.Fatal("NewAnalyzer returned nil")
	}
	if len(a.rules) == 0 {
		t.Error("Analyzer should have default rules")
	}
}

func TestAnalyzer_Rules(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantError string
		wantCmd   string
		wantCat   string
		wantRisky bool
	}{
		{
			name:      "pkg stub",
			output:    "The package management tool is not yet installed on your system.\nDo you want to fetch and install it now? [y/N]: ",
			wantError: "pkg is not bootstrapped",
			wantCmd:   "pkg bootstrap",
			wantCat:   "package",
		},
		{
			name:      "pkg missing",
			output:    "sh: pkg: not found\n",
			wantError: "pkg is not bootstrapped",
			wantCmd:   "pkg bootstrap",
			wantCat:   "package",
		},
		{
			name:      "dns",
			output:    "pkg: http://pkg.FreeBSD.org/FreeBSD:14:i386/quarterly/meta.txz: No address record\n",
			wantError: "Name resolution failed",
			wantCmd:   "resolv.conf",
			wantCat:   "network",
		},
		{
			name:      "no route",
			output:    "fetch: https://example.org/x: No route to host\n",
			wantError: "Network unreachable",
			wantCmd:   "dhclient em0",
			wantCat:   "network",
		},
		{
			name:      "read only root",
			output:    "/etc/rc.conf: Read-only file system\n",
			wantError: "Root file system is read-only",
			wantCmd:   "mount -uw /",
			wantCat:   "filesystem",
		},
		{
			name:      "disk full",
			output:    "/: write failed, filesystem is full\ncp: /usr/local/x: No space left on device\n",
			wantError: "Disk full",
			wantCmd:   "pkg clean",
			wantCat:   "disk",
			wantRisky: true,
		},
		{
			name:      "sh command",
			output:    "sh: startx: not found\n",
			wantError: "Command not found: startx",
			wantCmd:   "pkg install -y xinit",
			wantCat:   "package",
		},
		{
			name:      "csh command",
			output:    "htop: Command not found.\n",
			wantError: "Command not found: htop",
			wantCmd:   "pkg search htop",
			wantCat:   "package",
		},
		{
			name:      "permission",
			output:    "sh: /usr/local/bin/status.sh: Permission denied\n",
			wantError: "Permission denied: /usr/local/bin/status.sh",
			wantCmd:   "chmod +x /usr/local/bin/status.sh",
			wantCat:   "permission",
		},
		{
			name:      "missing file",
			output:    "cat: /usr/local/etc/X11/xorg.conf.d/10-vesa.conf: No such file or directory\n",
			wantError: "File not found: /usr/local/etc/X11/xorg.conf.d/10-vesa.conf",
			wantCmd:   "ls -la /usr/local/etc/X11/xorg.conf.d",
			wantCat:   "filesystem",
		},
		{
			name:      "umount",
			output:    "mount: /: Device busy\n",
			wantError: "Device busy",
			wantCmd:   "fstat -f /",
			wantCat:   "filesystem",
		},
	}

	a := NewAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			suggestions := a.Analyze(tt.output, true)
			var got *Suggestion
			for _, s := range suggestions {
				if s.Error == tt.wantError {
					got = s
				}
			}
			if got == nil {
				t.Fatalf("no %q suggestion in %v", tt.wantError, suggestions)
			}
			if got.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCat)
			}
			if got.Risky != tt.wantRisky {
				t.Errorf("Risky = %v, want %v", got.Risky, tt.wantRisky)
			}
			if !strings.Contains(strings.Join(got.Commands, "\n"), tt.wantCmd) {
				t.Errorf("Commands = %v, want one containing %q", got.Commands, tt.wantCmd)
			}
		})
	}
}

func TestAnalyzer_PkgNotFoundIsNotCommandNotFound(t *testing.T) {
	suggestions := NewAnalyzer().Analyze("sh: pkg: not found\n", true)
	if len(suggestions) != 1 {
		t.Fatalf("got %d suggestions, want only the bootstrap one: %v", len(suggestions), suggestions)
	}
}

func TestAnalyzer_SortedByConfidence(t *testing.T) {
	output := "sh: startx: not found\n/etc/rc.conf: Read-only file system\n"
	suggestions := NewAnalyzer().Analyze(output, true)
	if len(suggestions) < 2 {
		t.Fatalf("got %d suggestions, want 2", len(suggestions))
	}
	for i := 1; i < len(suggestions); i++ {
		if suggestions[i].Confidence > suggestions[i-1].Confidence {
			t.Errorf("suggestions not sorted: %v", suggestions)
		}
	}
	if suggestions[0].Category != "filesystem" {
		t.Errorf("first suggestion = %v, want the read-only one", suggestions[0])
	}
}

func TestAnalyzer_SucceededCommand(t *testing.T) {
	a := NewAnalyzer()

	if s := a.Analyze("FreeBSD webbsd 14.1-RELEASE i386\n", false); s != nil {
		t.Errorf("clean output gave %v", s)
	}
	// Exit status 0 but the output still reports a problem.
	if s := a.Analyze("cp: /etc/x: Read-only file system\n", false); len(s) == 0 {
		t.Error("error in output of a successful command was ignored")
	}
}

func TestAnalyzer_UnknownFailure(t *testing.T) {
	if s := NewAnalyzer().Analyze("segmentation fault\n", true); len(s) != 0 {
		t.Errorf("got %v, want no suggestions", s)
	}
}

func TestSuggestion_String(t *testing.T) {
	s := &Suggestion{Error: "Disk full", Commands: []string{"df -h", "pkg clean -ay"}}
	if got, want := s.String(), "Disk full; try: df -h / pkg clean -ay"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := (&Suggestion{Error: "x"}).String(); got != "x" {
		t.Errorf("String() = %q", got)
	}
}
