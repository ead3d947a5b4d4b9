// Package fakeshell simulates a POSIX shell behind a serial console. It
// understands the small vocabulary the command driver and the file transfer
// helper emit (echo, printf, rm, chmod, b64decode, wc, cat, ...), keeps an
// in-memory filesystem and answers through a fake console port.
package fakeshell

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/acolita/webbsd-builder/internal/testing/fakes/fakeconsole"
)

// Handler implements a custom command. It returns the command's output and
// exit status.
type Handler func(args []string, stdin []byte) (string, int)

// File is an entry of the in-memory filesystem.
type File struct {
	Data       []byte
	Executable bool
	Owner      string
}

// Shell is a fake remote shell.
type Shell struct {
	port *fakeconsole.Port

	mu        sync.Mutex
	echo      bool
	prompt    string
	latency   int
	files     map[string]*File
	handlers  map[string]Handler
	history   []string
	lastCode  int
	pending   strings.Builder
	appends   map[string]int
	corrupted map[string]map[int]bool
}

// Option configures a Shell.
type Option func(*Shell)

// WithEcho makes the shell echo every typed line back, the way a terminal
// with local echo does. The completion marker then shows up twice.
func WithEcho() Option {
	return func(s *Shell) { s.echo = true }
}

// WithLatency delays every response by polls TryRead calls.
func WithLatency(polls int) Option {
	return func(s *Shell) { s.latency = polls }
}

// WithPrompt sets the prompt printed after every command.
func WithPrompt(prompt string) Option {
	return func(s *Shell) { s.prompt = prompt }
}

// New creates a shell with an empty filesystem.
func New(opts ...Option) *Shell {
	s := &Shell{
		prompt:    "# ",
		files:     make(map[string]*File),
		handlers:  make(map[string]Handler),
		appends:   make(map[string]int),
		corrupted: make(map[string]map[int]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.port = fakeconsole.New().OnWrite(s.onWrite)
	return s
}

// Port returns the console port connected to the shell.
func (s *Shell) Port() *fakeconsole.Port {
	return s.port
}

// Handle registers a custom command.
func (s *Shell) Handle(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// CorruptAppend drops the last four bytes of the nth (1-based) append to path,
// simulating characters lost on the serial line.
func (s *Shell) CorruptAppend(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupted[path] == nil {
		s.corrupted[path] = make(map[int]bool)
	}
	s.corrupted[path][n] = true
}

// File returns a copy of the file at path.
func (s *Shell) File(path string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	if !ok {
		return File{}, false
	}
	return File{Data: append([]byte(nil), f.Data...), Executable: f.Executable, Owner: f.Owner}, true
}

// PutFile creates a file.
func (s *Shell) PutFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = &File{Data: append([]byte(nil), data...)}
}

// Paths lists all file paths.
func (s *Shell) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// History returns every command line received.
func (s *Shell) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

func (s *Shell) onWrite(p *fakeconsole.Port, b []byte) {
	s.mu.Lock()
	s.pending.Write(b)
	buffered := s.pending.String()

	var lines []string
	for {
		i := strings.IndexByte(buffered, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(buffered[:i], "\r"))
		buffered = buffered[i+1:]
	}
	s.pending.Reset()
	s.pending.WriteString(buffered)

	var out strings.Builder
	for _, line := range lines {
		s.history = append(s.history, line)
		if s.echo {
			out.WriteString(line + "\r\n")
		}
		out.WriteString(toCRLF(s.runLine(line)))
		out.WriteString(s.prompt)
	}
	latency := s.latency
	s.mu.Unlock()

	if out.Len() > 0 {
		p.EmitAfter(latency, out.String())
	}
}

func toCRLF(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// runLine executes a command list joined by && and ;.
func (s *Shell) runLine(line string) string {
	toks, err := tokenize(line)
	if err != nil {
		s.lastCode = 2
		return "sh: syntax error: " + err.Error() + "\n"
	}

	var out strings.Builder
	var cur []token
	skip := false
	flush := func() {
		if len(cur) > 0 && !skip {
			o, code := s.runSimple(cur)
			out.WriteString(o)
			s.lastCode = code
		}
		cur = nil
	}

	for _, tok := range toks {
		if tok.op {
			switch tok.text {
			case "&&":
				flush()
				skip = s.lastCode != 0
				continue
			case ";":
				flush()
				skip = false
				continue
			}
		}
		cur = append(cur, tok)
	}
	flush()

	return out.String()
}

type redirect struct {
	out    string
	append bool
	in     string
}

func (s *Shell) runSimple(toks []token) (string, int) {
	var args []string
	var r redirect
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.op && (t.text == ">" || t.text == ">>" || t.text == "<") {
			if i+1 >= len(toks) || toks[i+1].op {
				return "sh: missing redirect target\n", 2
			}
			target := toks[i+1].text
			i++
			switch t.text {
			case ">":
				r.out, r.append = target, false
			case ">>":
				r.out, r.append = target, true
			case "<":
				r.in = target
			}
			continue
		}
		args = append(args, strings.ReplaceAll(t.text, statusRef, strconv.Itoa(s.lastCode)))
	}
	if len(args) == 0 {
		return "", 0
	}

	var stdin []byte
	if r.in != "" {
		f, ok := s.files[r.in]
		if !ok {
			return fmt.Sprintf("sh: cannot open %s: No such file or directory\n", r.in), 2
		}
		stdin = f.Data
	}

	out, code := s.exec(args, stdin)

	if r.out != "" {
		if r.out != "/dev/null" {
			s.writeFile(r.out, []byte(out), r.append)
		}
		return "", code
	}
	return out, code
}

func (s *Shell) writeFile(path string, data []byte, appendMode bool) {
	f, ok := s.files[path]
	if !ok || !appendMode {
		f = &File{}
		s.files[path] = f
	}
	if appendMode {
		s.appends[path]++
		if s.corrupted[path][s.appends[path]] {
			trimmed := strings.TrimSuffix(string(data), "\n")
			if len(trimmed) >= 4 {
				trimmed = trimmed[:len(trimmed)-4]
			}
			data = []byte(trimmed + "\n")
		}
		f.Data = append(f.Data, data...)
		return
	}
	f.Data = append([]byte(nil), data...)
}

func (s *Shell) exec(args []string, stdin []byte) (string, int) {
	name := args[0]
	if h, ok := s.handlers[name]; ok {
		return h(args[1:], stdin)
	}

	switch name {
	case "echo":
		// FreeBSD sh takes leading -n and -e as options.
		words, nl := args[1:], "\n"
		for len(words) > 0 && (words[0] == "-n" || words[0] == "-e") {
			if words[0] == "-n" {
				nl = ""
			}
			words = words[1:]
		}
		return strings.Join(words, " ") + nl, 0
	case "printf":
		if len(args) < 2 {
			return "usage: printf format [arguments ...]\n", 1
		}
		return printf(args[1], args[2:]), 0
	case "rm":
		for _, a := range args[1:] {
			if strings.HasPrefix(a, "-") {
				continue
			}
			delete(s.files, a)
		}
		return "", 0
	case "chmod":
		if len(args) < 3 {
			return "usage: chmod mode file\n", 1
		}
		for _, p := range args[2:] {
			f, ok := s.files[p]
			if !ok {
				return fmt.Sprintf("chmod: %s: No such file or directory\n", p), 1
			}
			if strings.Contains(args[1], "x") {
				f.Executable = true
			}
		}
		return "", 0
	case "chown":
		if len(args) < 3 {
			return "usage: chown owner file\n", 1
		}
		for _, p := range args[2:] {
			if f, ok := s.files[p]; ok {
				f.Owner = args[1]
			}
		}
		return "", 0
	case "cat":
		var out strings.Builder
		if len(args) == 1 {
			return string(stdin), 0
		}
		for _, p := range args[1:] {
			f, ok := s.files[p]
			if !ok {
				return fmt.Sprintf("cat: %s: No such file or directory\n", p), 1
			}
			out.Write(f.Data)
		}
		return out.String(), 0
	case "b64decode":
		return s.b64decode(args[1:], stdin)
	case "wc":
		if len(args) == 2 && args[1] == "-c" {
			return fmt.Sprintf("%8d\n", len(stdin)), 0
		}
		return "usage: wc -c < file\n", 1
	case "true", ":", "sync", "sleep", "mkdir":
		return "", 0
	case "false":
		return "", 1
	}

	return fmt.Sprintf("sh: %s: not found\n", name), 127
}

func (s *Shell) b64decode(args []string, stdin []byte) (string, int) {
	input := stdin
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		f, ok := s.files[a]
		if !ok {
			return fmt.Sprintf("b64decode: %s: No such file or directory\n", a), 1
		}
		input = f.Data
	}

	clean := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, string(input))

	data, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return "b64decode: " + err.Error() + "\n", 1
	}
	return string(data), 0
}

func printf(format string, args []string) string {
	format = strings.ReplaceAll(format, `\n`, "\n")
	if !strings.Contains(format, "%s") {
		return format
	}
	if len(args) == 0 {
		return strings.ReplaceAll(format, "%s", "")
	}
	var out strings.Builder
	for _, a := range args {
		out.WriteString(strings.Replace(format, "%s", a, 1))
	}
	return out.String()
}
