package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// recentLines is how far back from the end of the buffer prompts are looked
// for. A prompt is only relevant while it is the last thing on screen.
const recentLines = 10

// Detection represents a detected prompt.
type Detection struct {
	Pattern           Pattern
	MatchedText       string
	ContextBuffer     string // Text before the match, within the recent lines
	SuggestedResponse string
}

// Detector detects input prompts in console output.
type Detector struct {
	patterns       []Pattern
	customPatterns []Pattern
	mu             sync.RWMutex
}

// NewDetector creates a new prompt detector with default patterns.
func NewDetector() *Detector {
	return &Detector{
		patterns: DefaultPatterns(),
	}
}

// AddPattern adds a custom pattern to the detector. Custom patterns are
// checked before the built-in ones.
func (d *Detector) AddPattern(p Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customPatterns = append(d.customPatterns, p)
}

// AddPatternFromConfig adds a pattern from configuration.
func (d *Detector) AddPatternFromConfig(name, regex, promptType string, maskInput bool) error {
	re, err := regexp.Compile(regex)
	if err != nil {
		return fmt.Errorf("prompt %s: %w", name, err)
	}

	var pt PromptType
	switch promptType {
	case "password":
		pt = PromptTypePassword
	case "confirmation":
		pt = PromptTypeConfirmation
	case "editor":
		pt = PromptTypeEditor
	case "pager":
		pt = PromptTypePager
	case "boot":
		pt = PromptTypeBoot
	default:
		pt = PromptTypeText
	}

	d.AddPattern(Pattern{
		Name:      name,
		Regex:     re,
		Type:      pt,
		MaskInput: maskInput,
	})

	return nil
}

// Detect checks if the end of buffer shows a prompt.
// Returns the detection if found, nil otherwise.
func (d *Detector) Detect(buffer string) *Detection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	recent := recentText(buffer)
	for _, p := range d.customPatterns {
		if match := matchPattern(recent, p); match != nil {
			return match
		}
	}
	for _, p := range d.patterns {
		if match := matchPattern(recent, p); match != nil {
			return match
		}
	}
	return nil
}

// DetectAll returns all matching prompts in the buffer.
func (d *Detector) DetectAll(buffer string) []Detection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	recent := recentText(buffer)
	var detections []Detection
	for _, set := range [][]Pattern{d.customPatterns, d.patterns} {
		for _, p := range set {
			if match := matchPattern(recent, p); match != nil {
				detections = append(detections, *match)
			}
		}
	}
	return detections
}

// recentText returns the last lines of buffer with carriage returns removed.
func recentText(buffer string) string {
	buffer = strings.ReplaceAll(buffer, "\r", "")
	lines := strings.Split(buffer, "\n")
	if len(lines) > recentLines {
		lines = lines[len(lines)-recentLines:]
	}
	return strings.Join(lines, "\n")
}

func matchPattern(recent string, p Pattern) *Detection {
	loc := p.Regex.FindStringIndex(recent)
	if loc == nil {
		return nil
	}
	return &Detection{
		Pattern:           p,
		MatchedText:       recent[loc[0]:loc[1]],
		ContextBuffer:     strings.TrimSpace(recent[:loc[0]]),
		SuggestedResponse: p.SuggestedResponse,
	}
}

// IsPasswordPrompt returns true if the detection is for a password prompt.
func (det *Detection) IsPasswordPrompt() bool {
	return det.Pattern.Type == PromptTypePassword
}

// IsConfirmation returns true if the detection is for a confirmation prompt.
func (det *Detection) IsConfirmation() bool {
	return det.Pattern.Type == PromptTypeConfirmation
}

// IsBootFailure returns true if the guest stopped before reaching a login.
func (det *Detection) IsBootFailure() bool {
	return det.Pattern.Type == PromptTypeBoot || det.Pattern.Type == PromptTypeDebugger
}

// Hint returns a human-readable hint for the prompt.
func (det *Detection) Hint() string {
	switch det.Pattern.Type {
	case PromptTypePassword:
		return "Password required. Set ROOT_PASSWORD or add an expect step that sends it."
	case PromptTypeConfirmation:
		if det.SuggestedResponse != "" {
			return fmt.Sprintf("Confirmation required. Suggested response: %q", det.SuggestedResponse)
		}
		return "Confirmation required."
	case PromptTypeEditor:
		return "Interactive editor open on the console. Write files with a write step instead."
	case PromptTypePager:
		return "Pager waiting on the console. Press 'q', or pipe the command through cat."
	case PromptTypeBoot:
		if det.Pattern.Name == "mountroot" {
			return "The kernel could not find its root file system. Check the image and the disk interface."
		}
		return "The guest booted into single-user mode."
	case PromptTypeDebugger:
		return "The kernel panicked into the debugger. The backtrace is on the console above."
	default:
		return "Input required."
	}
}
