// Package prompt recognizes guest console screens that wait for input.
package prompt

import "regexp"

// PromptType indicates the type of prompt detected.
type PromptType string

const (
	PromptTypePassword     PromptType = "password"
	PromptTypeConfirmation PromptType = "confirmation"
	PromptTypeText         PromptType = "text"
	PromptTypeEditor       PromptType = "editor"
	PromptTypePager        PromptType = "pager"
	// PromptTypeBoot is a boot stopped short of multi-user mode.
	PromptTypeBoot PromptType = "boot"
	// PromptTypeDebugger is the kernel debugger after a panic.
	PromptTypeDebugger PromptType = "debugger"
)

// Pattern represents a prompt detection pattern.
type Pattern struct {
	Name              string
	Regex             *regexp.Regexp
	Type              PromptType
	MaskInput         bool
	SuggestedResponse string
}

// DefaultPatterns returns the built-in patterns for a FreeBSD guest.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Boot trouble
		{
			Name:  "mountroot",
			Regex: regexp.MustCompile(`mountroot>\s*$`),
			Type:  PromptTypeBoot,
		},
		{
			Name:              "single_user",
			Regex:             regexp.MustCompile(`Enter full pathname of shell or RETURN for /bin/sh:\s*$`),
			Type:              PromptTypeBoot,
			SuggestedResponse: "\n",
		},
		{
			Name:              "fsck_fix",
			Regex:             regexp.MustCompile(`(?:FIX|SALVAGE|CLEAR|RECONNECT|ADJUST)\?\s*(?:\[yn\])?\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "y",
		},
		{
			Name:              "ddb",
			Regex:             regexp.MustCompile(`(?m)^db>\s*$`),
			Type:              PromptTypeDebugger,
			SuggestedResponse: "reset",
		},

		// Passwords
		{
			Name:      "passwd_new",
			Regex:     regexp.MustCompile(`(?i)(?:new|retype new) password:\s*$`),
			Type:      PromptTypePassword,
			MaskInput: true,
		},
		{
			Name:      "password",
			Regex:     regexp.MustCompile(`(?i)password:\s*$`),
			Type:      PromptTypePassword,
			MaskInput: true,
		},

		// pkg and other confirmations
		{
			Name:              "pkg_bootstrap",
			Regex:             regexp.MustCompile(`(?i)do you want to fetch and install it now\? \[y/N\]:\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "y",
		},
		{
			Name:              "pkg_proceed",
			Regex:             regexp.MustCompile(`(?i)proceed with this action\? \[y/N\]:\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "y",
		},
		{
			Name:              "yes_no_generic",
			Regex:             regexp.MustCompile(`(?i)\(yes/no\)\??\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "yes",
		},
		{
			Name:              "y_n_generic",
			Regex:             regexp.MustCompile(`(?i)\[y/n\]:?\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "y",
		},
		{
			Name:              "overwrite_confirm",
			Regex:             regexp.MustCompile(`(?i)overwrite .+\?\s*(?:\(y/n(?: \[n\])?\))?\s*$`),
			Type:              PromptTypeConfirmation,
			SuggestedResponse: "y",
		},

		// Full-screen programs
		{
			Name:              "vi_editor",
			Regex:             regexp.MustCompile(`(?m)(?:^~\s*\n){3,}`),
			Type:              PromptTypeEditor,
			SuggestedResponse: ":q!",
		},
		{
			Name:              "ee_editor",
			Regex:             regexp.MustCompile(`\^\[ \(escape\) menu`),
			Type:              PromptTypeEditor,
			SuggestedResponse: "\x1b",
		},
		{
			Name:              "more_pager",
			Regex:             regexp.MustCompile(`--More--|\(END\)\s*$`),
			Type:              PromptTypePager,
			SuggestedResponse: "q",
		},
		{
			Name:              "less_pager",
			Regex:             regexp.MustCompile(`(?m)^:\s*$|lines \d+-\d+`),
			Type:              PromptTypePager,
			SuggestedResponse: "q",
		},
	}
}
