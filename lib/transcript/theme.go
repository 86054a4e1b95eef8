// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import "github.com/charmbracelet/lipgloss"

// Theme is the color palette for rendered transcripts. All colors are
// lipgloss ANSI 256-color codes for broad terminal compatibility.
type Theme struct {
	// Body text.
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Markdown chrome.
	HeaderText lipgloss.Color
	RuleColor  lipgloss.Color
	LinkText   lipgloss.Color

	// Transcript marker lines.
	InputPrefix   lipgloss.Color
	StatusAccent  lipgloss.Color
	ErrorAccent   lipgloss.Color
	AuthAccent    lipgloss.Color
	SuccessAccent lipgloss.Color
}

// DefaultTheme is the built-in dark-terminal scheme, tuned for
// 256-color terminals with dark backgrounds.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	HeaderText: lipgloss.Color("255"),
	RuleColor:  lipgloss.Color("240"),
	LinkText:   lipgloss.Color("75"), // blue

	InputPrefix:   lipgloss.Color("220"), // amber
	StatusAccent:  lipgloss.Color("114"), // green
	ErrorAccent:   lipgloss.Color("196"), // red
	AuthAccent:    lipgloss.Color("141"), // purple
	SuccessAccent: lipgloss.Color("114"), // green
}
