// Package ui renders styled CLI output.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	if !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Adaptive colors for light and dark backgrounds.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#5a8a00", Dark: "#c2d94c"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#b07700", Dark: "#ffb454"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#c0392b", Dark: "#f07178"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#2a6fb0", Dark: "#59c2ff"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#7f8c8d", Dark: "#6c7680"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	LabelStyle  = lipgloss.NewStyle().Foreground(ColorMuted).Width(18)
)

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderHeader(s string) string { return HeaderStyle.Render(s) }

// RenderBool renders b as a green yes or a muted no.
func RenderBool(b bool) string {
	if b {
		return RenderPass("yes")
	}
	return RenderMuted("no")
}

// KV is one row of a key/value table.
type KV struct {
	Key   string
	Value any
}

// RenderTable lays out rows as aligned label/value lines under title.
func RenderTable(title string, rows []KV) string {
	var b strings.Builder
	if title != "" {
		b.WriteString(RenderHeader(title))
		b.WriteString("\n")
	}
	for _, r := range rows {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, LabelStyle.Render(r.Key), fmt.Sprint(r.Value)))
		b.WriteString("\n")
	}
	return b.String()
}
