package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// agentbridge 像素字，左半 muted，右半高亮
var logoLeft = []string{
	"█▀▀█ █▀▀▀ █▀▀▀ █▀▀▄ ▀█▀ ",
	"█▀▀█ █ ▀█ █▀▀  █  █  █  ",
	"▀  ▀ ▀▀▀▀ ▀▀▀▀ ▀  ▀  ▀  ",
}

var logoRight = []string{
	"█▀▀▄ █▀▀█ ▀ █▀▀▄ █▀▀▀ █▀▀▀",
	"█▀▀▄ █▄▄▀ █ █  █ █ ▀█ █▀▀ ",
	"▀▀▀  ▀ ▀▀ ▀ ▀▀▀  ▀▀▀▀ ▀▀▀▀",
}

// 渲染 Logo，按 width 居中
func renderLogo(width int) string {
	theme := getTheme()
	var b strings.Builder
	for i := range logoLeft {
		left := theme.muted().Render(logoLeft[i])
		right := lipgloss.NewStyle().Foreground(theme.text).Bold(true).Render(logoRight[i])
		line := left + right
		if padding := (width - lipgloss.Width(line)) / 2; padding > 0 {
			line = strings.Repeat(" ", padding) + line
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// 小型 Logo（用于 header）
func renderMiniLogo() string {
	theme := getTheme()
	return theme.muted().Render("agent") +
		lipgloss.NewStyle().Foreground(theme.primary).Bold(true).Render("bridge")
}
