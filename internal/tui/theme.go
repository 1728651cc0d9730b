// Package tui implements the terminal thread console.
package tui

import "github.com/charmbracelet/lipgloss"

// Theme 定义 TUI 的颜色主题
type Theme struct {
	text      lipgloss.Color
	textMuted lipgloss.Color
	primary   lipgloss.Color
	warning   lipgloss.Color
	error     lipgloss.Color
	border    lipgloss.Color
	tool      lipgloss.Color
}

// 默认主题（暗色）
func getTheme() Theme {
	return Theme{
		text:      lipgloss.Color("#e0e0e0"),
		textMuted: lipgloss.Color("#666666"),
		primary:   lipgloss.Color("#06b6d4"), // 青色
		warning:   lipgloss.Color("#eab308"),
		error:     lipgloss.Color("#ef4444"),
		border:    lipgloss.Color("#333333"),
		tool:      lipgloss.Color("#a78bfa"),
	}
}

func (t Theme) muted() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.textMuted)
}
