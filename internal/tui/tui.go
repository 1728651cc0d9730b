package tui

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/highclaw/agentbridge/pkg/streamclient"
)

// 页面类型
type pageType int

const (
	pageHome   pageType = iota // 首页
	pageThread                 // 线程页面
)

// Backend issues the console's commands against a running gateway.
type Backend interface {
	StartThread(ctx context.Context) (string, error)
	StartTurn(ctx context.Context, threadID, text string) error
	Interrupt(ctx context.Context, threadID, turnID string) error
	RespondApproval(ctx context.Context, requestID, decision string) error
}

// Stream delivers a thread's events until stopped.
type Stream interface {
	Start(ctx context.Context) error
	Stop()
}

// StreamFactory opens a Stream for one thread.
type StreamFactory func(threadID string, onEvents func([]streamclient.Event), onState func(from, to streamclient.State)) Stream

// Options 配置 TUI 启动参数
type Options struct {
	BaseURL   string
	ThreadID  string
	Version   string
	Backend   Backend
	NewStream StreamFactory
}

type streamEventsMsg struct {
	ThreadID string
	Events   []streamclient.Event
}

type streamStateMsg struct {
	ThreadID string
	State    streamclient.State
}

type threadStartedMsg struct {
	ThreadID string
	Err      error
}

type actionMsg struct {
	Label string
	Err   error
}

const requestTimeout = 30 * time.Second

// Model 表示 TUI 状态
type Model struct {
	opts    Options
	backend Backend

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	threadID    string
	transcript  *transcript
	streamState streamclient.State
	stream      Stream
	stopStream  context.CancelFunc
	inbox       chan tea.Msg

	width  int
	height int
	ready  bool

	page      pageType
	starting  bool
	sending   bool
	lastError string
	queued    []string
	interrupt int
}

// NewModel 创建新的 TUI Model
func NewModel(opts Options) Model {
	if opts.NewStream == nil {
		opts.NewStream = httpStream(opts.BaseURL)
	}

	ta := textarea.New()
	ta.Placeholder = "Ask the agent... /help for commands"
	ta.Focus()
	ta.CharLimit = 10000
	ta.SetHeight(1)
	ta.ShowLineNumbers = false
	ta.Prompt = ""

	vp := viewport.New(80, 20)
	vp.SetContent("")

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(getTheme().primary)

	return Model{
		opts:        opts,
		backend:     opts.Backend,
		textarea:    ta,
		viewport:    vp,
		spinner:     sp,
		transcript:  &transcript{},
		streamState: streamclient.StateIdle,
		inbox:       make(chan tea.Msg, 256),
		page:        pageHome,
	}
}

// Init 初始化 TUI
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.spinner.Tick, waitForStream(m.inbox)}
	if m.opts.ThreadID != "" {
		cmds = append(cmds, func() tea.Msg { return threadStartedMsg{ThreadID: m.opts.ThreadID} })
	}
	return tea.Batch(cmds...)
}

// Update 处理消息
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resize()
		m.updateViewport()
		return m, nil

	case threadStartedMsg:
		m.starting = false
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
			m.transcript.system(time.Now(), "Error: "+msg.Err.Error())
			m.updateViewport()
			return m, nil
		}
		m.attach(msg.ThreadID)
		if len(m.queued) > 0 {
			text := m.queued[0]
			m.queued = m.queued[1:]
			cmds = append(cmds, m.sendTurn(text))
		}
		m.updateViewport()
		return m, tea.Batch(cmds...)

	case streamEventsMsg:
		if msg.ThreadID == m.threadID {
			wasBusy := m.busy()
			m.transcript.apply(msg.Events)
			if !m.transcript.running && !m.sending && len(m.queued) > 0 {
				text := m.queued[0]
				m.queued = m.queued[1:]
				cmds = append(cmds, m.sendTurn(text))
			}
			if !wasBusy && m.busy() {
				cmds = append(cmds, m.spinner.Tick)
			}
			m.updateViewport()
		}
		cmds = append(cmds, waitForStream(m.inbox))
		return m, tea.Batch(cmds...)

	case streamStateMsg:
		if msg.ThreadID == m.threadID {
			m.streamState = msg.State
		}
		return m, waitForStream(m.inbox)

	case actionMsg:
		m.sending = false
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
			m.transcript.system(time.Now(), msg.Label+" failed: "+msg.Err.Error())
			m.updateViewport()
		}
		return m, nil

	case spinner.TickMsg:
		if m.busy() {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.detach()
			return m, tea.Quit

		case tea.KeyEsc:
			if m.transcript.running {
				m.interrupt++
				if m.interrupt >= 2 {
					m.interrupt = 0
					m.queued = nil
					return m, m.interruptTurn()
				}
				return m, nil
			}
			m.detach()
			return m, tea.Quit

		case tea.KeyCtrlA:
			return m, m.answerOldest("accept")

		case tea.KeyCtrlD:
			return m, m.answerOldest("decline")

		case tea.KeyEnter:
			text := strings.TrimSpace(m.textarea.Value())
			if text == "" {
				return m, nil
			}
			m.textarea.Reset()
			m.textarea.SetHeight(1)
			m.lastError = ""
			m.interrupt = 0

			if m.page == pageHome {
				m.page = pageThread
			}

			// 命令处理
			if strings.HasPrefix(text, "/") {
				cmdName, args := parseCommand(text)
				cmd := findCommand(cmdName)
				if cmd == nil {
					m.transcript.system(time.Now(), "Unknown command: "+cmdName)
					m.updateViewport()
					return m, nil
				}
				result, teaCmd, err := cmd.Handler(&m, args)
				if err != nil {
					m.transcript.system(time.Now(), "Error: "+err.Error())
				} else if result != "" {
					m.transcript.system(time.Now(), result)
				}
				m.updateViewport()
				return m, teaCmd
			}

			// 发送消息
			switch {
			case m.threadID == "":
				m.queued = append(m.queued, text)
				if m.starting {
					return m, nil
				}
				m.starting = true
				return m, tea.Batch(m.startThread(), m.spinner.Tick)
			case m.transcript.running || m.sending:
				m.queued = append(m.queued, text)
				return m, nil
			}
			return m, tea.Batch(m.sendTurn(text), m.spinner.Tick)
		}
	}

	// 更新组件
	var tiCmd tea.Cmd
	m.textarea, tiCmd = m.textarea.Update(msg)
	cmds = append(cmds, tiCmd)

	if m.page == pageThread {
		var vpCmd tea.Cmd
		m.viewport, vpCmd = m.viewport.Update(msg)
		cmds = append(cmds, vpCmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) busy() bool {
	return m.starting || m.sending || m.transcript.running
}

// attach switches the console to threadID and starts streaming it.
func (m *Model) attach(threadID string) {
	m.detach()
	m.threadID = threadID
	m.transcript = &transcript{}
	m.streamState = streamclient.StateIdle
	m.page = pageThread

	ctx, cancel := context.WithCancel(context.Background())
	inbox := m.inbox
	deliver := func(msg tea.Msg) {
		select {
		case inbox <- msg:
		case <-ctx.Done():
		}
	}
	stream := m.opts.NewStream(threadID,
		func(events []streamclient.Event) {
			deliver(streamEventsMsg{ThreadID: threadID, Events: events})
		},
		func(_, to streamclient.State) {
			deliver(streamStateMsg{ThreadID: threadID, State: to})
		},
	)
	if err := stream.Start(ctx); err != nil {
		cancel()
		m.lastError = err.Error()
		m.transcript.system(time.Now(), "Error: "+err.Error())
		return
	}
	m.stream = stream
	m.stopStream = cancel
}

func (m *Model) detach() {
	if m.stopStream != nil {
		m.stopStream()
		m.stopStream = nil
	}
	if m.stream != nil {
		m.stream.Stop()
		m.stream = nil
	}
}

func (m *Model) startThread() tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		id, err := backend.StartThread(ctx)
		return threadStartedMsg{ThreadID: id, Err: err}
	}
}

func (m *Model) sendTurn(text string) tea.Cmd {
	m.sending = true
	m.transcript.lines = append(m.transcript.lines, chatLine{Role: "user", Content: text, Timestamp: time.Now()})
	backend, threadID := m.backend, m.threadID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return actionMsg{Label: "Send", Err: backend.StartTurn(ctx, threadID, text)}
	}
}

func (m *Model) interruptTurn() tea.Cmd {
	if m.threadID == "" {
		return nil
	}
	m.transcript.system(time.Now(), "Interrupting...")
	m.updateViewport()
	backend, threadID, turnID := m.backend, m.threadID, m.transcript.turnID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return actionMsg{Label: "Interrupt", Err: backend.Interrupt(ctx, threadID, turnID)}
	}
}

func (m *Model) answerOldest(decision string) tea.Cmd {
	pa := m.transcript.oldestApproval()
	if pa == nil {
		return nil
	}
	return m.respond(pa.RequestID, decision)
}

func (m *Model) respond(requestID, decision string) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return actionMsg{Label: "Approval " + requestID, Err: backend.RespondApproval(ctx, requestID, decision)}
	}
}

func waitForStream(inbox <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg { return <-inbox }
}

// View 渲染界面
func (m Model) View() string {
	if !m.ready {
		return "\n  Loading..."
	}
	if m.page == pageHome {
		return m.renderHomePage()
	}
	return m.renderThreadPage()
}

// renderHomePage 渲染首页
func (m *Model) renderHomePage() string {
	theme := getTheme()
	var b strings.Builder

	topPadding := (m.height - 10) / 2
	if topPadding < 2 {
		topPadding = 2
	}
	b.WriteString(strings.Repeat("\n", topPadding))
	b.WriteString(renderLogo(m.width))
	b.WriteString("\n")

	inputWidth := min(75, m.width-4)
	padding := (m.width - inputWidth) / 2
	if padding < 0 {
		padding = 0
	}
	leftBorder := lipgloss.NewStyle().Foreground(theme.primary).Render("┃ ")
	bottomBorder := lipgloss.NewStyle().Foreground(theme.primary).Render("╹")
	b.WriteString(strings.Repeat(" ", padding) + leftBorder + m.textarea.View() + "\n")
	b.WriteString(strings.Repeat(" ", padding) + bottomBorder + "\n")
	b.WriteString(strings.Repeat(" ", padding+2) + theme.muted().Render("gateway "+m.opts.BaseURL) + "\n")
	b.WriteString(strings.Repeat(" ", padding+2) + theme.muted().Render("enter starts a thread  /thread <id> attaches") + "\n")

	currentLines := strings.Count(b.String(), "\n") + 1
	if remaining := m.height - currentLines - 2; remaining > 0 {
		b.WriteString(strings.Repeat("\n", remaining))
	}
	b.WriteString("\n" + m.renderFooter())
	return b.String()
}

// renderThreadPage 渲染线程页面
func (m *Model) renderThreadPage() string {
	theme := getTheme()
	var b strings.Builder

	b.WriteString(m.renderThreadHeader())
	b.WriteString("\n")

	chatHeight := m.height - 7
	if chatHeight < 5 {
		chatHeight = 5
	}
	m.viewport.Height = chatHeight
	m.viewport.Width = m.width - 4
	b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(m.viewport.View()))
	b.WriteString("\n")

	leftBorder := lipgloss.NewStyle().Foreground(theme.primary).Render("┃ ")
	input := m.textarea.View()
	if m.busy() {
		input = m.spinner.View() + " " + input
	}
	b.WriteString("  " + leftBorder + input + "\n")
	b.WriteString("  " + lipgloss.NewStyle().Foreground(theme.primary).Render("╹") + "\n")
	b.WriteString(m.renderThreadFooter())
	return b.String()
}

func (m *Model) renderThreadHeader() string {
	theme := getTheme()
	title := lipgloss.NewStyle().Bold(true).Foreground(theme.text).Render("# " + m.threadID)
	if m.threadID == "" {
		title = lipgloss.NewStyle().Bold(true).Foreground(theme.text).Render("# new thread")
	}
	right := renderMiniLogo() + " " + m.renderStreamState()

	gap := m.width - lipgloss.Width(title) - lipgloss.Width(right) - 4
	if gap < 1 {
		gap = 1
	}
	leftBorder := lipgloss.NewStyle().Foreground(theme.border).Render("┃")
	return "  " + leftBorder + " " + title + strings.Repeat(" ", gap) + right
}

func (m *Model) renderStreamState() string {
	theme := getTheme()
	style := theme.muted()
	switch m.streamState {
	case streamclient.StateOpen:
		style = lipgloss.NewStyle().Foreground(theme.primary)
	case streamclient.StatePolling, streamclient.StateConnecting:
		style = lipgloss.NewStyle().Foreground(theme.warning)
	case streamclient.StateError:
		style = lipgloss.NewStyle().Foreground(theme.error)
	}
	return style.Render(string(m.streamState))
}

// renderFooter 渲染首页 footer
func (m *Model) renderFooter() string {
	theme := getTheme()
	pwd, _ := os.Getwd()
	left := theme.muted().Render(pwd)
	right := theme.muted().Render(m.opts.Version)
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 4
	if gap < 1 {
		gap = 1
	}
	return "  " + left + strings.Repeat(" ", gap) + right
}

func (m *Model) renderThreadFooter() string {
	theme := getTheme()

	var leftParts []string
	if m.transcript.running {
		active := lipgloss.NewStyle().
			Background(theme.primary).
			Foreground(lipgloss.Color("#000000")).
			Padding(0, 1).
			Render("RUNNING")
		leftParts = append(leftParts, active)

		escHint := "esc "
		if m.interrupt > 0 {
			escHint += lipgloss.NewStyle().Foreground(theme.primary).Render("again to interrupt")
		} else {
			escHint += theme.muted().Render("interrupt")
		}
		leftParts = append(leftParts, escHint)
	}
	if n := len(m.transcript.approvals); n > 0 {
		leftParts = append(leftParts, lipgloss.NewStyle().Foreground(theme.warning).Render(
			fmt.Sprintf("%d approval(s) waiting", n)))
	}
	if len(m.queued) > 0 {
		leftParts = append(leftParts, theme.muted().Render(fmt.Sprintf("%d queued", len(m.queued))))
	}
	left := strings.Join(leftParts, " ")

	hints := theme.muted().Render("ctrl+a accept  ctrl+d decline  /help")
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(hints) - 4
	if gap < 1 {
		gap = 1
	}
	return "  " + left + strings.Repeat(" ", gap) + hints
}

func (m *Model) resize() {
	m.viewport.Width = m.width - 4
	m.viewport.Height = m.height - 8
	m.textarea.SetWidth(min(70, m.width-10))
}

func (m *Model) updateViewport() {
	theme := getTheme()
	width := m.viewport.Width - 2
	if width < 10 {
		width = 10
	}
	var b strings.Builder

	lines := m.transcript.lines
	for i, line := range lines {
		switch line.Role {
		case "user":
			// 用户消息：左边框
			border := lipgloss.NewStyle().Foreground(theme.primary).Render("┃")
			b.WriteString(border + " " + lipgloss.NewStyle().Foreground(theme.text).Render(line.Content))
		case "assistant":
			b.WriteString(theme.muted().Render("▶ agent") + "\n")
			b.WriteString(lipgloss.NewStyle().Foreground(theme.text).Width(width).Render(line.Content))
		case "tool":
			b.WriteString(lipgloss.NewStyle().Foreground(theme.tool).Width(width).Render(line.Content))
		case "system":
			b.WriteString(theme.muted().Italic(true).Width(width).Render(line.Content))
		}
		if i < len(lines)-1 {
			b.WriteString("\n\n")
		}
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

// httpStream opens streams with the WebSocket/HTTP transport. Its logs are
// discarded; the alt screen owns the terminal.
func httpStream(baseURL string) StreamFactory {
	logger := slog.New(slog.DiscardHandler)
	return func(threadID string, onEvents func([]streamclient.Event), onState func(from, to streamclient.State)) Stream {
		return streamclient.New(streamclient.Options{
			BaseURL:       baseURL,
			ThreadID:      threadID,
			OnEvents:      onEvents,
			OnStateChange: onState,
			Logger:        logger,
		})
	}
}

// Run 启动 TUI
func Run(opts Options) error {
	if opts.Backend == nil {
		return fmt.Errorf("tui: backend is required")
	}
	m := NewModel(opts)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	final, err := p.Run()
	if fm, ok := final.(Model); ok {
		fm.detach()
	}
	if err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}
	return nil
}
