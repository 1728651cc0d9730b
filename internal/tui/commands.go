package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// Command represents a TUI slash command. A handler returns text for the
// transcript and an optional command to run.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Category    string
	Handler     func(m *Model, args []string) (string, tea.Cmd, error)
}

// getBuiltinCommands returns the list of all built-in commands
func getBuiltinCommands() []Command {
	return []Command{
		// Thread commands
		{Name: "new", Aliases: []string{"n"}, Description: "Start a new thread", Category: "Thread", Handler: cmdNewThread},
		{Name: "thread", Aliases: []string{"t", "attach"}, Description: "Attach to a thread by id", Category: "Thread", Handler: cmdAttach},
		{Name: "interrupt", Aliases: []string{"stop"}, Description: "Interrupt the running turn", Category: "Thread", Handler: cmdInterrupt},

		// Approval commands
		{Name: "approvals", Aliases: []string{"ap"}, Description: "List waiting approvals", Category: "Approval", Handler: cmdListApprovals},
		{Name: "accept", Aliases: []string{"y"}, Description: "Accept an approval (oldest if no id)", Category: "Approval", Handler: cmdAccept},
		{Name: "decline", Aliases: []string{"no"}, Description: "Decline an approval (oldest if no id)", Category: "Approval", Handler: cmdDecline},

		// System commands
		{Name: "clear", Aliases: []string{"cls", "c"}, Description: "Clear transcript", Category: "System", Handler: cmdClear},
		{Name: "info", Aliases: []string{"i"}, Description: "Show connection info", Category: "System", Handler: cmdInfo},
		{Name: "help", Aliases: []string{"h", "?"}, Description: "Show help", Category: "System", Handler: cmdHelp},
		{Name: "quit", Aliases: []string{"q", "exit"}, Description: "Quit TUI", Category: "System", Handler: cmdQuit},
	}
}

func findCommand(name string) *Command {
	name = strings.ToLower(strings.TrimSpace(name))
	cmds := getBuiltinCommands()
	for i := range cmds {
		if cmds[i].Name == name {
			return &cmds[i]
		}
		for _, alias := range cmds[i].Aliases {
			if alias == name {
				return &cmds[i]
			}
		}
	}
	return nil
}

func parseCommand(input string) (name string, args []string) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", nil
	}
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func cmdNewThread(m *Model, args []string) (string, tea.Cmd, error) {
	if m.starting {
		return "", nil, fmt.Errorf("a thread is already starting")
	}
	m.detach()
	m.threadID = ""
	m.transcript = &transcript{}
	m.queued = nil
	m.starting = true
	return "Starting thread...", tea.Batch(m.startThread(), m.spinner.Tick), nil
}

func cmdAttach(m *Model, args []string) (string, tea.Cmd, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("usage: /thread <id>")
	}
	id := args[0]
	m.queued = nil
	return "", func() tea.Msg { return threadStartedMsg{ThreadID: id} }, nil
}

func cmdInterrupt(m *Model, args []string) (string, tea.Cmd, error) {
	if !m.transcript.running {
		return "No turn is running.", nil, nil
	}
	m.queued = nil
	return "", m.interruptTurn(), nil
}

func cmdListApprovals(m *Model, args []string) (string, tea.Cmd, error) {
	if len(m.transcript.approvals) == 0 {
		return "No approvals waiting.", nil, nil
	}
	var b strings.Builder
	b.WriteString("Waiting approvals:\n")
	for _, pa := range m.transcript.approvals {
		fmt.Fprintf(&b, "  %s  %s  %s\n", pa.RequestID, pa.Method, truncStr(pa.Summary, 60))
	}
	return strings.TrimRight(b.String(), "\n"), nil, nil
}

func cmdAccept(m *Model, args []string) (string, tea.Cmd, error) {
	return answer(m, args, "accept")
}

func cmdDecline(m *Model, args []string) (string, tea.Cmd, error) {
	return answer(m, args, "decline")
}

func answer(m *Model, args []string, decision string) (string, tea.Cmd, error) {
	if len(args) > 0 {
		return "", m.respond(args[0], decision), nil
	}
	pa := m.transcript.oldestApproval()
	if pa == nil {
		return "No approvals waiting.", nil, nil
	}
	return "", m.respond(pa.RequestID, decision), nil
}

func cmdClear(m *Model, args []string) (string, tea.Cmd, error) {
	m.transcript.lines = nil
	return "", nil, nil
}

func cmdInfo(m *Model, args []string) (string, tea.Cmd, error) {
	thread := m.threadID
	if thread == "" {
		thread = "(none)"
	}
	return fmt.Sprintf("Gateway: %s\nThread:  %s\nStream:  %s\nCursor:  %d",
		m.opts.BaseURL, thread, m.streamState, m.transcript.applied), nil, nil
}

func cmdHelp(m *Model, args []string) (string, tea.Cmd, error) {
	byCategory := make(map[string][]Command)
	for _, cmd := range getBuiltinCommands() {
		byCategory[cmd.Category] = append(byCategory[cmd.Category], cmd)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var b strings.Builder
	for _, c := range categories {
		b.WriteString(c + ":\n")
		for _, cmd := range byCategory[c] {
			fmt.Fprintf(&b, "  /%-10s %s\n", cmd.Name, cmd.Description)
		}
	}
	b.WriteString("Keys: enter send  esc esc interrupt  ctrl+a accept  ctrl+d decline  ctrl+c quit")
	return b.String(), nil, nil
}

func cmdQuit(m *Model, args []string) (string, tea.Cmd, error) {
	m.detach()
	return "", tea.Quit, nil
}

func truncStr(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
