// Package console implements the terminal operator console: a bubbletea
// program that queues permission_request prompts and blocks the caller
// until the operator answers.
package console

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/laynepenney/codi-sub005/internal/config"
	"github.com/laynepenney/codi-sub005/internal/debuglog"
)

// keyMap defines the console's key bindings, grouped the way the wider
// Codi terminal UI defines its own ViewKeyMap.
type keyMap struct {
	Approve        key.Binding
	Deny           key.Binding
	ApproveAlways  key.Binding
	ApproveSession key.Binding
	Quit           key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Approve: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "approve"),
		),
		Deny: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "deny"),
		),
		ApproveAlways: key.NewBinding(
			key.WithKeys("A"),
			key.WithHelp("A", "approve always"),
		),
		ApproveSession: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "approve for session"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "quit"),
		),
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	queueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

type request struct {
	childID      string
	confirmation config.ToolConfirmation
	resp         chan config.ConfirmationResult
}

// requestMsg wraps a queued request as a tea.Msg.
type requestMsg request

// Console is a running terminal permission console. Its RequestPermission
// method implements config.PermissionRequestFunc.
type Console struct {
	reqCh chan request
	prog  *tea.Program
}

// New constructs a Console. Call Run (on the main goroutine, or any
// goroutine that owns the terminal) to actually start rendering; callers
// may invoke RequestPermission before Run returns — requests simply queue.
func New() *Console {
	c := &Console{reqCh: make(chan request)}
	c.prog = tea.NewProgram(newModel(c.reqCh))
	return c
}

// Run starts the bubbletea event loop and blocks until the program exits
// (Ctrl+C, or the process shutting down the console).
func (c *Console) Run() error {
	_, err := c.prog.Run()
	return err
}

// Stop tears down the running program.
func (c *Console) Stop() {
	c.prog.Quit()
}

// RequestPermission implements config.PermissionRequestFunc by enqueueing
// the request with the running program and blocking until the operator
// answers.
func (c *Console) RequestPermission(childID string, confirmation config.ToolConfirmation) config.ConfirmationResult {
	resp := make(chan config.ConfirmationResult, 1)
	c.reqCh <- request{childID: childID, confirmation: confirmation, resp: resp}
	result := <-resp
	debuglog.LogKV("console", "operator decision", "child_id", childID, "tool", confirmation.ToolName, "result", result)
	return result
}

type model struct {
	reqCh   chan request
	pending *request
	queue   []request
	width   int
	keys    keyMap
}

func newModel(reqCh chan request) model {
	return model{reqCh: reqCh, keys: defaultKeyMap()}
}

func (m model) Init() tea.Cmd {
	return waitForRequest(m.reqCh)
}

func waitForRequest(ch chan request) tea.Cmd {
	return func() tea.Msg {
		return requestMsg(<-ch)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case requestMsg:
		req := request(msg)
		if m.pending == nil {
			m.pending = &req
		} else {
			m.queue = append(m.queue, req)
		}
		return m, waitForRequest(m.reqCh)

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
		if m.pending == nil {
			return m, nil
		}
		var result config.ConfirmationResult
		switch {
		case key.Matches(msg, m.keys.Approve):
			result = config.Approve
		case key.Matches(msg, m.keys.Deny):
			result = config.Deny
		case key.Matches(msg, m.keys.ApproveAlways):
			result = config.ApproveAlways
		case key.Matches(msg, m.keys.ApproveSession):
			result = config.ApproveSession
		default:
			return m, nil
		}
		m.pending.resp <- result
		m.pending = nil
		if len(m.queue) > 0 {
			next := m.queue[0]
			m.queue = m.queue[1:]
			m.pending = &next
		}
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("codi orchestrator — operator console"))
	b.WriteString("\n\n")

	if m.pending == nil {
		fmt.Fprintf(&b, "waiting for permission requests... (%s to quit)\n", m.keys.Quit.Help().Key)
		return helpStyle.Render(b.String())
	}

	req := m.pending
	fmt.Fprintf(&b, "worker %s wants to use ", req.childID)
	b.WriteString(toolStyle.Render(req.confirmation.ToolName))
	b.WriteString("\n")
	if req.confirmation.Description != "" {
		b.WriteString(req.confirmation.Description)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	bindings := []key.Binding{m.keys.Approve, m.keys.Deny, m.keys.ApproveAlways, m.keys.ApproveSession}
	parts := make([]string, len(bindings))
	for i, binding := range bindings {
		parts[i] = fmt.Sprintf("[%s] %s", binding.Help().Key, binding.Help().Desc)
	}
	b.WriteString(helpStyle.Render(strings.Join(parts, "  ")))
	b.WriteString("\n")
	if len(m.queue) > 0 {
		fmt.Fprintf(&b, "%s\n", queueStyle.Render(fmt.Sprintf("%d more request(s) queued", len(m.queue))))
	}
	return b.String()
}
