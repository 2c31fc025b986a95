// Package tui is the terminal view of the task list.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/yoga-python/coding-projects-todo/domain"
	"github.com/yoga-python/coding-projects-todo/session"
	"github.com/yoga-python/coding-projects-todo/tasklist"
)

// Synchronizer is the part of tasklist.Synchronizer the view drives.
type Synchronizer interface {
	Snapshot() tasklist.Snapshot
	Add(ctx context.Context, title string) (domain.Task, error)
	Toggle(ctx context.Context, task domain.Task) (*domain.Task, error)
	Refresh(ctx context.Context) error
}

// Session is the part of session.Tracker the view drives.
type Session interface {
	Current() session.Signal
	BeginSignIn(ctx context.Context) error
	SignOut(ctx context.Context) error
}

// SnapshotMsg carries a committed synchronizer state into the program.
type SnapshotMsg tasklist.Snapshot

// SignalMsg carries a session signal into the program.
type SignalMsg session.Signal

// ConsentURLMsg is the sign-in URL the user has to open.
type ConsentURLMsg string

type addDoneMsg struct{ err error }

type toggleDoneMsg struct{ err error }

type authDoneMsg struct{ err error }

type refreshDoneMsg struct{ err error }

var (
	addKey     = key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "add"))
	toggleKey  = key.NewBinding(key.WithKeys(" ", "x"), key.WithHelp("space", "toggle"))
	refreshKey = key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh"))
	signOutKey = key.NewBinding(key.WithKeys("o"), key.WithHelp("o", "sign out"))
	signInKey  = key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "login"))
)

// listItem adapts a task to bubbles/list.
type listItem struct {
	task domain.Task
}

func (i listItem) Title() string       { return i.task.Title }
func (i listItem) Description() string { return "" }
func (i listItem) FilterValue() string { return i.task.Title }

type itemDelegate struct{}

func (d itemDelegate) Height() int                         { return 1 }
func (d itemDelegate) Spacing() int                        { return 0 }
func (d itemDelegate) Update(tea.Msg, *list.Model) tea.Cmd { return nil }
func (d itemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, _ := item.(listItem)
	box := mutedStyle.Render(boxUnchecked)
	text := it.task.Title
	if it.task.Done {
		box = successStyle.Render(boxChecked)
		text = doneStyle.Render(text)
	}
	prefix := "  "
	if index == m.Index() {
		prefix = selectedStyle.Render("> ")
	}
	fmt.Fprintln(w, prefix+box+" "+text)
}

// Model is the Bubble Tea model of the task list screen.
type Model struct {
	ctx  context.Context
	sync Synchronizer
	sess Session

	sig  session.Signal
	snap tasklist.Snapshot

	list    list.Model
	input   textinput.Model
	spinner spinner.Model

	adding     bool
	pending    bool
	addErr     string
	status     string
	consentURL string

	width, height int
}

// New builds the model from the current session and synchronizer state.
func New(ctx context.Context, sync Synchronizer, sess Session) Model {
	l := list.New(nil, itemDelegate{}, 0, 0)
	l.SetShowHelp(true)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(false)
	l.SetShowTitle(false)
	l.Styles.HelpStyle = helpStyle
	l.Styles.PaginationStyle = helpStyle
	l.SetStatusBarItemName("task", "tasks")
	l.AdditionalShortHelpKeys = func() []key.Binding { return []key.Binding{addKey, toggleKey, refreshKey, signOutKey} }
	l.AdditionalFullHelpKeys = l.AdditionalShortHelpKeys

	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "What needs doing?"
	ti.CharLimit = 200

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = accentStyle

	m := Model{
		ctx:     ctx,
		sync:    sync,
		sess:    sess,
		list:    l,
		input:   ti,
		spinner: sp,
		width:   80,
		height:  24,
	}
	m.sig = sess.Current()
	m.applySnapshot(sync.Snapshot())
	return m
}

func (m Model) Init() tea.Cmd { return m.spinner.Tick }

func (m *Model) applySnapshot(snap tasklist.Snapshot) tea.Cmd {
	if snap.Version < m.snap.Version {
		return nil
	}
	m.snap = snap
	if snap.Err != nil {
		m.status = snap.Err.Error()
	} else {
		m.status = ""
	}
	items := make([]list.Item, len(snap.Tasks))
	for i, t := range snap.Tasks {
		items[i] = listItem{task: t}
	}
	return m.list.SetItems(items)
}

func (m Model) ready() bool { return m.snap.State == tasklist.Ready }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.list.SetSize(msg.Width-4, m.listHeight())
		return m, nil
	case SnapshotMsg:
		return m, m.applySnapshot(tasklist.Snapshot(msg))
	case SignalMsg:
		m.sig = session.Signal(msg)
		if m.sig.Status != session.StatusLoading {
			m.consentURL = ""
		}
		if m.sig.Status != session.StatusSignedIn {
			m.adding = false
			m.input.Blur()
		}
		return m, nil
	case ConsentURLMsg:
		m.consentURL = string(msg)
		return m, nil
	case addDoneMsg:
		m.pending = false
		if msg.err != nil {
			m.addErr = msg.err.Error()
			return m, nil
		}
		// the input is cleared only once the store has the task
		m.addErr = ""
		m.input.SetValue("")
		m.input.Blur()
		m.adding = false
		return m, nil
	case toggleDoneMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		return m, nil
	case refreshDoneMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		return m, nil
	case authDoneMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		} else {
			m.status = ""
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if m.adding {
			return m.updateAdding(msg)
		}
		return m.updateKeys(msg)
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) updateAdding(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		if m.pending {
			return m, nil
		}
		if _, err := domain.NormalizeTitle(m.input.Value()); err != nil {
			m.addErr = "Title cannot be empty"
			return m, nil
		}
		if !m.ready() {
			m.addErr = tasklist.ErrNotReady.Error()
			return m, nil
		}
		m.pending = true
		m.addErr = ""
		return m, m.addCmd(m.input.Value())
	case "esc":
		m.adding = false
		m.addErr = ""
		m.input.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	}

	if m.sig.Status != session.StatusSignedIn {
		if key.Matches(msg, signInKey) && m.sig.Status == session.StatusSignedOut {
			m.status = ""
			return m, m.signInCmd()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, signOutKey):
		return m, m.signOutCmd()
	case key.Matches(msg, refreshKey):
		return m, m.refreshCmd()
	case key.Matches(msg, addKey):
		if !m.ready() {
			return m, nil
		}
		m.adding = true
		m.addErr = ""
		return m, m.input.Focus()
	case key.Matches(msg, toggleKey):
		if !m.ready() {
			return m, nil
		}
		it, ok := m.list.SelectedItem().(listItem)
		if !ok {
			return m, nil
		}
		return m, m.toggleCmd(it.task)
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) addCmd(title string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.sync.Add(m.ctx, title)
		if errors.Is(err, tasklist.ErrStale) {
			err = errors.New("signed in as someone else; task not shown")
		}
		return addDoneMsg{err: err}
	}
}

func (m Model) toggleCmd(task domain.Task) tea.Cmd {
	return func() tea.Msg {
		_, err := m.sync.Toggle(m.ctx, task)
		if errors.Is(err, tasklist.ErrStale) {
			err = nil
		}
		return toggleDoneMsg{err: err}
	}
}

func (m Model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		err := m.sync.Refresh(m.ctx)
		if errors.Is(err, tasklist.ErrStale) {
			// a newer fetch superseded this one
			err = nil
		}
		return refreshDoneMsg{err: err}
	}
}

func (m Model) signInCmd() tea.Cmd {
	return func() tea.Msg {
		return authDoneMsg{err: m.sess.BeginSignIn(m.ctx)}
	}
}

func (m Model) signOutCmd() tea.Cmd {
	return func() tea.Msg {
		return authDoneMsg{err: m.sess.SignOut(m.ctx)}
	}
}

func (m Model) listHeight() int {
	h := m.height - 6
	if m.adding {
		h -= 4
	}
	if h < 3 {
		h = 3
	}
	return h
}

// loginControl shows who is signed in, or how to sign in.
func (m Model) loginControl() string {
	switch m.sig.Status {
	case session.StatusLoading:
		return m.spinner.View() + " signing in..."
	case session.StatusSignedIn:
		name := m.sig.Identity.DisplayName
		if name == "" {
			name = m.sig.Identity.UID
		}
		control := accentStyle.Render(name)
		if m.sig.Identity.PhotoURL != "" {
			control += " " + mutedStyle.Render("("+m.sig.Identity.PhotoURL+")")
		}
		return control + "  " + helpStyle.Render("[o] sign out")
	default:
		return accentStyle.Render("[l] Login")
	}
}

func (m Model) header() string {
	done, open := 0, 0
	for _, t := range m.snap.Tasks {
		if t.Done {
			done++
		} else {
			open++
		}
	}
	counts := fmt.Sprintf("%s %d  %s %d", successStyle.Render("✔"), done, pendingStyle.Render("•"), open)
	return titleStyle.Render("Todo Meister") + "   " + counts + "   " + m.loginControl()
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n")

	switch {
	case m.sig.Status == session.StatusSignedOut:
		b.WriteString(mutedStyle.Render("Sign in to see your tasks."))
	case m.sig.Status == session.StatusLoading && m.consentURL != "":
		b.WriteString("Open this URL in your browser to sign in:\n")
		b.WriteString(accentStyle.Render(m.consentURL))
	case m.sig.Status == session.StatusLoading:
		b.WriteString(mutedStyle.Render("Waiting for the identity provider..."))
	case m.snap.State == tasklist.Fetching && m.snap.Err == nil:
		b.WriteString(m.spinner.View() + " loading tasks...")
	case m.snap.State == tasklist.Fetching:
		b.WriteString(errorStyle.Render("Could not load tasks.") + " " + helpStyle.Render("[r] retry"))
	default:
		m.list.SetSize(m.width-4, m.listHeight())
		if len(m.snap.Tasks) == 0 {
			b.WriteString(mutedStyle.Render("No tasks yet. Press a to add one."))
			b.WriteString("\n")
		}
		b.WriteString(m.list.View())
	}

	if m.adding {
		title := "Add new task"
		if m.pending {
			title += " " + m.spinner.View()
		}
		if m.addErr != "" {
			title += ": " + errorStyle.Render(m.addErr)
		}
		b.WriteString("\n")
		b.WriteString(panelStyle.Render(title + "\n" + m.input.View()))
	}
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("✖ " + m.status))
	}
	return panelStyle.Render(b.String())
}
