package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"

	"github.com/yoga-python/coding-projects-todo/session"
	"github.com/yoga-python/coding-projects-todo/tasklist"
)

// Run starts the session, the synchronizer and the full-screen view, and
// blocks until the user quits or ctx is done. consent, if not nil, receives
// a func that shows sign-in URLs inside the view.
func Run(ctx context.Context, tracker *session.Tracker, sync *tasklist.Synchronizer, logger *log.Logger, consent func(func(string)), opts ...tea.ProgramOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := New(ctx, sync, tracker)
	p := tea.NewProgram(m, append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)...)

	sync.OnChange(func(snap tasklist.Snapshot) { p.Send(SnapshotMsg(snap)) })
	if consent != nil {
		consent(func(u string) { p.Send(ConsentURLMsg(u)) })
	}

	signals, unsubscribe := tracker.Subscribe()
	defer unsubscribe()
	go func() {
		for sig := range signals {
			p.Send(SignalMsg(sig))
		}
	}()
	go func() {
		if err := sync.Run(ctx, tracker); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("synchronizer stopped")
		}
	}()
	go tracker.Start(ctx)

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
