// Package tasklist keeps the signed-in user's task list in memory and in
// step with the task store.
package tasklist

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/yoga-python/coding-projects-todo/domain"
	"github.com/yoga-python/coding-projects-todo/session"
)

// State of the synchronizer.
type State int

const (
	// Idle means nobody is signed in.
	Idle State = iota
	// Fetching means the list of the current identity is being loaded, or
	// the last load failed and may be retried.
	Fetching
	// Ready means the list reflects a successful fetch; add and toggle are
	// accepted.
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

var (
	// ErrNotReady rejects add and toggle outside the Ready state.
	ErrNotReady = errors.New("task list is not ready")
	// ErrStale reports a result that arrived after the identity changed. It
	// was not applied.
	ErrStale = errors.New("session changed before the request completed")
)

// Gateway is the task store used by the synchronizer.
type Gateway interface {
	Create(ctx context.Context, ownerID, title string) (domain.Task, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Task, error)
	// ToggleDone returns nil without an error when the task no longer exists.
	ToggleDone(ctx context.Context, task domain.Task) (*domain.Task, error)
}

// Subscriber is a source of session signals.
type Subscriber interface {
	Subscribe() (<-chan session.Signal, func())
}

// Snapshot is a copy of the synchronizer state. Version grows with every
// committed change so readers can drop out-of-order notifications.
type Snapshot struct {
	Version  uint64
	State    State
	Identity domain.Identity
	Tasks    []domain.Task
	Err      error
}

// Synchronizer owns the in-memory task list. The mutex is never held while
// the gateway is called.
type Synchronizer struct {
	gw     Gateway
	logger *log.Logger

	mu       sync.Mutex
	state    State
	identity domain.Identity
	tasks    []domain.Task
	err      error
	version  uint64
	// generation changes with the identity; fetchSeq with every fetch.
	generation uint64
	fetchSeq   uint64
	// settled holds add and toggle results committed while a fetch was in
	// flight. They are merged over that fetch's result.
	settled []domain.Task

	listeners []func(Snapshot)
}

type fetchJob struct {
	generation uint64
	seq        uint64
	uid        string
}

func New(gw Gateway, logger *log.Logger) *Synchronizer {
	if gw == nil {
		panic("tasklist.New: gateway is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Synchronizer{gw: gw, logger: logger, tasks: []domain.Task{}}
}

// OnChange registers fn to be called with a snapshot after every committed
// change. fn runs on the goroutine that made the change.
func (s *Synchronizer) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	tasks := make([]domain.Task, len(s.tasks))
	copy(tasks, s.tasks)
	return Snapshot{
		Version:  s.version,
		State:    s.state,
		Identity: s.identity,
		Tasks:    tasks,
		Err:      s.err,
	}
}

// commitLocked bumps the version and returns what must be published once
// the lock is released.
func (s *Synchronizer) commitLocked() (Snapshot, []func(Snapshot)) {
	s.version++
	listeners := make([]func(Snapshot), len(s.listeners))
	copy(listeners, s.listeners)
	return s.snapshotLocked(), listeners
}

func publish(snap Snapshot, listeners []func(Snapshot)) {
	for _, fn := range listeners {
		fn(snap)
	}
}

// Run applies every signal from src until ctx is done or the subscription
// closes. Fetches run on their own goroutines so a later signal is handled
// while an earlier fetch is still in flight.
func (s *Synchronizer) Run(ctx context.Context, src Subscriber) error {
	ch, cancel := src.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			if job, ok := s.transition(sig); ok {
				go func() { _ = s.fetch(ctx, job) }()
			}
		}
	}
}

// Apply handles one session signal and, for a sign-in, waits for the fetch.
func (s *Synchronizer) Apply(ctx context.Context, sig session.Signal) error {
	job, ok := s.transition(sig)
	if !ok {
		return nil
	}
	return s.fetch(ctx, job)
}

func (s *Synchronizer) transition(sig session.Signal) (fetchJob, bool) {
	s.mu.Lock()
	switch sig.Status {
	case session.StatusSignedOut:
		if s.state == Idle && s.identity.UID == "" {
			s.mu.Unlock()
			return fetchJob{}, false
		}
		s.generation++
		s.state = Idle
		s.identity = domain.Identity{}
		s.tasks = []domain.Task{}
		s.settled = nil
		s.err = nil
		snap, listeners := s.commitLocked()
		s.mu.Unlock()
		s.logger.WithField("state", Idle.String()).Debug("signed out; task list cleared")
		publish(snap, listeners)
		return fetchJob{}, false

	case session.StatusSignedIn:
		uid := sig.Identity.UID
		if s.state == Ready && s.identity.UID == uid {
			s.identity = sig.Identity
			s.mu.Unlock()
			return fetchJob{}, false
		}
		if s.identity.UID != uid {
			s.generation++
			s.tasks = []domain.Task{}
		}
		s.identity = sig.Identity
		s.state = Fetching
		s.err = nil
		s.fetchSeq++
		s.settled = nil
		job := fetchJob{generation: s.generation, seq: s.fetchSeq, uid: uid}
		snap, listeners := s.commitLocked()
		s.mu.Unlock()
		s.logger.WithFields(log.Fields{"user": uid, "state": Fetching.String()}).Debug("fetching tasks")
		publish(snap, listeners)
		return job, true

	default:
		// loading carries no verdict
		s.mu.Unlock()
		return fetchJob{}, false
	}
}

// Refresh reloads the list of the current identity. It is the retry path
// after a failed fetch.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return ErrNotReady
	}
	s.state = Fetching
	s.err = nil
	s.fetchSeq++
	s.settled = nil
	job := fetchJob{generation: s.generation, seq: s.fetchSeq, uid: s.identity.UID}
	snap, listeners := s.commitLocked()
	s.mu.Unlock()
	publish(snap, listeners)
	return s.fetch(ctx, job)
}

func (s *Synchronizer) fetch(ctx context.Context, job fetchJob) error {
	tasks, err := s.gw.ListByOwner(ctx, job.uid)

	s.mu.Lock()
	if job.generation != s.generation || job.seq != s.fetchSeq {
		s.mu.Unlock()
		s.logger.WithField("user", job.uid).Debug("discarding stale fetch result")
		return ErrStale
	}
	if err != nil {
		// The list keeps its last known-good value and the state stays
		// Fetching until a retry succeeds.
		s.err = err
		snap, listeners := s.commitLocked()
		s.mu.Unlock()
		s.logger.WithError(err).WithField("user", job.uid).Warn("fetch tasks failed")
		publish(snap, listeners)
		return err
	}
	s.tasks = s.ownedSorted(tasks, job.uid)
	for _, t := range s.settled {
		s.tasks = mergeTask(s.tasks, t)
	}
	s.tasks = domain.SortTasks(s.tasks)
	s.settled = nil
	s.state = Ready
	s.err = nil
	snap, listeners := s.commitLocked()
	s.mu.Unlock()
	s.logger.WithFields(log.Fields{"user": job.uid, "state": Ready.String()}).Debugf("loaded %d tasks", len(snap.Tasks))
	publish(snap, listeners)
	return nil
}

// ownedSorted drops records of other owners and duplicate ids, then sorts.
func (s *Synchronizer) ownedSorted(tasks []domain.Task, uid string) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.OwnerID != uid {
			s.logger.WithFields(log.Fields{"user": uid, "task": t.ID}).Warn("ignoring task of another owner")
			continue
		}
		out = mergeTask(out, t)
	}
	return domain.SortTasks(out)
}

// mergeTask replaces any entry with the same id by t. Last write wins.
func mergeTask(tasks []domain.Task, t domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks)+1)
	for _, existing := range tasks {
		if existing.ID != t.ID {
			out = append(out, existing)
		}
	}
	return append(out, t)
}

// settleLocked merges an intent result into the list and, while a fetch is
// in flight, remembers it so the fetch result cannot drop it.
func (s *Synchronizer) settleLocked(t domain.Task) {
	s.tasks = domain.SortTasks(mergeTask(s.tasks, t))
	if s.state == Fetching {
		s.settled = mergeTask(s.settled, t)
	}
}

// begin checks that an intent is allowed and captures the identity it runs
// under.
func (s *Synchronizer) begin() (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return 0, "", ErrNotReady
	}
	return s.generation, s.identity.UID, nil
}

// Add creates a task. Nothing is inserted until the store confirms it. A
// failed create is returned to the caller and leaves the snapshot as it was.
func (s *Synchronizer) Add(ctx context.Context, title string) (domain.Task, error) {
	title, err := domain.NormalizeTitle(title)
	if err != nil {
		return domain.Task{}, err
	}
	gen, uid, err := s.begin()
	if err != nil {
		return domain.Task{}, err
	}

	task, err := s.gw.Create(ctx, uid, title)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.WithField("user", uid).Debug("discarding create result for previous session")
		return domain.Task{}, ErrStale
	}
	if err != nil {
		// returned only; the caller reports it next to the title it kept
		s.mu.Unlock()
		s.logger.WithError(err).WithField("user", uid).Warn("create task failed")
		return domain.Task{}, err
	}
	s.settleLocked(task)
	s.err = nil
	snap, listeners := s.commitLocked()
	s.mu.Unlock()
	s.logger.WithFields(log.Fields{"user": uid, "task": task.ID}).Debug("task added")
	publish(snap, listeners)
	return task, nil
}

// Toggle flips the done flag of task. A nil result means the task no longer
// exists in the store; the list is then left as it is.
func (s *Synchronizer) Toggle(ctx context.Context, task domain.Task) (*domain.Task, error) {
	gen, uid, err := s.begin()
	if err != nil {
		return nil, err
	}

	updated, err := s.gw.ToggleDone(ctx, task)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.WithField("user", uid).Debug("discarding toggle result for previous session")
		return nil, ErrStale
	}
	if err != nil {
		s.err = err
		snap, listeners := s.commitLocked()
		s.mu.Unlock()
		s.logger.WithError(err).WithFields(log.Fields{"user": uid, "task": task.ID}).Warn("toggle task failed")
		publish(snap, listeners)
		return nil, err
	}
	if updated == nil {
		s.mu.Unlock()
		s.logger.WithFields(log.Fields{"user": uid, "task": task.ID}).Debug("toggle target no longer exists")
		return nil, nil
	}
	s.settleLocked(*updated)
	s.err = nil
	snap, listeners := s.commitLocked()
	s.mu.Unlock()
	publish(snap, listeners)
	return updated, nil
}

// Find returns the task with the given id from the current list.
func (s *Synchronizer) Find(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}
