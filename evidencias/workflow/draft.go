// Package workflow tracks each user's in-progress deletion draft. Removing
// evidence is a two step action: records are staged first, then the staged
// set must be explicitly confirmed before anything is deleted.
package workflow

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

type State string

const (
	Idle                 State = "idle"
	Staged               State = "staged"
	AwaitingConfirmation State = "awaiting_confirmation"
	Executing            State = "executing"
)

var (
	ErrNothingStaged       = errors.New("no records are staged for deletion")
	ErrConfirmationPending = errors.New("a deletion is awaiting confirmation, cancel it before staging more records")
	ErrNotAwaiting         = errors.New("no deletion is awaiting confirmation")
	ErrExecuting           = errors.New("a deletion is currently executing")
)

type draft struct {
	state  State
	staged []uuid.UUID
}

// DraftStore holds one deletion draft per user. Drafts live in memory only,
// a restart simply returns every user to the idle state.
type DraftStore struct {
	mu     sync.Mutex
	drafts map[uuid.UUID]*draft
}

func NewDraftStore() *DraftStore {
	return &DraftStore{drafts: make(map[uuid.UUID]*draft)}
}

func (s *DraftStore) get(userId uuid.UUID) *draft {
	d, ok := s.drafts[userId]
	if !ok {
		d = &draft{state: Idle}
		s.drafts[userId] = d
	}
	return d
}

// Current returns the user's draft state and a copy of the staged ids.
func (s *DraftStore) Current(userId uuid.UUID) (State, []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.get(userId)
	staged := make([]uuid.UUID, len(d.staged))
	copy(staged, d.staged)
	return d.state, staged
}

// Stage adds records to the user's draft. Staging the same id twice is a
// no-op, order of first staging is preserved. Staging is rejected while a
// confirmation is pending or a deletion is executing.
func (s *DraftStore) Stage(userId uuid.UUID, ids []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.get(userId)
	switch d.state {
	case AwaitingConfirmation:
		return 0, ErrConfirmationPending
	case Executing:
		return 0, ErrExecuting
	}

	seen := make(map[uuid.UUID]bool, len(d.staged))
	for _, id := range d.staged {
		seen[id] = true
	}

	added := 0
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			d.staged = append(d.staged, id)
			added++
		}
	}

	if len(d.staged) > 0 {
		d.state = Staged
	}
	return added, nil
}

// Unstage removes a single record from the draft. If the draft becomes
// empty it returns to idle.
func (s *DraftStore) Unstage(userId, evidenceId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.get(userId)
	switch d.state {
	case AwaitingConfirmation:
		return ErrConfirmationPending
	case Executing:
		return ErrExecuting
	case Idle:
		return ErrNothingStaged
	}

	staged := d.staged[:0]
	for _, id := range d.staged {
		if id != evidenceId {
			staged = append(staged, id)
		}
	}
	d.staged = staged
	if len(d.staged) == 0 {
		d.state = Idle
	}
	return nil
}

// Discard drops the entire draft and returns the user to idle. Discarding
// is allowed from any state except during execution.
func (s *DraftStore) Discard(userId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.get(userId)
	if d.state == Executing {
		return ErrExecuting
	}
	d.state = Idle
	d.staged = nil
	return nil
}

// RequestConfirmation freezes the staged set and moves the draft to
// awaiting confirmation.
func (s *DraftStore) RequestConfirmation(userId uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.get(userId)
	switch d.state {
	case AwaitingConfirmation:
		return 0, ErrConfirmationPending
	case Executing:
		return 0, ErrExecuting
	}
	if len(d.staged) == 0 {
		return 0, ErrNothingStaged
	}

	d.state = AwaitingConfirmation
	return len(d.staged), nil
}

// Cancel aborts a pending confirmation, keeping nothing staged.
func (s *DraftStore) Cancel(userId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.get(userId)
	if d.state != AwaitingConfirmation {
		return ErrNotAwaiting
	}
	d.state = Idle
	d.staged = nil
	return nil
}

// BeginExecution takes the draft from awaiting confirmation to executing
// and hands back the frozen staged set. The caller must call
// FinishExecution once deletion completes.
func (s *DraftStore) BeginExecution(userId uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.get(userId)
	if d.state != AwaitingConfirmation {
		return nil, ErrNotAwaiting
	}

	d.state = Executing
	staged := make([]uuid.UUID, len(d.staged))
	copy(staged, d.staged)
	return staged, nil
}

// FinishExecution returns the draft to idle regardless of how many of the
// staged deletions succeeded. Failed records are reported to the user, not
// retried automatically.
func (s *DraftStore) FinishExecution(userId uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.get(userId)
	d.state = Idle
	d.staged = nil
}
