// Package server defers departures of dropped connections so a client can
// resume its identity within the grace window.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/rs/zerolog"
)

// finalizeFunc completes a departure whose grace window expired.
type finalizeFunc func(ctx context.Context, user chat.User)

type departure struct {
	user  chat.User
	timer *time.Timer
}

// Reconciler is the Disconnect Reconciler. It defers each departure by a
// grace window so a dropped connection can resume before the user is
// removed. Pending departures are memory-resident and abandoned on Stop.
type Reconciler struct {
	grace    time.Duration
	finalize finalizeFunc

	mu      sync.Mutex
	pending map[string]*departure
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger
}

// NewReconciler creates a Reconciler that calls finalize after grace.
func NewReconciler(grace time.Duration, finalize finalizeFunc, logger zerolog.Logger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		grace:    grace,
		finalize: finalize,
		pending:  make(map[string]*departure),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Schedule starts the grace window for user. A second Schedule for the same
// user restarts it.
func (r *Reconciler) Schedule(user chat.User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	if prev, ok := r.pending[user.ID]; ok {
		prev.timer.Stop()
	}

	d := &departure{user: user}
	d.timer = time.AfterFunc(r.grace, func() { r.expire(d) })
	r.pending[user.ID] = d

	r.logger.Debug().
		Str(logging.FieldUserID, user.ID).
		Str(logging.FieldRoomID, user.RoomID).
		Dur("grace", r.grace).
		Msg("departure scheduled")
}

// Cancel withdraws the pending departure of userID in roomID and returns
// the user it held.
func (r *Reconciler) Cancel(userID, roomID string) (chat.User, bool) {
	if userID == "" {
		return chat.User{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.pending[userID]
	if !ok || d.user.RoomID != roomID {
		return chat.User{}, false
	}
	if !d.timer.Stop() {
		// expire is already running for this departure.
		return chat.User{}, false
	}

	delete(r.pending, userID)
	r.logger.Debug().Str(logging.FieldUserID, userID).Msg("departure cancelled")
	return d.user, true
}

// Pending returns the number of departures waiting for their grace window.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) expire(d *departure) {
	r.mu.Lock()
	if r.stopped || r.pending[d.user.ID] != d {
		r.mu.Unlock()
		return
	}
	delete(r.pending, d.user.ID)
	r.wg.Add(1)
	r.mu.Unlock()

	defer r.wg.Done()
	r.finalize(r.ctx, d.user)
}

// Stop abandons all pending departures and waits for running finalizers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	abandoned := len(r.pending)
	for id, d := range r.pending {
		d.timer.Stop()
		delete(r.pending, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Info().Int("abandoned", abandoned).Msg("reconciler stopped")
}
