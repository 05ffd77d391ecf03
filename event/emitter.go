package event

import (
	"log/slog"
	"sync"
)

type entry[T any] struct {
	id uint64
	fn T
}

// Subscription removes a listener added with one of the Emitter.On methods
// or with Register. Remove is idempotent.
type Subscription struct {
	remove func()
}

// Remove detaches the listener. Events already being dispatched may still
// reach it.
func (s Subscription) Remove() {
	if s.remove != nil {
		s.remove()
	}
}

// Emitter fans scheduler events out to listeners. The zero value is not
// usable; create one with NewEmitter.
type Emitter struct {
	logger *slog.Logger

	mu      sync.RWMutex
	nextID  uint64
	errors  []entry[ErrorListener]
	failed  []entry[FailedListener]
	stalled []entry[StalledListener]
}

// NewEmitter creates an emitter. Error events emitted while nobody listens
// are written to logger so they are never silently dropped.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger}
}

// OnError subscribes fn to error events.
func (e *Emitter) OnError(fn ErrorListener) Subscription {
	return subscribe(e, &e.errors, fn)
}

// OnFailed subscribes fn to failed events.
func (e *Emitter) OnFailed(fn FailedListener) Subscription {
	return subscribe(e, &e.failed, fn)
}

// OnStalled subscribes fn to stalled events.
func (e *Emitter) OnStalled(fn StalledListener) Subscription {
	return subscribe(e, &e.stalled, fn)
}

// Register subscribes every hook interface h implements (ErrorHook,
// FailedHook, StalledHook). The returned subscription removes all of them.
func (e *Emitter) Register(h any) Subscription {
	var subs []Subscription
	if hk, ok := h.(ErrorHook); ok {
		subs = append(subs, e.OnError(hk.OnError))
	}
	if hk, ok := h.(FailedHook); ok {
		subs = append(subs, e.OnFailed(hk.OnFailed))
	}
	if hk, ok := h.(StalledHook); ok {
		subs = append(subs, e.OnStalled(hk.OnStalled))
	}
	return Subscription{remove: func() {
		for _, s := range subs {
			s.Remove()
		}
	}}
}

// ListenerCount returns the number of listeners for kind k.
func (e *Emitter) ListenerCount(k Kind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch k {
	case KindError:
		return len(e.errors)
	case KindFailed:
		return len(e.failed)
	case KindStalled:
		return len(e.stalled)
	default:
		return 0
	}
}

// ──────────────────────────────────────────────────
// Emitters
// ──────────────────────────────────────────────────

// EmitError delivers err to every error listener.
func (e *Emitter) EmitError(err error) {
	ls := snapshot(e, &e.errors)
	if len(ls) == 0 {
		e.logger.Error("unhandled scheduler error", slog.String("error", err.Error()))
		return
	}
	for _, l := range ls {
		l.fn(err)
	}
}

// EmitFailed delivers a failed job to every failed listener.
func (e *Emitter) EmitFailed(jobID string, reason error, prev string) {
	for _, l := range snapshot(e, &e.failed) {
		l.fn(jobID, reason, prev)
	}
}

// EmitStalled delivers a stalled job to every stalled listener.
func (e *Emitter) EmitStalled(jobID, prev string) {
	for _, l := range snapshot(e, &e.stalled) {
		l.fn(jobID, prev)
	}
}

// ──────────────────────────────────────────────────
// helpers
// ──────────────────────────────────────────────────

func subscribe[T any](e *Emitter, list *[]entry[T], fn T) Subscription {
	e.mu.Lock()
	e.nextID++
	lid := e.nextID
	*list = append(*list, entry[T]{id: lid, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return Subscription{remove: func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, l := range *list {
				if l.id == lid {
					*list = append((*list)[:i:i], (*list)[i+1:]...)
					return
				}
			}
		})
	}}
}

// snapshot copies the listener slice so listeners may subscribe or remove
// while an event is being delivered.
func snapshot[T any](e *Emitter, list *[]entry[T]) []entry[T] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(*list) == 0 {
		return nil
	}
	out := make([]entry[T], len(*list))
	copy(out, *list)
	return out
}
