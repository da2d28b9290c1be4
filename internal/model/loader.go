package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loader states.
const (
	StateIdle    = "idle"
	StateLoading = "loading"
	StateReady   = "ready"
	StateFailed  = "failed"
)

// Status is a point-in-time view of the loader.
type Status struct {
	Backend  string        `json:"backend"`
	State    string        `json:"state"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Loader acquires a Model once per process. The handle and error are written
// exactly once before done is closed, and only read after it is closed.
type Loader struct {
	backend string
	open    OpenFunc

	once    sync.Once
	started atomic.Bool
	done    chan struct{}

	model    Model
	err      error
	duration time.Duration
}

// NewLoader creates a loader for the named backend.
func NewLoader(backend string, open OpenFunc) *Loader {
	return &Loader{
		backend: backend,
		open:    open,
		done:    make(chan struct{}),
	}
}

// Backend returns the backend name.
func (l *Loader) Backend() string { return l.backend }

// Start launches the single acquisition attempt. Later calls do nothing.
func (l *Loader) Start(ctx context.Context) {
	l.once.Do(func() {
		l.started.Store(true)
		modelReady.WithLabelValues(l.backend).Set(0)
		go l.run(ctx)
	})
}

func (l *Loader) run(ctx context.Context) {
	start := time.Now()
	slog.Info("loading detection model", "backend", l.backend)

	m, err := l.safeOpen(ctx)
	l.duration = time.Since(start)
	modelLoadDuration.WithLabelValues(l.backend).Set(l.duration.Seconds())

	switch {
	case err != nil:
		l.err = &LoadError{Backend: l.backend, Err: err}
		slog.Error("detection model unavailable", "backend", l.backend, "error", err)
	case m == nil:
		l.err = &LoadError{Backend: l.backend, Err: errors.New("backend returned no model")}
		slog.Error("detection model unavailable", "backend", l.backend, "error", l.err)
	default:
		l.model = m
		modelReady.WithLabelValues(l.backend).Set(1)
		slog.Info("detection model ready", "backend", l.backend, "duration", l.duration)
	}
	close(l.done)
}

// safeOpen converts a panicking backend into a load error so a bad model
// never takes the process down.
func (l *Loader) safeOpen(ctx context.Context) (m Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("panic during load: %v", r)
		}
	}()
	return l.open(ctx)
}

// Done is closed once the acquisition attempt has settled.
func (l *Loader) Done() <-chan struct{} { return l.done }

// Handle returns the model, ErrModelNotReady while loading, or the *LoadError.
func (l *Loader) Handle() (Model, error) {
	select {
	case <-l.done:
		if l.err != nil {
			return nil, l.err
		}
		return l.model, nil
	default:
		return nil, ErrModelNotReady
	}
}

// Status reports the loader state.
func (l *Loader) Status() Status {
	st := Status{Backend: l.backend, State: StateIdle}
	if !l.started.Load() {
		return st
	}
	select {
	case <-l.done:
		st.Duration = l.duration
		if l.err != nil {
			st.State = StateFailed
			st.Error = l.err.Error()
		} else {
			st.State = StateReady
		}
	default:
		st.State = StateLoading
	}
	return st
}

// Close releases the model if it holds resources. It waits for an in-flight
// load to settle first.
func (l *Loader) Close() error {
	if !l.started.Load() {
		return nil
	}
	<-l.done
	if c, ok := l.model.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
