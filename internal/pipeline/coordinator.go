// Package pipeline sequences decode, inference and rendering for one upload
// session and guarantees that results from superseded uploads are never
// applied.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/MeKo-Tech/snapdetect/internal/model"
	"github.com/MeKo-Tech/snapdetect/internal/overlay"
)

// ImageDecoder turns an uploaded blob into an image.
type ImageDecoder interface {
	Decode(ctx context.Context, blob []byte) (*decode.Image, error)
}

// Detector runs a model over an image.
type Detector interface {
	Detect(ctx context.Context, m model.Model, img *decode.Image) (detection.Set, error)
}

// ModelSource exposes the shared model handle and its readiness signal.
type ModelSource interface {
	Handle() (model.Model, error)
	Done() <-chan struct{}
}

// Painter renders detections over their image.
type Painter interface {
	Render(surface *overlay.Surface, img *decode.Image, set detection.Set) error
}

// Deps are the stages a coordinator drives.
type Deps struct {
	Decoder  ImageDecoder
	Detector Detector
	Models   ModelSource
	Renderer Painter
}

func (d Deps) validate() error {
	switch {
	case d.Decoder == nil:
		return errors.New("pipeline: decoder is required")
	case d.Detector == nil:
		return errors.New("pipeline: detector is required")
	case d.Models == nil:
		return errors.New("pipeline: model source is required")
	case d.Renderer == nil:
		return errors.New("pipeline: renderer is required")
	}
	return nil
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithID tags log lines with a session id.
func WithID(id string) Option { return func(c *Coordinator) { c.id = id } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// run is one decoded upload and what has been applied to it.
type run struct {
	img   *decode.Image
	set   detection.Set
	state State
}

type uploadEvent struct {
	blob  []byte
	reply chan detection.Generation
}

type decodedEvent struct {
	gen detection.Generation
	img *decode.Image
	err error
}

type inferredEvent struct {
	gen detection.Generation
	set detection.Set
	err error
}

// Coordinator owns one session's state. All state lives on a single loop
// goroutine; stage goroutines post results back tagged with the generation
// they were launched for.
type Coordinator struct {
	deps   Deps
	id     string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan any
	done   chan struct{}

	view atomic.Pointer[View]

	subMu  sync.Mutex
	subs   map[int]chan View
	nextID int

	// Loop-owned state.
	issued   detection.Generation
	pending  detection.Generation
	active   *run
	parked   *inferredEvent
	rejected detection.Generation
	lastErr  error
	surface  *overlay.Surface
}

// New starts a coordinator. It stops when ctx ends or Close is called.
func New(ctx context.Context, deps Deps, opts ...Option) (*Coordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		deps:    deps,
		events:  make(chan any, 16),
		done:    make(chan struct{}),
		subs:    make(map[int]chan View),
		surface: overlay.NewSurface(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.id != "" {
		c.logger = c.logger.With("session", c.id)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.view.Store(&View{State: Idle})

	activeSessions.Inc()
	go c.loop()
	return c, nil
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.id }

// Upload hands a blob to the pipeline and returns its generation. The new
// generation supersedes every earlier one immediately. It returns 0 once the
// coordinator is closed.
func (c *Coordinator) Upload(blob []byte) detection.Generation {
	ev := uploadEvent{blob: blob, reply: make(chan detection.Generation, 1)}
	select {
	case c.events <- ev:
	case <-c.done:
		return 0
	}
	select {
	case g := <-ev.reply:
		return g
	case <-c.done:
		return 0
	}
}

// Snapshot returns the current view.
func (c *Coordinator) Snapshot() View { return *c.view.Load() }

// Subscribe returns a channel receiving every published view. When the
// subscriber falls behind, older views are dropped in favour of newer ones.
// The returned func unsubscribes.
func (c *Coordinator) Subscribe(buffer int) (<-chan View, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan View, buffer)

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Await blocks until generation g settles and returns the view at that
// point. A decode failure for g is returned as the error alongside the view.
// If g is superseded before settling, ErrStaleGeneration is returned.
func (c *Coordinator) Await(ctx context.Context, g detection.Generation) (View, error) {
	ch, unsubscribe := c.Subscribe(4)
	defer unsubscribe()

	check := func(v View) (View, bool, error) {
		switch {
		case v.Rejected == g:
			return v, true, v.Err
		case v.Settled(g):
			return v, true, nil
		case v.Generation > g:
			return v, true, fmt.Errorf("%w: %d superseded by %d", ErrStaleGeneration, g, v.Generation)
		}
		return v, false, nil
	}

	if v, ok, err := check(c.Snapshot()); ok {
		return v, err
	}
	for {
		select {
		case v := <-ch:
			if v, ok, err := check(v); ok {
				return v, err
			}
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		case <-c.done:
			return c.Snapshot(), errors.New("pipeline closed")
		}
	}
}

// Close stops the loop. Pending decodes are cancelled; an inference in flight
// finishes in the background and is discarded.
func (c *Coordinator) Close() {
	c.cancel()
	<-c.done
}

// Done is closed when the loop has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) loop() {
	defer func() {
		activeSessions.Dec()
		close(c.done)
	}()

	modelDone := c.deps.Models.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-modelDone:
			modelDone = nil
			c.onModelSettled()
		case ev := <-c.events:
			switch ev := ev.(type) {
			case uploadEvent:
				c.onUpload(ev)
			case decodedEvent:
				c.onDecoded(ev)
			case inferredEvent:
				c.onInferred(ev)
			}
		}
	}
}

// post delivers a stage result to the loop unless the coordinator is gone.
func (c *Coordinator) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) onUpload(ev uploadEvent) {
	c.issued = c.issued.Next()
	g := c.issued
	if c.pending != 0 {
		c.logger.Debug("upload superseded before decode finished", "generation", c.pending, "by", g)
	}
	c.pending = g
	uploadsTotal.Inc()
	c.logger.Debug("upload received", "generation", g, "bytes", len(ev.blob))

	c.publish()
	ev.reply <- g
	go func() {
		img, err := c.deps.Decoder.Decode(c.ctx, ev.blob)
		c.post(decodedEvent{gen: g, img: img, err: err})
	}()
}

// checkGeneration reports whether a result for g may still be applied
// against want.
func checkGeneration(g, want detection.Generation) error {
	if g != want {
		return fmt.Errorf("%w: result for %d, current %d", ErrStaleGeneration, g, want)
	}
	return nil
}

func (c *Coordinator) onDecoded(ev decodedEvent) {
	if err := checkGeneration(ev.gen, c.pending); err != nil {
		c.discard("decode", err)
		return
	}
	c.pending = 0

	if ev.err != nil {
		decodeFailures.Inc()
		c.rejected = ev.gen
		c.lastErr = ev.err
		c.logger.Warn("upload rejected", "generation", ev.gen, "error", ev.err)
		// The previous image stays on display; a result held back for it
		// can now be applied.
		if p := c.parked; p != nil {
			c.parked = nil
			c.applyInference(*p)
			return
		}
		c.publish()
		return
	}

	if c.parked != nil {
		c.discard("inference", fmt.Errorf("%w: result for %d, current %d", ErrStaleGeneration, c.parked.gen, ev.gen))
		c.parked = nil
	}

	ev.img.Generation = ev.gen
	c.active = &run{img: ev.img, set: detection.Set{Generation: ev.gen}}
	c.lastErr = nil
	c.logger.Debug("image decoded", "generation", ev.gen, "width", ev.img.Width, "height", ev.img.Height)
	c.startInference()
}

// startInference moves the active run to AwaitingModel, Inferring or
// DetectionUnavailable depending on the model handle.
func (c *Coordinator) startInference() {
	r := c.active
	m, err := c.deps.Models.Handle()
	switch {
	case errors.Is(err, model.ErrModelNotReady):
		r.state = AwaitingModel
		c.logger.Debug("model not ready, queueing", "generation", r.img.Generation)
	case err != nil:
		r.state = DetectionUnavailable
		c.lastErr = err
	default:
		r.state = Inferring
		c.publish()
		img := r.img
		// The model is shared across sessions. Closing this session leaves
		// the call running and its result is discarded on arrival.
		ctx := context.WithoutCancel(c.ctx)
		go func() {
			set, err := c.deps.Detector.Detect(ctx, m, img)
			c.post(inferredEvent{gen: img.Generation, set: set, err: err})
		}()
		return
	}
	c.publish()
}

func (c *Coordinator) onModelSettled() {
	if _, err := c.deps.Models.Handle(); err != nil {
		c.logger.Warn("detection disabled for this session", "error", err)
	}
	if c.active != nil && c.active.state == AwaitingModel {
		c.startInference()
	}
}

func (c *Coordinator) onInferred(ev inferredEvent) {
	if c.active == nil {
		c.discard("inference", ErrStaleGeneration)
		return
	}
	if err := checkGeneration(ev.gen, c.active.img.Generation); err != nil {
		c.discard("inference", err)
		return
	}
	if c.pending != 0 {
		// A newer upload is decoding. Hold the result until that decode
		// resolves.
		c.parked = &ev
		return
	}
	c.applyInference(ev)
}

func (c *Coordinator) applyInference(ev inferredEvent) {
	r := c.active
	if ev.err != nil {
		inferenceFailures.Inc()
		c.logger.Error("inference failed", "generation", ev.gen, "error", ev.err)
		c.lastErr = ev.err
		r.set = detection.Set{Generation: ev.gen}
		r.state = Displayed
		c.publish()
		return
	}

	r.set = ev.set
	r.set.Generation = ev.gen
	r.state = Rendering
	c.publish()

	if err := c.deps.Renderer.Render(c.surface, r.img, r.set); err != nil {
		// Only reachable through a programming error: generations were checked above.
		c.logger.Error("render refused", "generation", ev.gen, "error", err)
		c.lastErr = err
		r.set = detection.Set{Generation: ev.gen}
	}
	r.state = Displayed
	c.logger.Debug("result displayed", "generation", ev.gen, "detections", r.set.Len())
	c.publish()
}

func (c *Coordinator) discard(stage string, err error) {
	staleResults.WithLabelValues(stage).Inc()
	c.logger.Debug("discarding stale result", "stage", stage, "reason", err)
}

// publish builds a view from loop state and fans it out.
func (c *Coordinator) publish() {
	v := View{
		Generation: c.issued,
		State:      Idle,
		Rejected:   c.rejected,
		Err:        c.lastErr,
	}
	if r := c.active; r != nil {
		v.Image = r.img
		v.State = r.state
		v.Detections = r.set
		v.Predictions = r.set.Lines()
		if r.state == Displayed && !r.set.Empty() {
			if g, ok := c.surface.Generation(); ok && g == r.img.Generation {
				v.Overlay = c.surface.Snapshot()
			}
		}
	}
	if c.pending != 0 {
		v.State = Decoding
	}

	c.view.Store(&v)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Full: drop the oldest queued view and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
