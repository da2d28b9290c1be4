package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/decode"
	"github.com/MeKo-Tech/snapdetect/internal/detection"
	"github.com/MeKo-Tech/snapdetect/internal/model"
	"github.com/MeKo-Tech/snapdetect/internal/overlay"
	"github.com/MeKo-Tech/snapdetect/internal/testutil"
	"github.com/disintegration/imaging"
)

const waitTimeout = 5 * time.Second

// decodeCall is one Decode invocation held until released.
type decodeCall struct {
	blob    []byte
	release chan struct{}
}

// gatedDecoder delegates to the real decoder but holds every call until the
// test releases it.
type gatedDecoder struct {
	inner *decode.Decoder
	calls chan decodeCall
}

func newGatedDecoder() *gatedDecoder {
	return &gatedDecoder{inner: decode.New(), calls: make(chan decodeCall, 16)}
}

func (g *gatedDecoder) Decode(ctx context.Context, blob []byte) (*decode.Image, error) {
	call := decodeCall{blob: blob, release: make(chan struct{})}
	select {
	case g.calls <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-call.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Decode(ctx, blob)
}

type detectReply struct {
	items []detection.Detection
	err   error
}

// detectCall is one inference held until the test replies.
type detectCall struct {
	ctx   context.Context
	img   *decode.Image
	reply chan detectReply
}

// scriptedDetector lets a test choose when and with what each inference
// returns.
type scriptedDetector struct {
	calls chan detectCall

	mu    sync.Mutex
	count int
}

func newScriptedDetector() *scriptedDetector {
	return &scriptedDetector{calls: make(chan detectCall, 16)}
}

func (s *scriptedDetector) Detect(ctx context.Context, m model.Model, img *decode.Image) (detection.Set, error) {
	if m == nil {
		return detection.Set{}, model.ErrModelNotReady
	}
	s.mu.Lock()
	s.count++
	s.mu.Unlock()

	call := detectCall{ctx: ctx, img: img, reply: make(chan detectReply, 1)}
	select {
	case s.calls <- call:
	case <-ctx.Done():
		return detection.Set{}, ctx.Err()
	}
	select {
	case r := <-call.reply:
		if r.err != nil {
			return detection.Set{}, r.err
		}
		return detection.Set{Generation: img.Generation, Items: r.items}, nil
	case <-ctx.Done():
		return detection.Set{}, ctx.Err()
	}
}

func (s *scriptedDetector) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// gatedLoader builds a loader whose acquisition finishes when release is
// closed, with err as the outcome.
func gatedLoader(err error) (*model.Loader, chan struct{}) {
	release := make(chan struct{})
	l := model.NewLoader("fake", func(ctx context.Context) (model.Model, error) {
		<-release
		if err != nil {
			return nil, err
		}
		return &testutil.FakeModel{}, nil
	})
	l.Start(context.Background())
	return l, release
}

func readyLoader() *model.Loader {
	l, release := gatedLoader(nil)
	close(release)
	<-l.Done()
	return l
}

// harness wires a coordinator to scripted stages.
type harness struct {
	coord    *Coordinator
	decoder  *gatedDecoder
	detector *scriptedDetector
	loader   *model.Loader
	release  chan struct{}
}

func newHarness(loader *model.Loader, release chan struct{}) (*harness, error) {
	renderer, err := overlay.NewRenderer(overlay.DefaultStyle())
	if err != nil {
		return nil, err
	}
	h := &harness{
		decoder:  newGatedDecoder(),
		detector: newScriptedDetector(),
		loader:   loader,
		release:  release,
	}
	h.coord, err = New(context.Background(), Deps{
		Decoder:  h.decoder,
		Detector: h.detector,
		Models:   loader,
		Renderer: renderer,
	}, WithID("test"))
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *harness) close() { h.coord.Close() }

func (h *harness) nextDecode() (decodeCall, error) {
	select {
	case c := <-h.decoder.calls:
		return c, nil
	case <-time.After(waitTimeout):
		return decodeCall{}, errors.New("timed out waiting for decode")
	}
}

func (h *harness) nextDetect() (detectCall, error) {
	select {
	case c := <-h.detector.calls:
		return c, nil
	case <-time.After(waitTimeout):
		return detectCall{}, errors.New("timed out waiting for inference")
	}
}

// noDetect fails if an inference starts within d.
func (h *harness) noDetect(d time.Duration) error {
	select {
	case c := <-h.detector.calls:
		return fmt.Errorf("unexpected inference for generation %d", c.img.Generation)
	case <-time.After(d):
		return nil
	}
}

// waitFor blocks until pred holds for the current view.
func (h *harness) waitFor(desc string, pred func(View) bool) (View, error) {
	ch, unsubscribe := h.coord.Subscribe(8)
	defer unsubscribe()

	deadline := time.After(waitTimeout)
	for {
		if v := h.coord.Snapshot(); pred(v) {
			return v, nil
		}
		select {
		case <-ch:
		case <-deadline:
			v := h.coord.Snapshot()
			return v, fmt.Errorf("timed out waiting for %s (generation %d, state %s, displayed %d)",
				desc, v.Generation, v.State, v.Displayed())
		}
	}
}

// blob encodes a solid image of the given size as PNG.
func blob(w, h int) []byte {
	img := testutil.CreateTestImage(w, h, color.RGBA{R: 30, G: 140, B: 90, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var garbage = []byte("this is definitely not an image")

func dog() detection.Detection { return testutil.Dog() }

func cat() detection.Detection {
	return detection.Detection{Class: "cat", Score: 0.88, Box: detection.BoundingBox{X: 10, Y: 10, Width: 40, Height: 40}}
}
