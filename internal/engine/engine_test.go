package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"testing"
	"time"

	"github.com/zsiec/mosaic/internal/codec"
	"github.com/zsiec/mosaic/internal/events"
	"github.com/zsiec/mosaic/internal/fallback"
	"github.com/zsiec/mosaic/internal/health"
	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/output"
	"github.com/zsiec/mosaic/internal/render"
	"github.com/zsiec/mosaic/internal/scene"
	"github.com/zsiec/mosaic/internal/scheduler"
)

var fps30 = media.Framerate{Num: 30, Den: 1}

func newTestEngine(t *testing.T) (*Engine, *scheduler.FakeClock) {
	t.Helper()
	clk := scheduler.NewFakeClock(time.Unix(1_000, 0))
	e := New(Config{Clock: clk, Framerate: fps30})
	t.Cleanup(func() { e.Close() })
	return e, clk
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func gray(v uint8) color.RGBA { return color.RGBA{R: v, G: v, B: v, A: 255} }

func fullFrame(inputID string) *scene.Node {
	return &scene.Node{Kind: scene.KindRescaler, Mode: scene.ModeFill, Children: []*scene.Node{
		{Kind: scene.KindInputStream, InputID: inputID},
	}}
}

func mustOutput(t *testing.T, e *Engine, id string) *outputTarget {
	t.Helper()
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.outputs[id]
	if !ok {
		t.Fatalf("output %q not registered", id)
	}
	return o
}

// tick renders tick n of an output at the fake clock's current time and
// returns the presented frame.
func tick(t *testing.T, e *Engine, clk *scheduler.FakeClock, outputID string, n uint64) *render.Frame {
	t.Helper()
	o := mustOutput(t, e, outputID)
	err := e.renderTick(context.Background(), o, scheduler.Tick{N: n, PTS: o.framerate.TickTime(n), Deadline: clk.Now()})
	if err != nil {
		t.Fatalf("renderTick(%d): %v", n, err)
	}
	select {
	case f := <-o.slot.Frames():
		return f
	default:
		t.Fatalf("tick %d presented no frame", n)
		return nil
	}
}

func recorder(e *Engine) *events.Ring {
	r := events.NewRing(256)
	e.Bus().Subscribe(r)
	return r
}

func hasEvent(r *events.Ring, kind events.Kind, detail string) bool {
	for _, ev := range r.Recent(0) {
		if ev.Kind == kind && (detail == "" || ev.Detail == detail) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSingleInputFramePerTick(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t)

	if err := e.RegisterInput("cam", InputOptions{Kind: KindVideo}); err != nil {
		t.Fatalf("RegisterInput: %v", err)
	}
	err := e.RegisterOutput("out", OutputOptions{
		Resolution: media.Resolution{Width: 64, Height: 36},
		Framerate:  fps30,
		Root:       fullFrame("cam"),
	})
	if err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}

	// The input clock starts far from the engine clock; the queue anchors it.
	base := 7 * time.Second
	for i := uint64(0); i < 8; i++ {
		if i > 0 {
			clk.Advance(fps30.TickTime(i) - fps30.TickTime(i-1))
		}
		want := gray(uint8(40 + 20*i))
		if err := e.PushVideo(&media.VideoFrame{InputID: "cam", PTS: base + fps30.TickTime(i), Image: solid(16, 9, want)}); err != nil {
			t.Fatalf("PushVideo(%d): %v", i, err)
		}

		f := tick(t, e, clk, "out", i)
		if f.Tick != i {
			t.Errorf("frame tick = %d, want %d", f.Tick, i)
		}
		if f.PTS != fps30.TickTime(i) {
			t.Errorf("frame %d PTS = %v, want %v", i, f.PTS, fps30.TickTime(i))
		}
		if got := f.Texture.Image().RGBAAt(32, 18); got != want {
			t.Errorf("tick %d center = %v, want %v", i, got, want)
		}
		res := mustOutput(t, e, "out").last.Load()
		if res.Decisions["cam"] != fallback.Live {
			t.Errorf("tick %d decision = %v, want live", i, res.Decisions["cam"])
		}
		e.cfg.Device.Release(f.Texture)
	}
}

func TestHoldLastAfterTimeout(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t)
	rec := recorder(e)

	hold := fallback.PolicyHoldLast
	if err := e.RegisterInput("cam", InputOptions{Kind: KindVideo, Fallback: &hold}); err != nil {
		t.Fatalf("RegisterInput: %v", err)
	}
	err := e.RegisterOutput("out", OutputOptions{
		Resolution: media.Resolution{Width: 64, Height: 36},
		Root:       fullFrame("cam"),
	})
	if err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}

	last := gray(200)
	for i := uint64(0); i < 3; i++ {
		if i > 0 {
			clk.Advance(fps30.Period())
		}
		c := gray(uint8(50 * (i + 1)))
		if i == 2 {
			c = last
		}
		if err := e.PushVideo(&media.VideoFrame{InputID: "cam", PTS: fps30.TickTime(i), Image: solid(16, 9, c)}); err != nil {
			t.Fatalf("PushVideo: %v", err)
		}
	}

	clk.Advance(e.HealthConfig().Timeout + time.Second)
	e.tracker.Tick(clk.Now())
	e.tracker.Tick(clk.Now())
	if got := e.tracker.State("cam"); got != health.Offline {
		t.Fatalf("state = %v, want offline", got)
	}
	if !hasEvent(rec, events.InputStateChanged, health.Offline.String()) {
		t.Error("no offline transition event")
	}

	for n := uint64(100); n < 103; n++ {
		f := tick(t, e, clk, "out", n)
		if got := f.Texture.Image().RGBAAt(32, 18); got != last {
			t.Errorf("tick %d center = %v, want last frame %v", n, got, last)
		}
		if d := mustOutput(t, e, "out").last.Load().Decisions["cam"]; d != fallback.Hold {
			t.Errorf("tick %d decision = %v, want hold", n, d)
		}
		clk.Advance(fps30.Period())
	}

	// A new frame brings the input back.
	if err := e.PushVideo(&media.VideoFrame{InputID: "cam", PTS: 10 * time.Second, Image: solid(16, 9, gray(10))}); err != nil {
		t.Fatalf("PushVideo: %v", err)
	}
	if got := e.tracker.State("cam"); got != health.Ready {
		t.Errorf("state after frame = %v, want ready", got)
	}
}

func TestUnregisteredInputUsesNodePolicy(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t)

	rec := recorder(e)

	black := fallback.PolicyBlack
	root := &scene.Node{Kind: scene.KindView, BackgroundColor: "#ff0000ff", Children: []*scene.Node{
		{Kind: scene.KindInputStream, ID: "n1", InputID: "ghost", Fallback: &black},
	}}
	err := e.RegisterOutput("out", OutputOptions{Resolution: media.Resolution{Width: 32, Height: 18}, Root: root})
	if err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}

	f := tick(t, e, clk, "out", 0)
	if got, want := f.Texture.Image().RGBAAt(16, 9), (color.RGBA{A: 255}); got != want {
		t.Errorf("center = %v, want black %v", got, want)
	}
	if d := mustOutput(t, e, "out").last.Load().Decisions["ghost"]; d != fallback.Substitute {
		t.Errorf("decision = %v, want substitute", d)
	}
	var degraded int
	for _, ev := range rec.Recent(0) {
		if ev.Kind == events.NodeDegraded && ev.NodeID == "n1" {
			degraded++
		}
	}
	if degraded != 1 {
		t.Errorf("node_degraded events for n1 = %d, want 1", degraded)
	}

	// Still missing on the next tick: reported once.
	clk.Advance(fps30.Period())
	tick(t, e, clk, "out", 1)
	degraded = 0
	for _, ev := range rec.Recent(0) {
		if ev.Kind == events.NodeDegraded {
			degraded++
		}
	}
	if degraded != 1 {
		t.Errorf("node_degraded events after second tick = %d, want 1", degraded)
	}
}

func TestSideBySideLetterbox(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t)

	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	for _, id := range []string{"left", "right"} {
		if err := e.RegisterInput(id, InputOptions{Kind: KindVideo}); err != nil {
			t.Fatalf("RegisterInput(%s): %v", id, err)
		}
	}
	root := &scene.Node{Kind: scene.KindView, Direction: "row", Children: []*scene.Node{
		{Kind: scene.KindRescaler, Mode: scene.ModeFit, Children: []*scene.Node{{Kind: scene.KindInputStream, InputID: "left"}}},
		{Kind: scene.KindRescaler, Mode: scene.ModeFit, Children: []*scene.Node{{Kind: scene.KindInputStream, InputID: "right"}}},
	}}
	// Each half is 128x96 (4:3); a 16:9 source fits as 128x72 at y=12.
	err := e.RegisterOutput("out", OutputOptions{Resolution: media.Resolution{Width: 256, Height: 96}, Root: root})
	if err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}
	e.PushVideo(&media.VideoFrame{InputID: "left", Image: solid(16, 9, red)})
	e.PushVideo(&media.VideoFrame{InputID: "right", Image: solid(16, 9, blue)})

	img := tick(t, e, clk, "out", 0).Texture.Image()
	black := color.RGBA{A: 255}
	tests := []struct {
		name string
		x, y int
		want color.RGBA
	}{
		{"left top bar", 64, 11, black},
		{"left first row", 64, 12, red},
		{"left center", 64, 48, red},
		{"left last row", 64, 83, red},
		{"left bottom bar", 64, 84, black},
		{"left edge", 0, 48, red},
		{"right first row", 192, 12, blue},
		{"right last row", 192, 83, blue},
		{"right top bar", 192, 5, black},
		{"right edge", 255, 48, blue},
	}
	for _, tt := range tests {
		if got := img.RGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("%s (%d,%d) = %v, want %v", tt.name, tt.x, tt.y, got, tt.want)
		}
	}
}

func TestAudioMixedIntoTick(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t)

	if err := e.RegisterInput("mic", InputOptions{Kind: KindAudio}); err != nil {
		t.Fatalf("RegisterInput: %v", err)
	}
	half := 0.5
	err := e.RegisterOutput("out", OutputOptions{
		Resolution: media.Resolution{Width: 32, Height: 18},
		Audio:      &AudioOptions{SampleRate: 48000, Channels: 2},
		Root:       &scene.Node{Kind: scene.KindView},
		AudioMixes: []scene.AudioInput{{InputID: "mic", Volume: &half}},
	})
	if err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}

	samples := make([]int16, 1600*2)
	for i := range samples {
		samples[i] = 1000
	}
	if err := e.PushAudio(&media.AudioFrame{InputID: "mic", SampleRate: 48000, Channels: 2, Samples: samples}); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}

	f := tick(t, e, clk, "out", 0)
	if f.Audio == nil {
		t.Fatal("tick carried no audio")
	}
	if f.Audio.SampleRate != 48000 || f.Audio.Channels != 2 {
		t.Fatalf("audio format = %d Hz x %d, want 48000 Hz x 2", f.Audio.SampleRate, f.Audio.Channels)
	}
	if got := f.Audio.SampleCount(); got != 1600 {
		t.Fatalf("samples = %d, want 1600", got)
	}
	for _, i := range []int{0, 1, 800, 3199} {
		if got := f.Audio.Samples[i]; got != 500 {
			t.Errorf("sample %d = %d, want 500", i, got)
		}
	}

	// Offline inputs contribute silence.
	clk.Advance(e.HealthConfig().Timeout + time.Second)
	e.tracker.Tick(clk.Now())
	e.tracker.Tick(clk.Now())
	f = tick(t, e, clk, "out", 1)
	for i, s := range f.Audio.Samples {
		if s != 0 {
			t.Fatalf("sample %d = %d after input went offline, want silence", i, s)
		}
	}
}

func TestOfflineAudioResolvesToSilence(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t)

	e.RegisterInput("mic", InputOptions{Kind: KindAudio})
	err := e.RegisterOutput("out", OutputOptions{
		Resolution: media.Resolution{Width: 32, Height: 18},
		Audio:      &AudioOptions{SampleRate: 48000, Channels: 1},
		Root:       &scene.Node{Kind: scene.KindView},
		AudioMixes: []scene.AudioInput{{InputID: "mic"}, {InputID: "ghost"}},
	})
	if err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}
	for i := 0; i < 3; i++ {
		samples := make([]int16, 1600)
		for j := range samples {
			samples[j] = 700
		}
		f := &media.AudioFrame{InputID: "mic", PTS: time.Duration(i) * fps30.Period(), SampleRate: 48000, Channels: 1, Samples: samples}
		if err := e.PushAudio(f); err != nil {
			t.Fatalf("PushAudio: %v", err)
		}
	}

	clk.Advance(e.HealthConfig().Timeout + time.Second)
	e.tracker.Tick(clk.Now())
	e.tracker.Tick(clk.Now())
	if got := e.tracker.State("mic"); got != health.Offline {
		t.Fatalf("state = %v, want offline", got)
	}

	f := tick(t, e, clk, "out", 0)
	for i, s := range f.Audio.Samples {
		if s != 0 {
			t.Fatalf("sample %d = %d, want silence", i, s)
		}
	}
	mic, _ := e.input("mic")
	if st := mic.audio.Stats(); st.Depth != 1 || st.Readers != 1 {
		t.Errorf("audio queue depth=%d readers=%d, want 1/1", st.Depth, st.Readers)
	}
}

func TestEncodeDeliversToSinks(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t)

	e.RegisterInput("cam", InputOptions{Kind: KindVideo})
	err := e.RegisterOutput("out", OutputOptions{Resolution: media.Resolution{Width: 32, Height: 18}, Root: fullFrame("cam")})
	if err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}
	relay, ok := e.Relay("out")
	if !ok {
		t.Fatal("Relay not found")
	}
	sink := output.NewMemorySink("test", 0)
	relay.AddSink(sink)

	want := color.RGBA{G: 255, A: 255}
	e.PushVideo(&media.VideoFrame{InputID: "cam", Image: solid(8, 8, want)})
	o := mustOutput(t, e, "out")
	f := tick(t, e, clk, "out", 0)
	if err := e.encode(o, f); err != nil {
		t.Fatalf("encode: %v", err)
	}

	pkt, ok := sink.LastVideo()
	if !ok {
		t.Fatal("sink received no video")
	}
	msg, err := codec.NewReader(bytes.NewReader(pkt.Data)).Next()
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	vf, err := codec.DecodeVideo(msg, "out")
	if err != nil {
		t.Fatalf("DecodeVideo: %v", err)
	}
	if got := vf.Image.RGBAAt(16, 9); got != want {
		t.Errorf("decoded center = %v, want %v", got, want)
	}
}

func TestRegistrationErrors(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	res := media.Resolution{Width: 64, Height: 36}

	if err := e.RegisterInput("cam", InputOptions{}); err != nil {
		t.Fatalf("RegisterInput: %v", err)
	}
	if err := e.RegisterOutput("out", OutputOptions{Resolution: res}); err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate input", e.RegisterInput("cam", InputOptions{}), ErrAlreadyRegistered},
		{"bad input kind", e.RegisterInput("x", InputOptions{Kind: "smell"}), ErrInvalidArgument},
		{"duplicate output", e.RegisterOutput("out", OutputOptions{Resolution: res}), ErrAlreadyRegistered},
		{"odd resolution", e.RegisterOutput("odd", OutputOptions{Resolution: media.Resolution{Width: 63, Height: 36}}), ErrUnsupportedResolution},
		{"zero resolution", e.RegisterOutput("zero", OutputOptions{}), ErrUnsupportedResolution},
		{"unknown encoder", e.RegisterOutput("enc", OutputOptions{Resolution: res, Encoder: codec.Settings{Type: "h266"}}), ErrInvalidArgument},
		{"invalid initial scene", e.RegisterOutput("bad", OutputOptions{Resolution: res, Root: &scene.Node{Kind: "blob"}}), scene.ErrInvalidScene},
		{"unregister unknown input", e.UnregisterInput("nope"), ErrNotFound},
		{"unregister unknown output", e.UnregisterOutput("nope"), ErrNotFound},
		{"push to unknown input", e.PushVideo(&media.VideoFrame{InputID: "nope", Image: solid(2, 2, gray(0))}), ErrNotFound},
		{"push empty frame", e.PushVideo(&media.VideoFrame{InputID: "cam"}), ErrInvalidArgument},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, tt.err, tt.want)
		}
	}

	if got := len(e.Outputs()); got != 1 {
		t.Errorf("outputs = %d, want 1", got)
	}
}

func TestUnregisteredInputResolvesNotFound(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t)

	e.RegisterInput("cam", InputOptions{Kind: KindVideo})
	e.RegisterOutput("out", OutputOptions{Resolution: media.Resolution{Width: 32, Height: 18}, Root: fullFrame("cam")})
	e.PushVideo(&media.VideoFrame{InputID: "cam", Image: solid(8, 8, gray(90))})
	tick(t, e, clk, "out", 0)

	if err := e.UnregisterInput("cam"); err != nil {
		t.Fatalf("UnregisterInput: %v", err)
	}
	if e.HasInput("cam") {
		t.Error("HasInput true after unregister")
	}
	if got := e.tracker.State("cam"); got != health.NotFound {
		t.Errorf("state = %v, want not_found", got)
	}
	clk.Advance(fps30.Period())
	f := tick(t, e, clk, "out", 1)
	if d := mustOutput(t, e, "out").last.Load().Decisions["cam"]; d != fallback.Substitute {
		t.Errorf("decision = %v, want substitute", d)
	}
	if got := f.Texture.Image().RGBAAt(16, 9); got == gray(90) {
		t.Error("unregistered input still rendered")
	}
}

func TestUpdateSceneAtomic(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	rec := recorder(e)

	res := media.Resolution{Width: 32, Height: 18}
	e.RegisterOutput("a", OutputOptions{Resolution: res})
	e.RegisterOutput("b", OutputOptions{Resolution: res})

	err := e.UpdateScene([]scene.OutputScene{
		{OutputID: "a", Root: fullFrame("cam")},
		{OutputID: "missing", Root: fullFrame("cam")},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown output: got %v, want %v", err, ErrNotFound)
	}
	err = e.UpdateScene([]scene.OutputScene{
		{OutputID: "a", Root: fullFrame("cam")},
		{OutputID: "b", Root: &scene.Node{Kind: scene.KindRescaler}},
	})
	if !errors.Is(err, scene.ErrInvalidScene) {
		t.Fatalf("invalid tree: got %v, want %v", err, scene.ErrInvalidScene)
	}
	sc, err := e.Scene("a")
	if err != nil {
		t.Fatalf("Scene: %v", err)
	}
	if sc.Root != nil {
		t.Fatal("rejected update was partially applied")
	}

	err = e.UpdateScene([]scene.OutputScene{
		{OutputID: "a", Root: fullFrame("cam")},
		{OutputID: "b", Root: fullFrame("cam")},
	})
	if err != nil {
		t.Fatalf("UpdateScene: %v", err)
	}
	sa, _ := e.Scene("a")
	sb, _ := e.Scene("b")
	if sa.Root == nil || sb.Root == nil {
		t.Fatal("scene not installed")
	}
	if sa.Version == 0 {
		t.Error("version not bumped")
	}
	if !hasEvent(rec, events.SceneUpdated, "") {
		t.Error("no scene_updated event")
	}
	if _, err := e.Scene("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Scene(missing): got %v, want %v", err, ErrNotFound)
	}
	if err := e.UpdateScene(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty update: got %v, want %v", err, ErrInvalidArgument)
	}
}

func TestWaitForNextFrame(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	e.RegisterInput("cam", InputOptions{Kind: KindVideo})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.WaitForNextFrame(ctx, "cam"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("no frame: got %v, want %v", err, context.DeadlineExceeded)
	}
	if err := e.WaitForNextFrame(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown input: got %v, want %v", err, ErrNotFound)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- e.WaitForNextFrame(ctx, "cam")
	}()
	waitFor(t, "frame delivered", func() bool {
		e.PushVideo(&media.VideoFrame{InputID: "cam", Image: solid(2, 2, gray(1))})
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("WaitForNextFrame: %v", err)
			}
			return true
		default:
			return false
		}
	})
}

func TestRendererRegistration(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	spec := RendererSpec{Kind: RendererShader, Shader: &render.ShaderSpec{ID: "bw", Source: "grayscale"}}
	if err := e.RegisterRenderer(context.Background(), spec); err != nil {
		t.Fatalf("RegisterRenderer: %v", err)
	}
	if err := e.RegisterRenderer(context.Background(), spec); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate: got %v, want %v", err, ErrAlreadyRegistered)
	}
	bad := RendererSpec{Kind: RendererShader, Shader: &render.ShaderSpec{ID: "x", Source: "nope"}}
	if err := e.RegisterRenderer(context.Background(), bad); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown source: got %v, want %v", err, ErrInvalidArgument)
	}
	if err := e.RegisterRenderer(context.Background(), RendererSpec{Kind: "teapot"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown kind: got %v, want %v", err, ErrInvalidArgument)
	}

	found := false
	for _, id := range e.Renderers().Shaders {
		if id == "bw" {
			found = true
		}
	}
	if !found {
		t.Errorf("Renderers().Shaders = %v, missing bw", e.Renderers().Shaders)
	}

	if err := e.UnregisterRenderer(RendererShader, "bw"); err != nil {
		t.Fatalf("UnregisterRenderer: %v", err)
	}
	if err := e.UnregisterRenderer(RendererShader, "bw"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second unregister: got %v, want %v", err, ErrNotFound)
	}
	if err := e.UnregisterRenderer(RendererImage, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown image: got %v, want %v", err, ErrNotFound)
	}
	if err := e.InvalidateWebRenderer("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("web disabled: got %v, want %v", err, ErrNotFound)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t)

	e.RegisterInput("cam", InputOptions{Kind: KindVideo})
	e.RegisterInput("idle", InputOptions{Kind: KindVideo})
	e.RegisterOutput("out", OutputOptions{Resolution: media.Resolution{Width: 32, Height: 18}, Root: fullFrame("cam")})
	e.PushVideo(&media.VideoFrame{InputID: "cam", Image: solid(4, 4, gray(3))})
	clk.Advance(250 * time.Millisecond)
	tick(t, e, clk, "out", 0)

	snap := e.Snapshot()
	if snap.Started {
		t.Error("Started = true before Start")
	}
	if len(snap.Inputs) != 2 || len(snap.Outputs) != 1 {
		t.Fatalf("snapshot has %d inputs, %d outputs, want 2 and 1", len(snap.Inputs), len(snap.Outputs))
	}
	byID := map[string]int64{}
	for _, in := range snap.Inputs {
		byID[in.ID] = in.LastFrameAgoMs
	}
	if got := byID["cam"]; got != 250 {
		t.Errorf("cam lastFrameAgoMs = %d, want 250", got)
	}
	if got := byID["idle"]; got != -1 {
		t.Errorf("idle lastFrameAgoMs = %d, want -1", got)
	}
	if got := snap.Outputs[0].Presented; got != 1 {
		t.Errorf("presented = %d, want 1", got)
	}
}

func TestStartTwiceAndClose(t *testing.T) {
	t.Parallel()
	e := New(Config{})
	rec := recorder(e)

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	n := 0
	for _, ev := range rec.Recent(0) {
		if ev.Kind == events.EngineStarted {
			n++
		}
	}
	if n != 1 {
		t.Errorf("engine_started events = %d, want 1", n)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close: got %v, want %v", err, ErrClosed)
	}
	if err := e.RegisterOutput("late", OutputOptions{Resolution: media.Resolution{Width: 2, Height: 2}}); !errors.Is(err, ErrClosed) {
		t.Errorf("RegisterOutput after Close: got %v, want %v", err, ErrClosed)
	}
}

// feed pushes frames at the real clock until ctx ends.
func feed(ctx context.Context, e *Engine, inputID string) {
	tk := time.NewTicker(10 * time.Millisecond)
	defer tk.Stop()
	start := time.Now()
	img := solid(8, 8, gray(128))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			e.PushVideo(&media.VideoFrame{InputID: inputID, PTS: now.Sub(start), Image: img})
		}
	}
}

func TestRemoveOutputWhileOthersRun(t *testing.T) {
	t.Parallel()
	e := New(Config{Framerate: media.Framerate{Num: 100, Den: 1}})
	defer e.Close()
	rec := recorder(e)

	e.RegisterInput("cam", InputOptions{Kind: KindVideo})
	sinks := map[string]*output.MemorySink{}
	for _, id := range []string{"a", "b"} {
		if err := e.RegisterOutput(id, OutputOptions{Resolution: media.Resolution{Width: 32, Height: 18}, Root: fullFrame("cam")}); err != nil {
			t.Fatalf("RegisterOutput(%s): %v", id, err)
		}
		relay, _ := e.Relay(id)
		sinks[id] = output.NewMemorySink("sink-"+id, 0)
		relay.AddSink(sinks[id])
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed(ctx, e, "cam")
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "both outputs producing", func() bool {
		return sinks["a"].Stats().VideoSent >= 5 && sinks["b"].Stats().VideoSent >= 5
	})

	if err := e.UnregisterOutput("a"); err != nil {
		t.Fatalf("UnregisterOutput: %v", err)
	}
	if _, ok := e.Relay("a"); ok {
		t.Error("relay still reachable after unregister")
	}
	afterA := sinks["a"].Stats().VideoSent
	afterB := sinks["b"].Stats().VideoSent

	waitFor(t, "remaining output to keep producing", func() bool {
		return sinks["b"].Stats().VideoSent >= afterB+10
	})
	if got := sinks["a"].Stats().VideoSent; got != afterA {
		t.Errorf("removed output sent %d more packets", got-afterA)
	}
	outs := e.Outputs()
	if len(outs) != 1 || outs[0].ID != "b" || !outs[0].Running {
		t.Errorf("Outputs() = %+v, want b running", outs)
	}
	if !hasEvent(rec, events.OutputUnregistered, "") {
		t.Error("no output_unregistered event")
	}
	if err := e.UnregisterOutput("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second unregister: got %v, want %v", err, ErrNotFound)
	}
}

func TestDeviceLossFailsOutput(t *testing.T) {
	t.Parallel()
	dev := render.NewSoftwareDevice(render.SoftwareOptions{})
	e := New(Config{Device: dev, Framerate: media.Framerate{Num: 100, Den: 1}})
	defer e.Close()
	rec := recorder(e)

	e.RegisterInput("cam", InputOptions{Kind: KindVideo})
	e.RegisterOutput("out", OutputOptions{Resolution: media.Resolution{Width: 16, Height: 16}, Root: fullFrame("cam")})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "output running", func() bool { return e.Outputs()[0].Running })

	dev.Lose()
	waitFor(t, "output failure", func() bool { return e.Outputs()[0].Failed != "" })

	info := e.Outputs()[0]
	if info.Running {
		t.Error("failed output still running")
	}
	if !hasEvent(rec, events.OutputFailed, "") {
		t.Error("no output_failed event")
	}
	// Inputs are unaffected.
	if err := e.PushVideo(&media.VideoFrame{InputID: "cam", Image: solid(2, 2, gray(1))}); err != nil {
		t.Errorf("PushVideo after output failure: %v", err)
	}
	if err := e.UnregisterOutput("out"); err != nil {
		t.Errorf("UnregisterOutput: %v", err)
	}
}

type failingEncoder struct{}

func (failingEncoder) Encode(*media.VideoFrame) (codec.Packet, error) {
	return codec.Packet{}, errors.New("encoder gone")
}

func (failingEncoder) EncodeAudio(*media.AudioFrame) (codec.Packet, error) {
	return codec.Packet{}, errors.New("encoder gone")
}

func TestFailedOutputReleasesInputCursors(t *testing.T) {
	t.Parallel()
	e := New(Config{Framerate: media.Framerate{Num: 100, Den: 1}})
	defer e.Close()

	e.RegisterInput("cam", InputOptions{Kind: KindVideo, QueueDepth: 16})
	res := media.Resolution{Width: 16, Height: 16}
	for _, id := range []string{"a", "b"} {
		if err := e.RegisterOutput(id, OutputOptions{Resolution: res, Root: fullFrame("cam")}); err != nil {
			t.Fatalf("RegisterOutput(%s): %v", id, err)
		}
	}
	mustOutput(t, e, "a").encoder = failingEncoder{}
	relay, _ := e.Relay("b")
	sink := output.NewMemorySink("sink-b", 0)
	relay.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed(ctx, e, "cam")
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "output a to fail", func() bool {
		if sink.Stats().VideoSent == 0 {
			return false
		}
		for _, o := range e.Outputs() {
			if o.ID == "a" && o.Failed != "" {
				return true
			}
		}
		return false
	})
	cam, _ := e.input("cam")
	if got := cam.video.Stats().Readers; got != 1 {
		t.Errorf("readers after failure = %d, want 1", got)
	}

	before := cam.video.Stats().Dropped
	sent := sink.Stats().VideoSent
	waitFor(t, "output b to keep producing", func() bool {
		return sink.Stats().VideoSent >= sent+20
	})
	if got := cam.video.Stats().Dropped; got != before {
		t.Errorf("input dropped %d frames while output b ran, want 0", got-before)
	}
}

func TestSceneUpdatePinsInputsOfRunningOutput(t *testing.T) {
	t.Parallel()
	e := New(Config{Framerate: media.Framerate{Num: 10, Den: 1}})
	defer e.Close()

	e.RegisterInput("cam", InputOptions{Kind: KindVideo})
	e.RegisterInput("cam2", InputOptions{Kind: KindVideo})
	if err := e.RegisterOutput("out", OutputOptions{Resolution: media.Resolution{Width: 16, Height: 16}}); err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}
	cam, _ := e.input("cam")
	cam2, _ := e.input("cam2")

	// A stopped output does not pin anything.
	if err := e.UpdateScene([]scene.OutputScene{{OutputID: "out", Root: fullFrame("cam")}}); err != nil {
		t.Fatalf("UpdateScene: %v", err)
	}
	if got := cam.video.Stats().Readers; got != 0 {
		t.Errorf("readers before start = %d, want 0", got)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "output running", func() bool { return e.Outputs()[0].Running })

	if err := e.UpdateScene([]scene.OutputScene{{OutputID: "out", Root: fullFrame("cam2")}}); err != nil {
		t.Fatalf("UpdateScene: %v", err)
	}
	if got := cam2.video.Stats().Readers; got != 1 {
		t.Errorf("cam2 readers = %d, want 1", got)
	}
}
