package media

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseFramerate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Framerate
		wantErr bool
	}{
		{"30", Framerate{30, 1}, false},
		{"30/1", Framerate{30, 1}, false},
		{"30000/1001", Framerate{30000, 1001}, false},
		{" 25 / 1 ", Framerate{25, 1}, false},
		{"0/1", Framerate{}, true},
		{"30/0", Framerate{}, true},
		{"abc", Framerate{}, true},
		{"-30", Framerate{}, true},
		{"30/", Framerate{}, true},
	}
	for _, tt := range tests {
		got, err := ParseFramerate(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidFramerate) {
				t.Errorf("ParseFramerate(%q): got err %v, want ErrInvalidFramerate", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFramerate(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFramerate(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTickTimeNoAccumulatedError(t *testing.T) {
	t.Parallel()

	fr := Framerate{Num: 30000, Den: 1001}

	// 30000 ticks of 1001/30000s is exactly 1001 seconds.
	if got := fr.TickTime(30000); got != 1001*time.Second {
		t.Errorf("TickTime(30000): got %v, want %v", got, 1001*time.Second)
	}

	if got := fr.Period(); got != 33366666 {
		t.Errorf("Period: got %d, want 33366666", got)
	}
	if got := fr.TickTime(2); got != 66733333 {
		t.Errorf("TickTime(2): got %d, want 66733333", got)
	}
}

func TestSampleIndex(t *testing.T) {
	t.Parallel()

	fr := Framerate{Num: 30, Den: 1}
	if got := fr.SampleIndex(1, 48000); got != 1600 {
		t.Errorf("SampleIndex(1): got %d, want 1600", got)
	}
	if got := fr.SampleIndex(30, 48000); got != 48000 {
		t.Errorf("SampleIndex(30): got %d, want 48000", got)
	}

	ntsc := Framerate{Num: 30000, Den: 1001}
	if got := ntsc.SampleIndex(30000, 48000); got != 48048000 {
		t.Errorf("SampleIndex ntsc: got %d, want 48048000", got)
	}
}

func TestResolution(t *testing.T) {
	t.Parallel()

	if !(Resolution{1920, 1080}).Even() {
		t.Error("1920x1080 should be even")
	}
	if (Resolution{1921, 1080}).Even() {
		t.Error("1921x1080 should not be even")
	}
	if (Resolution{0, 1080}).Valid() {
		t.Error("0x1080 should not be valid")
	}
}

func TestAudioFrameDuration(t *testing.T) {
	t.Parallel()

	f := &AudioFrame{SampleRate: 48000, Channels: 2, Samples: make([]int16, 960*2)}
	if got := f.SampleCount(); got != 960 {
		t.Errorf("SampleCount: got %d, want 960", got)
	}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration: got %v, want 20ms", got)
	}
}

func TestFramerateJSON(t *testing.T) {
	t.Parallel()

	var v struct {
		A Framerate `json:"a"`
		B Framerate `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"30000/1001","b":25}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A != (Framerate{30000, 1001}) || v.B != (Framerate{25, 1}) {
		t.Errorf("got %v and %v", v.A, v.B)
	}
	out, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(out), `{"a":"30000/1001","b":"25/1"}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if err := json.Unmarshal([]byte(`{"a":"0/1"}`), &v); err == nil {
		t.Error("expected error for zero framerate")
	}
}
