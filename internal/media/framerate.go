package media

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidFramerate is returned when a framerate string cannot be parsed.
var ErrInvalidFramerate = errors.New("framerate needs to be an unsigned integer or a string in the \"NUM/DEN\" format, where NUM and DEN are both unsigned integers")

// Framerate is a rational frame rate of Num/Den frames per second.
// It encodes as "NUM/DEN" in JSON and YAML.
type Framerate struct {
	Num uint32
	Den uint32
}

// ParseFramerate parses "NUM/DEN" or a bare integer ("30" means 30/1).
func ParseFramerate(s string) (Framerate, error) {
	s = strings.TrimSpace(s)
	numStr, denStr, hasDen := strings.Cut(s, "/")
	if !hasDen {
		denStr = "1"
	}
	num, err := strconv.ParseUint(strings.TrimSpace(numStr), 10, 32)
	if err != nil {
		return Framerate{}, fmt.Errorf("%w: %q", ErrInvalidFramerate, s)
	}
	den, err := strconv.ParseUint(strings.TrimSpace(denStr), 10, 32)
	if err != nil {
		return Framerate{}, fmt.Errorf("%w: %q", ErrInvalidFramerate, s)
	}
	fr := Framerate{Num: uint32(num), Den: uint32(den)}
	if !fr.Valid() {
		return Framerate{}, fmt.Errorf("%w: %q", ErrInvalidFramerate, s)
	}
	return fr, nil
}

// Valid reports whether both terms are non-zero.
func (f Framerate) Valid() bool {
	return f.Num > 0 && f.Den > 0
}

func (f Framerate) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// MarshalText implements encoding.TextMarshaler.
func (f Framerate) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Framerate) UnmarshalText(b []byte) error {
	fr, err := ParseFramerate(string(b))
	if err != nil {
		return err
	}
	*f = fr
	return nil
}

// UnmarshalJSON accepts a "NUM/DEN" string or a bare integer.
func (f *Framerate) UnmarshalJSON(b []byte) error {
	return f.UnmarshalText([]byte(strings.Trim(string(b), `"`)))
}

// Period returns the duration of a single frame, truncated to nanoseconds.
// Use TickTime to place tick n without accumulating the truncation error.
func (f Framerate) Period() time.Duration {
	return f.TickTime(1)
}

// TickTime returns the exact presentation time of tick n (n*Den/Num
// seconds), truncated to the nanosecond only once.
func (f Framerate) TickTime(n uint64) time.Duration {
	return time.Duration(mulDiv(n, uint64(f.Den)*uint64(time.Second), uint64(f.Num)))
}

// SampleIndex returns the index of the first audio sample of tick n on a
// clock running at sampleRate: floor(n*sampleRate*Den/Num).
func (f Framerate) SampleIndex(n uint64, sampleRate int) uint64 {
	return mulDiv(n, uint64(sampleRate)*uint64(f.Den), uint64(f.Num))
}

// mulDiv computes a*b/c with a 128-bit intermediate product so long-running
// tick counters never overflow.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
