// Package fallback decides what to present for an input at an output tick,
// given the input's queued frames and its health classification.
package fallback

import (
	"fmt"
	"strings"
	"time"

	"github.com/zsiec/mosaic/internal/health"
	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/queue"
)

// Policy is the configured behavior for an input that is Offline.
type Policy int

const (
	PolicyHoldLast Policy = iota
	PolicyBlack
	PolicyTransparent
	PolicyOmit
	PolicySilence
)

var policyNames = map[Policy]string{
	PolicyHoldLast:    "hold_last",
	PolicyBlack:       "black",
	PolicyTransparent: "transparent",
	PolicyOmit:        "omit",
	PolicySilence:     "silence",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy parses a policy name. The empty string means hold_last.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PolicyHoldLast, nil
	}
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown fallback policy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler, so policies decode from
// JSON and YAML by name.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Decision is the outcome of a resolution.
type Decision int

const (
	// Live presents the queued frame for the tick.
	Live Decision = iota
	// Hold re-presents the last delivered frame.
	Hold
	// Substitute presents static content named by Result.Fill.
	Substitute
	// Omit draws nothing for the node.
	Omit
)

func (d Decision) String() string {
	switch d {
	case Live:
		return "live"
	case Hold:
		return "hold"
	case Substitute:
		return "substitute"
	case Omit:
		return "omit"
	default:
		return "unknown"
	}
}

// Result is what the resolver selected. Entry is set for Live and Hold; Fill
// is set for Substitute (black, transparent or silence).
type Result[F media.Timed] struct {
	Decision Decision
	Entry    queue.Entry[F]
	Fill     Policy
	// Unregistered is set when the input is not registered, a condition
	// callers report as well as substitute.
	Unregistered bool
}

// Resolve selects the content to present at engine time t. It never blocks
// and, for the same arguments, always returns the same result.
//
// Ready and Stalled inputs present the newest frame at or before t, or hold
// the last delivered frame. Offline and unregistered inputs follow policy.
//
// A live input whose queued frames all lie after t (the first ticks after
// its clock is anchored, or arrival jitter ahead of the tick) holds its
// newest frame rather than flashing the substitute; the frame is at most one
// arrival interval early.
func Resolve[F media.Timed](v queue.View[F], state health.State, t time.Duration, p Policy) Result[F] {
	if state == health.NotFound {
		r := substitute[F](p)
		r.Unregistered = true
		return r
	}

	last, hasLast := v.Last()
	switch state {
	case health.Ready, health.Stalled:
		if e, ok := v.At(t); ok {
			return Result[F]{Decision: Live, Entry: e}
		}
		if hasLast {
			return Result[F]{Decision: Hold, Entry: last}
		}
		return substitute[F](p)
	default:
		if p == PolicyHoldLast && hasLast {
			return Result[F]{Decision: Hold, Entry: last}
		}
		return substitute[F](p)
	}
}

func substitute[F media.Timed](p Policy) Result[F] {
	switch p {
	case PolicyOmit:
		return Result[F]{Decision: Omit}
	case PolicyHoldLast:
		// Nothing to hold.
		return Result[F]{Decision: Substitute, Fill: PolicyTransparent}
	default:
		return Result[F]{Decision: Substitute, Fill: p}
	}
}
