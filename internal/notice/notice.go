// Package notice defines the advisory values reconcilers surface about
// conditions that affect sync batch handling.
//
// A pausing notice blocks batch handling until the underlying condition
// clears; a warning rides along with updates without blocking anything.
// Notices are polled, not pushed: reconcilers recompute them on demand and
// the scheduler decides what to do with the result.
package notice

import (
	"fmt"
	"sort"
)

// Kind classifies how a notice affects batch handling. Lower values sort
// first so pauses always lead in rendered output.
type Kind int

const (
	// KindPause blocks batch handling until the condition clears.
	KindPause Kind = iota
	// KindWarning is informational and never blocks handling.
	KindWarning
)

func (k Kind) String() string {
	switch k {
	case KindPause:
		return "pause"
	case KindWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Notice describes one condition a reconciler wants surfaced to the user.
type Notice struct {
	Kind      Kind   `json:"kind"`
	SourceTag string `json:"source_tag"`
	Reason    string `json:"reason"`
}

// Pause builds a pausing notice.
func Pause(sourceTag, reason string) Notice {
	return Notice{Kind: KindPause, SourceTag: sourceTag, Reason: reason}
}

// Warning builds a non-blocking notice.
func Warning(sourceTag, reason string) Notice {
	return Notice{Kind: KindWarning, SourceTag: sourceTag, Reason: reason}
}

// Describe renders the notice for logs and user-facing messages.
func (n Notice) Describe() string {
	return fmt.Sprintf("%s from %s: %s", n.Kind, n.SourceTag, n.Reason)
}

// Sort orders notices by kind, then source tag, then reason, so repeated
// polls of the same conditions render identically.
func Sort(notices []Notice) {
	sort.SliceStable(notices, func(i, j int) bool {
		a, b := notices[i], notices[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.SourceTag != b.SourceTag {
			return a.SourceTag < b.SourceTag
		}
		return a.Reason < b.Reason
	})
}

// Partition splits notices into pausing and warning groups, preserving order.
func Partition(notices []Notice) (pauses, warnings []Notice) {
	for _, n := range notices {
		if n.Kind == KindPause {
			pauses = append(pauses, n)
		} else {
			warnings = append(warnings, n)
		}
	}
	return pauses, warnings
}

// HasPausing reports whether any notice blocks handling.
func HasPausing(notices []Notice) bool {
	for _, n := range notices {
		if n.Kind == KindPause {
			return true
		}
	}
	return false
}

// Reasons returns the reasons in order, for message assembly.
func Reasons(notices []Notice) []string {
	reasons := make([]string, len(notices))
	for i, n := range notices {
		reasons[i] = n.Reason
	}
	return reasons
}

// DescribeAll renders every notice in order.
func DescribeAll(notices []Notice) []string {
	out := make([]string, len(notices))
	for i, n := range notices {
		out[i] = n.Describe()
	}
	return out
}
