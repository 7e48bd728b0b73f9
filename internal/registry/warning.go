package registry

import (
	"fmt"

	"chatbot/internal/backend"
)

type Reason string

const (
	ReasonUnknown   Reason = "unknown"
	ReasonConstruct Reason = "construct"
)

// Warning reports a switch that did not happen. The previous backend is
// still active.
type Warning struct {
	Kind     backend.Kind
	Name     string
	Previous string
	Reason   Reason
	Err      error
}

func (w *Warning) Error() string {
	keep := "none"
	if w.Previous != "" {
		keep = w.Previous
	}
	switch w.Reason {
	case ReasonUnknown:
		return fmt.Sprintf("unknown %s backend %q, keeping %s", w.Kind, w.Name, keep)
	default:
		return fmt.Sprintf("%s backend %q unavailable, keeping %s: %v", w.Kind, w.Name, keep, w.Err)
	}
}

func (w *Warning) Unwrap() error { return w.Err }
