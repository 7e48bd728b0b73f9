package backend

import (
	"context"
	"fmt"
	"io"
	"strings"

	"chatbot/internal/config"
)

type Factory[T any] func(ctx context.Context, sec config.Section) (T, error)

// Descriptor names an adapter, the config section it reads and the keys it
// cannot start without.
type Descriptor[T any] struct {
	Name     string
	Vendor   string
	Required []string
	New      Factory[T]
}

// Build validates the vendor section and constructs the adapter.
func (d Descriptor[T]) Build(ctx context.Context, cfg *config.Config) (T, error) {
	var zero T
	sec := cfg.Section(d.Vendor)
	if missing := sec.Missing(d.Required...); len(missing) > 0 {
		return zero, &Error{
			Backend: d.Name,
			Op:      "configure",
			Kind:    ErrConfig,
			Err:     fmt.Errorf("%s: missing %s", d.Vendor, strings.Join(missing, ", ")),
		}
	}
	if d.New == nil {
		return zero, Fail(ErrConfig, d.Name, "configure", "no constructor")
	}

	v, err := d.New(ctx, sec)
	if err != nil {
		return zero, Wrap(d.Name, "construct", err)
	}
	if err := Probe(ctx, v); err != nil {
		Close(v)
		return zero, Wrap(d.Name, "probe", err)
	}
	return v, nil
}

// Close releases v when it holds resources.
func Close(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

// Probe runs v's Probe when it has one.
func Probe(ctx context.Context, v any) error {
	if p, ok := v.(Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}
