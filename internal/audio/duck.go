package audio

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var percentRe = regexp.MustCompile(`(\d+)\s*%`)

const maxVolume = 150

type sinkInput struct {
	ID      int
	Volume  int
	AppName string
}

type fade struct {
	id, from, to int
}

// Ducker fades PulseAudio sink inputs of other applications down while the
// bot speaks and back up afterwards. Streams whose application.name is in
// selfNames are left alone.
type Ducker struct {
	mu        sync.Mutex
	active    bool
	selfNames []string
	original  map[int]int
	minVolume int

	// pactl is swapped in tests.
	pactl func(ctx context.Context, args ...string) ([]byte, error)
}

func NewDucker(selfNames []string, minVolume int) *Ducker {
	return &Ducker{
		selfNames: slices.Clone(selfNames),
		original:  make(map[int]int),
		minVolume: min(max(minVolume, 0), maxVolume),
		pactl:     runPactl,
	}
}

// DuckOthers fades every foreign stream to factor of its volume, not below
// minVolume. Calling it while ducked is a no-op.
func (d *Ducker) DuckOthers(ctx context.Context, factor float64, duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return nil
	}

	streams, err := d.list(ctx)
	if err != nil {
		return err
	}

	d.original = make(map[int]int)
	var fades []fade
	for _, s := range streams {
		if slices.Contains(d.selfNames, s.AppName) {
			continue
		}
		target := math.Max(float64(s.Volume)*factor, float64(d.minVolume))
		d.original[s.ID] = s.Volume
		fades = append(fades, fade{id: s.ID, from: s.Volume, to: int(math.Round(math.Min(target, maxVolume)))})
	}

	if err := d.apply(ctx, fades, duration); err != nil {
		return err
	}
	d.active = true
	return nil
}

// UnduckOthers restores the volumes saved by DuckOthers. Streams that
// appeared in between are not touched.
func (d *Ducker) UnduckOthers(ctx context.Context, duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return nil
	}

	streams, err := d.list(ctx)
	if err != nil {
		return err
	}

	var fades []fade
	for _, s := range streams {
		orig, ok := d.original[s.ID]
		if !ok || slices.Contains(d.selfNames, s.AppName) {
			continue
		}
		fades = append(fades, fade{id: s.ID, from: s.Volume, to: orig})
	}

	if err := d.apply(ctx, fades, duration); err != nil {
		return err
	}
	d.original = make(map[int]int)
	d.active = false
	return nil
}

func (d *Ducker) list(ctx context.Context) ([]sinkInput, error) {
	out, err := d.pactl(ctx, "list", "sink-inputs")
	if err != nil {
		return nil, fmt.Errorf("pactl list sink-inputs: %w", err)
	}
	return parseSinkInputs(string(out)), nil
}

// apply steps every fade linearly over duration in 10ms steps.
func (d *Ducker) apply(ctx context.Context, fades []fade, duration time.Duration) error {
	if len(fades) == 0 {
		return nil
	}
	steps := max(int(duration/(10*time.Millisecond)), 1)
	if duration <= 0 {
		steps = 0
	}

	for i := 0; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frac := 1.0
		if steps > 0 {
			frac = float64(i) / float64(steps)
		}
		for _, f := range fades {
			v := int(math.Round(float64(f.from) + float64(f.to-f.from)*frac))
			if err := d.setVolume(ctx, f.id, v); err != nil {
				return err
			}
		}
		if i < steps {
			time.Sleep(duration / time.Duration(steps))
		}
	}
	return nil
}

func (d *Ducker) setVolume(ctx context.Context, id, percent int) error {
	percent = min(max(percent, 0), maxVolume)
	if _, err := d.pactl(ctx, "set-sink-input-volume", strconv.Itoa(id), fmt.Sprintf("%d%%", percent)); err != nil {
		return fmt.Errorf("set volume of sink input %d: %w", id, err)
	}
	return nil
}

func runPactl(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "pactl", args...).Output()
}

// parseSinkInputs reads `pactl list sink-inputs` output.
func parseSinkInputs(text string) []sinkInput {
	blocks := strings.Split(text, "Sink Input #")
	var res []sinkInput
	for _, block := range blocks[1:] {
		header, body, ok := strings.Cut(block, "\n")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(header))
		if err != nil {
			continue
		}

		s := sinkInput{ID: id}
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "Volume:") && s.Volume == 0:
				if m := percentRe.FindStringSubmatch(line); m != nil {
					s.Volume, _ = strconv.Atoi(m[1])
				}
			case strings.HasPrefix(line, "application.name =") && s.AppName == "":
				_, quoted, _ := strings.Cut(line, "\"")
				s.AppName, _, _ = strings.Cut(quoted, "\"")
			}
		}
		if s.Volume == 0 && s.AppName == "" {
			continue
		}
		res = append(res, s)
	}
	return res
}
