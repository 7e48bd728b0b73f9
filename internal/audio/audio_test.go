package audio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sinkInputs = `Sink Input #41
	Driver: protocol-native.c
	Volume: front-left: 65536 / 100% / 0.00 dB,   front-right: 65536 / 100% / 0.00 dB
	Properties:
		application.name = "Firefox"
Sink Input #42
	Volume: front-left: 52428 /  80% / -5.81 dB
	Properties:
		application.name = "chatbot"
Sink Input #bogus
	Volume: 10%
`

func TestParseSinkInputs(t *testing.T) {
	got := parseSinkInputs(sinkInputs)
	assert.Equal(t, []sinkInput{
		{ID: 41, Volume: 100, AppName: "Firefox"},
		{ID: 42, Volume: 80, AppName: "chatbot"},
	}, got)
}

type fakePactl struct {
	mu   sync.Mutex
	sets map[string]string
	fail bool
}

func (f *fakePactl) run(_ context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no pulse")
	}
	if args[0] == "list" {
		return []byte(sinkInputs), nil
	}
	f.sets[args[1]] = args[2]
	return nil, nil
}

func TestDuckAndRestore(t *testing.T) {
	p := &fakePactl{sets: map[string]string{}}
	d := NewDucker([]string{"chatbot"}, 20)
	d.pactl = p.run

	require.NoError(t, d.DuckOthers(context.Background(), 0.1, 0))
	assert.Equal(t, map[string]string{"41": "20%"}, p.sets)

	// A second duck must not overwrite the saved volumes.
	require.NoError(t, d.DuckOthers(context.Background(), 0.1, 0))

	require.NoError(t, d.UnduckOthers(context.Background(), 20*time.Millisecond))
	assert.Equal(t, "100%", p.sets["41"])
	_, touched := p.sets["42"]
	assert.False(t, touched)
}

func TestDuckReportsPactlFailure(t *testing.T) {
	d := NewDucker(nil, 0)
	d.pactl = (&fakePactl{fail: true}).run
	err := d.DuckOthers(context.Background(), 0.5, 0)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "pactl"))
}

func TestSilenceDetector(t *testing.T) {
	loud := []float32{0.5, -0.5, 0.5, -0.5}
	quiet := []float32{0, 0, 0, 0}
	d := NewSilenceDetector(0.015, 60*time.Millisecond, 20*time.Millisecond)

	keep, stop := d.Feed(quiet)
	assert.False(t, keep)
	assert.False(t, stop)

	keep, stop = d.Feed(loud)
	assert.True(t, keep)
	assert.False(t, stop)

	for range 2 {
		keep, stop = d.Feed(quiet)
		assert.True(t, keep)
		assert.False(t, stop)
	}
	_, stop = d.Feed(quiet)
	assert.True(t, stop)
}

func TestFrameRMS(t *testing.T) {
	assert.InDelta(t, 0.5, FrameRMS([]float32{0.5, -0.5}), 1e-9)
	assert.Zero(t, FrameRMS(nil))
}
