package chat

import (
	"fmt"
	"regexp"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

type TokenCounter interface {
	Count(text string) int
}

// Tiktoken counts with the cl100k_base encoding. The encoding is loaded on
// first use; if that fails the counter degrades to Estimate.
type Tiktoken struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func NewTiktoken() *Tiktoken { return &Tiktoken{} }

func (t *Tiktoken) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			t.err = fmt.Errorf("load cl100k_base: %w", err)
			return
		}
		t.enc = enc
	})
}

func (t *Tiktoken) Err() error {
	t.init()
	return t.err
}

func (t *Tiktoken) Count(text string) int {
	t.init()
	if t.enc == nil {
		return Estimate{}.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

var wordSplitRe = regexp.MustCompile(`[ ,.?!';:()\[\]{}\t\n]+`)

// Estimate approximates token usage without a vocabulary: 1.2 tokens per
// ASCII word and 1.33 per CJK character.
type Estimate struct{}

func (Estimate) Count(text string) int {
	const (
		perWord = 1.2
		perHan  = 1.33
	)

	var n float64
	for _, w := range wordSplitRe.Split(text, -1) {
		if w == "" {
			continue
		}
		han, rest := 0, false
		for _, r := range w {
			if unicode.Is(unicode.Han, r) {
				han++
			} else {
				rest = true
			}
		}
		n += float64(han) * perHan
		if rest {
			n += perWord
		}
	}

	return int(n)
}

// CountMessages sums content tokens of msgs.
func CountMessages(msgs []Message, counter TokenCounter) int {
	total := 0
	for _, m := range msgs {
		total += counter.Count(m.Content)
	}
	return total
}

// TrimToBudget drops the oldest non-system messages until msgs fit budget.
// The system prompt and the last message always survive, even over budget.
func TrimToBudget(msgs []Message, budget int, counter TokenCounter) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)

	for CountMessages(out, counter) > budget {
		drop := -1
		for i := 0; i < len(out)-1; i++ {
			if out[i].Role != RoleSystem {
				drop = i
				break
			}
		}
		if drop < 0 {
			break
		}
		out = append(out[:drop], out[drop+1:]...)
	}

	return out
}
