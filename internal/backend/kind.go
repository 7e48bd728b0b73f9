package backend

import (
	"fmt"
	"strings"
)

// Kind is one of the three swappable capabilities.
type Kind int

const (
	KindASR Kind = iota
	KindNLG
	KindTTS
)

var Kinds = []Kind{KindASR, KindNLG, KindTTS}

func (k Kind) String() string {
	switch k {
	case KindASR:
		return "ASR"
	case KindNLG:
		return "NLG"
	case KindTTS:
		return "TTS"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ASR":
		return KindASR, nil
	case "NLG":
		return KindNLG, nil
	case "TTS":
		return KindTTS, nil
	}
	return 0, fmt.Errorf("%w: unknown capability kind %q", ErrInput, s)
}
