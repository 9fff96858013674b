package processors

import (
	"strings"

	"github.com/harunnryd/voiceprint/pkg/frames"
	"github.com/harunnryd/voiceprint/pkg/pipeline"
)

type TextNormalizerConfig struct {
	// Replacements maps a whole caller utterance to the text the dialogue
	// expects, e.g. "yeah" -> "Yes.". Keys match case-insensitively and
	// ignore trailing punctuation.
	Replacements map[string]string
	Source       string
}

// TextNormalizer rewrites recognised caller utterances before they reach the
// phase machine, which matches its consent tokens exactly.
type TextNormalizer struct {
	replacements map[string]string
	source       string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	if cfg.Source == "" {
		cfg.Source = frames.SourceCaller
	}
	replacements := make(map[string]string, len(cfg.Replacements))
	for from, to := range cfg.Replacements {
		key := normalizeUtterance(from)
		if key == "" {
			continue
		}
		replacements[key] = to
	}
	return &TextNormalizer{
		replacements: replacements,
		source:       cfg.Source,
	}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

func (t *TextNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if t.source != "" && meta[frames.MetaSource] != t.source {
		return []frames.Frame{f}, nil
	}
	// Unmatched text passes through untouched, whitespace included.
	text, ok := t.replacements[normalizeUtterance(tf.Text())]
	if !ok || text == tf.Text() {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaNormalized] = "true"
	return []frames.Frame{frames.NewTextFrame(frames.ConversationID(f), tf.PTS(), text, meta)}, nil
}

func normalizeUtterance(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.TrimRight(v, ".!?, ")
}

var _ pipeline.FrameProcessor = (*TextNormalizer)(nil)
