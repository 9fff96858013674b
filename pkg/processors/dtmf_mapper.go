package processors

import (
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voiceprint/pkg/frames"
	"github.com/harunnryd/voiceprint/pkg/pipeline"
)

type DTMFMapperConfig struct {
	// Digits maps a keypad digit to the utterance it stands for.
	Digits map[string]string
	// Window suppresses a spoken answer that repeats a keypad answer
	// received this recently on the same conversation.
	Window time.Duration
}

// DefaultDTMFDigits lets callers answer yes/no prompts on the keypad.
func DefaultDTMFDigits() map[string]string {
	return map[string]string{"1": "Yes.", "2": "No.", "9": "delete"}
}

// DTMFMapper turns keypad presses into caller text.
type DTMFMapper struct {
	cfg  DTMFMapperConfig
	mu   sync.Mutex
	last map[string]dtmfAnswer
	now  func() time.Time
}

type dtmfAnswer struct {
	text string
	at   time.Time
}

func NewDTMFMapper(cfg DTMFMapperConfig) *DTMFMapper {
	if len(cfg.Digits) == 0 {
		cfg.Digits = DefaultDTMFDigits()
	}
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	return &DTMFMapper{
		cfg:  cfg,
		last: make(map[string]dtmfAnswer),
		now:  time.Now,
	}
}

func (d *DTMFMapper) Name() string { return "dtmf_mapper" }

func (d *DTMFMapper) Process(f frames.Frame) ([]frames.Frame, error) {
	id := frames.ConversationID(f)
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == frames.SystemCallEnd && id != "" {
			d.mu.Lock()
			delete(d.last, id)
			d.mu.Unlock()
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() != frames.ControlDTMF {
			return []frames.Frame{f}, nil
		}
		meta := cf.Meta()
		digit := strings.TrimSpace(meta[frames.MetaDTMFDigit])
		text, ok := d.cfg.Digits[digit]
		if !ok {
			// Unmapped keys carry no meaning for the dialogue.
			return nil, nil
		}
		d.mu.Lock()
		d.last[id] = dtmfAnswer{text: text, at: d.now()}
		d.mu.Unlock()
		meta[frames.MetaSource] = frames.SourceDTMF
		meta[frames.MetaDTMFMapped] = "true"
		return []frames.Frame{frames.NewTextFrame(id, cf.PTS(), text, meta)}, nil
	case frames.KindText:
		tf := f.(frames.TextFrame)
		if tf.Meta()[frames.MetaSource] != frames.SourceCaller || id == "" {
			return []frames.Frame{f}, nil
		}
		d.mu.Lock()
		prev, ok := d.last[id]
		d.mu.Unlock()
		if ok && d.now().Sub(prev.at) <= d.cfg.Window && normalizeUtterance(prev.text) == normalizeUtterance(tf.Text()) {
			return nil, nil
		}
	}
	return []frames.Frame{f}, nil
}

var _ pipeline.FrameProcessor = (*DTMFMapper)(nil)
