// Package bargein decides what to do with speech that arrives while the
// assistant is still talking.
//
// When the segmenter emits an utterance during active playback, a short STT
// pass produces a transcript and the classifier checks it against a small
// stop-keyword set. A match interrupts the current round; anything else is a
// new question and goes into a bounded FIFO buffer, replayed through the
// pipeline once the round finishes.
//
// Matching is fuzzy: speech over playback is transcribed against the
// assistant's own audio bleeding into the microphone, so "stop" often comes
// back as "stopp" or "stob". Jaro-Winkler similarity against each keyword
// absorbs that noise.
package bargein

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// Action is the classifier's verdict for an utterance spoken over playback.
type Action int

const (
	// ActionBuffer queues the utterance as a new question for after the
	// current round.
	ActionBuffer Action = iota

	// ActionInterrupt cuts the current round off immediately.
	ActionInterrupt
)

func (a Action) String() string {
	if a == ActionInterrupt {
		return "interrupt"
	}
	return "buffer"
}

const (
	defaultMinSimilarity = 0.85
	defaultBufferSize    = 4

	// Jaro-Winkler inflates scores on short strings; at 0.85 the keyword
	// "wait" would match "what". Keywords of up to four characters use this
	// stricter floor instead.
	shortPhraseFloor = 0.90
	shortPhraseLen   = 4
)

// DefaultKeywords returns the built-in stop-keyword set.
func DefaultKeywords() []string {
	return []string{"stop", "pause", "shut up", "cancel", "quiet", "enough", "wait"}
}

// Classifier matches transcripts against a stop-keyword set. Safe for
// concurrent use; read-only after construction.
type Classifier struct {
	keywords      [][]string
	minSimilarity float64
}

// NewClassifier builds a Classifier from the given keywords. Empty keywords
// fall back to DefaultKeywords, a non-positive minSimilarity to 0.85.
// Multi-word keywords ("shut up") match as a token sequence.
func NewClassifier(keywords []string, minSimilarity float64) *Classifier {
	if len(keywords) == 0 {
		keywords = DefaultKeywords()
	}
	if minSimilarity <= 0 {
		minSimilarity = defaultMinSimilarity
	}
	c := &Classifier{minSimilarity: minSimilarity}
	for _, kw := range keywords {
		tokens := strings.Fields(strings.ToLower(strings.TrimSpace(kw)))
		if len(tokens) > 0 {
			c.keywords = append(c.keywords, tokens)
		}
	}
	return c
}

// Classify returns ActionInterrupt when the transcript contains a stop
// keyword, exactly or within the similarity threshold, anywhere in the
// utterance. Everything else, including an empty transcript, is buffered.
func (c *Classifier) Classify(transcript string) Action {
	tokens := normalize(transcript)
	if len(tokens) == 0 {
		return ActionBuffer
	}
	for _, kw := range c.keywords {
		if c.containsKeyword(tokens, kw) {
			return ActionInterrupt
		}
	}
	return ActionBuffer
}

// containsKeyword slides a window the width of the keyword over the
// transcript tokens and scores each window against the keyword phrase.
func (c *Classifier) containsKeyword(tokens, keyword []string) bool {
	width := len(keyword)
	if width > len(tokens) {
		return false
	}
	phrase := strings.Join(keyword, " ")
	threshold := c.minSimilarity
	if len(phrase) <= shortPhraseLen && threshold < shortPhraseFloor {
		threshold = shortPhraseFloor
	}
	for i := 0; i+width <= len(tokens); i++ {
		window := strings.Join(tokens[i:i+width], " ")
		if window == phrase {
			return true
		}
		if matchr.JaroWinkler(window, phrase, false) >= threshold {
			return true
		}
	}
	return false
}

// normalize lowercases the transcript and strips the punctuation STT engines
// like to attach to short commands.
func normalize(transcript string) []string {
	fields := strings.Fields(strings.ToLower(transcript))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Buffer is a bounded FIFO of utterances spoken over playback, waiting for
// the current round to finish. When full, new utterances are dropped; the
// user's earlier questions keep their place in line.
//
// The buffer takes ownership of pushed sample slices.
type Buffer struct {
	mu    sync.Mutex
	max   int
	items [][]float32
}

// NewBuffer creates a Buffer holding at most capacity utterances.
// Non-positive capacity falls back to 4.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultBufferSize
	}
	return &Buffer{max: capacity}
}

// Push appends an utterance. Returns false when the buffer is full and the
// utterance was dropped.
func (b *Buffer) Push(samples []float32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.max {
		return false
	}
	b.items = append(b.items, samples)
	return true
}

// Pop removes and returns the oldest utterance. ok is false when empty.
func (b *Buffer) Pop() (samples []float32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil, false
	}
	samples = b.items[0]
	b.items = b.items[1:]
	return samples, true
}

// Len reports how many utterances are waiting.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
