package coalesce

import (
	"regexp"
	"strings"
)

// TokenCounter estimates a string's token count. The default
// LengthEstimator falls back to len/4; a real tokenizer can be substituted by
// implementing this interface.
type TokenCounter interface {
	Count(s string) int
}

// LengthEstimator is the len/4 fallback token counter used when no
// tokenizer is configured.
type LengthEstimator struct{}

func (LengthEstimator) Count(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

var (
	multiSpace     = regexp.MustCompile(`[ \t]+`)
	multiBlankLine = regexp.MustCompile(`\n{3,}`)
	repeatedPunct  = regexp.MustCompile(`[.!?,;:]{2,}`)
)

// redundantPhrases are dropped outright (case-insensitive, word-bounded).
var redundantPhrases = []string{
	"please note that",
	"it is important to note that",
	"as previously mentioned",
	"in order to",
	"just to clarify",
}

// instructionReplacements compress common verbose instruction phrasing
// into a shorter equivalent, applied after redundant-phrase removal.
var instructionReplacements = []struct {
	from, to string
}{
	{"could you please", "please"},
	{"i would like you to", "please"},
	{"can you please make sure to", "please"},
	{"take into consideration", "consider"},
	{"at this point in time", "now"},
	{"due to the fact that", "because"},
	{"in the event that", "if"},
}

var numberWords = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9", "ten": "10",
}

// Optimizer applies the prompt-compression pipeline: whitespace
// normalization, redundant phrase removal, instruction compression,
// punctuation collapse, number-word-to-digit, empty-line collapse, with
// a safety floor that aborts and returns the original prompt if the
// measured reduction exceeds maxCompression (the transformation would
// likely have changed the prompt's meaning, not just its size).
type Optimizer struct {
	counter        TokenCounter
	maxCompression float64 // fraction, e.g. 0.5 == never shrink by more than 50%
}

// NewOptimizer builds an Optimizer. maxCompression <= 0 defaults to 0.5.
func NewOptimizer(counter TokenCounter, maxCompression float64) *Optimizer {
	if counter == nil {
		counter = LengthEstimator{}
	}
	if maxCompression <= 0 {
		maxCompression = 0.5
	}
	return &Optimizer{counter: counter, maxCompression: maxCompression}
}

// Result reports what Optimize did, for logging/telemetry.
type Result struct {
	Prompt          string
	OriginalTokens  int
	OptimizedTokens int
	Aborted         bool // true if the pipeline's output was discarded for exceeding maxCompression
}

// Optimize runs the compression pipeline over prompt.
func (o *Optimizer) Optimize(prompt string) Result {
	originalTokens := o.counter.Count(prompt)
	if originalTokens == 0 {
		return Result{Prompt: prompt, OriginalTokens: 0, OptimizedTokens: 0}
	}

	out := prompt
	out = normalizeWhitespace(out)
	out = removeRedundantPhrases(out)
	out = compressInstructions(out)
	out = collapsePunctuation(out)
	out = numberWordsToDigits(out)
	out = collapseEmptyLines(out)
	out = strings.TrimSpace(out)

	optimizedTokens := o.counter.Count(out)

	reduction := 1 - float64(optimizedTokens)/float64(originalTokens)
	if reduction > o.maxCompression {
		return Result{Prompt: prompt, OriginalTokens: originalTokens, OptimizedTokens: originalTokens, Aborted: true}
	}

	return Result{Prompt: out, OriginalTokens: originalTokens, OptimizedTokens: optimizedTokens}
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(multiSpace.ReplaceAllString(strings.TrimLeft(l, " \t"), " "), " \t")
	}
	return strings.Join(lines, "\n")
}

func removeRedundantPhrases(s string) string {
	for _, phrase := range redundantPhrases {
		for {
			idx := strings.Index(strings.ToLower(s), phrase)
			if idx == -1 {
				break
			}
			s = s[:idx] + s[idx+len(phrase):]
		}
	}
	return s
}

func compressInstructions(s string) string {
	for _, r := range instructionReplacements {
		s = replaceCaseInsensitive(s, r.from, r.to)
	}
	return s
}

func replaceCaseInsensitive(s, from, to string) string {
	lower := strings.ToLower(s)
	fromLower := strings.ToLower(from)
	var b strings.Builder
	for {
		idx := strings.Index(lower, fromLower)
		if idx == -1 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:idx])
		b.WriteString(to)
		s = s[idx+len(from):]
		lower = lower[idx+len(from):]
	}
	return b.String()
}

func collapsePunctuation(s string) string {
	return repeatedPunct.ReplaceAllStringFunc(s, func(m string) string {
		for i := 1; i < len(m); i++ {
			if m[i] != m[0] {
				return m
			}
		}
		return m[:1]
	})
}

func numberWordsToDigits(s string) string {
	lines := strings.Split(s, "\n")
	for li, line := range lines {
		words := strings.Fields(line)
		for i, w := range words {
			trailing := ""
			core := w
			for len(core) > 0 {
				last := core[len(core)-1]
				if last == '.' || last == ',' || last == '!' || last == '?' {
					trailing = string(last) + trailing
					core = core[:len(core)-1]
					continue
				}
				break
			}
			if digit, ok := numberWords[strings.ToLower(core)]; ok {
				words[i] = digit + trailing
			}
		}
		lines[li] = strings.Join(words, " ")
	}
	return strings.Join(lines, "\n")
}

func collapseEmptyLines(s string) string {
	return multiBlankLine.ReplaceAllString(s, "\n\n")
}
