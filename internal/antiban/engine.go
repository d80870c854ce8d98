// Package antiban holds the pacing and message-variation helpers that keep
// outbound traffic from looking like a burst.
package antiban

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ============================================
// TIMING
// ============================================

// Timing is the pause applied after each send attempt.
type Timing struct {
	Base   time.Duration // minimum gap between two sends
	Jitter time.Duration // extra random delay in [0, Jitter)
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func intn(n int) int {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Intn(n)
}

func int63n(n int64) int64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Int63n(n)
}

// Delay returns the next pause. Jitter only ever adds to Base, so the gap
// never drops below the configured minimum.
func (t Timing) Delay() time.Duration {
	d := t.Base
	if d < 0 {
		d = 0
	}
	if t.Jitter > 0 {
		d += time.Duration(int63n(int64(t.Jitter)))
	}
	return d
}

// ============================================
// MESSAGE VARIATION (SPIN TAGS)
// ============================================

// SpinTags replaces {option1|option2|option3} with a random choice.
// Braces without a pipe are left alone.
func SpinTags(message string) string {
	var b strings.Builder
	rest := message
	for {
		start := strings.Index(rest, "{")
		if start == -1 {
			break
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			break
		}
		end += start

		body := rest[start+1 : end]
		if !strings.Contains(body, "|") {
			b.WriteString(rest[:end+1])
			rest = rest[end+1:]
			continue
		}
		options := strings.Split(body, "|")
		b.WriteString(rest[:start])
		b.WriteString(options[intn(len(options))])
		rest = rest[end+1:]
	}
	b.WriteString(rest)
	return b.String()
}

var zeroWidth = []string{
	"\u200B", // zero-width space
	"\u200C", // zero-width non-joiner
	"\u200D", // zero-width joiner
}

// AddInvisibleVariation inserts 1-3 zero-width characters at word
// boundaries so consecutive copies of a message are not byte-identical.
func AddInvisibleVariation(message string) string {
	if message == "" {
		return message
	}
	words := strings.Split(message, " ")
	n := 1 + intn(3)
	for i := 0; i < n; i++ {
		w := intn(len(words))
		words[w] += zeroWidth[intn(len(zeroWidth))]
	}
	return strings.Join(words, " ")
}

// Vary applies spin tags and invisible variation.
func Vary(message string) string {
	return AddInvisibleVariation(SpinTags(message))
}

// StripInvisible removes the characters AddInvisibleVariation inserts.
func StripInvisible(message string) string {
	for _, z := range zeroWidth {
		message = strings.ReplaceAll(message, z, "")
	}
	return message
}
