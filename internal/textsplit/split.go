// Package textsplit segments input text into phrase-sized chunks, each of
// which becomes one synthesis call on a streamed request.
package textsplit

import (
	"regexp"
	"strings"
)

const (
	// commaMinWords is the running word count at which a trailing comma
	// ends a chunk during the primary split.
	commaMinWords = 10
	// rebalanceMinWords is the size at which a chunk is split further.
	rebalanceMinWords = 12
	maxDepth          = 3
	// minSplitIndex keeps split points away from the start of a chunk.
	minSplitIndex = 3
	// commaPreferredChunks is how many leading top-level chunks prefer a
	// comma over a break word when rebalanced.
	commaPreferredChunks = 2
)

var listItem = regexp.MustCompile(`^\(?\d+[.):],?$`)

var breakWords = map[string]struct{}{
	"and":      {},
	"or":       {},
	"but":      {},
	"&":        {},
	"because":  {},
	"if":       {},
	"since":    {},
	"though":   {},
	"although": {},
	"however":  {},
	"which":    {},
}

// Split returns the chunks of text in order. Joined with single spaces they
// reproduce the whitespace-normalized input. Blank input yields no chunks.
func Split(text string) []string {
	var chunks []string
	for i, words := range primarySplit(text) {
		chunks = append(chunks, rebalance(words, i, 0)...)
	}
	return carryBreakWords(chunks)
}

// IsBreakWord reports whether word is one of the conjunctions used as a
// fallback split point.
func IsBreakWord(word string) bool {
	_, ok := breakWords[strings.ToLower(word)]
	return ok
}

// primarySplit cuts at sentence punctuation, before numbered list items and
// at commas once a chunk has grown long enough.
func primarySplit(text string) [][]string {
	var (
		out [][]string
		buf []string
	)
	flush := func() {
		if len(buf) > 0 {
			out = append(out, buf)
			buf = nil
		}
	}
	for _, word := range strings.Fields(text) {
		if listItem.MatchString(word) {
			// A list marker opens a chunk and stays attached to its item.
			flush()
			buf = append(buf, word)
			continue
		}
		buf = append(buf, word)
		switch {
		case endsWithAny(word, ".!?:;"):
			flush()
		case strings.HasSuffix(word, ",") && len(buf) >= commaMinWords:
			flush()
		}
	}
	flush()
	return out
}

// rebalance splits long chunks near their middle. index is the position of
// the top-level chunk and is passed through unchanged, so the comma
// preference only ever applies inside the first two top-level chunks.
func rebalance(words []string, index, depth int) []string {
	if len(words) == 0 {
		return nil
	}
	if len(words) < rebalanceMinWords || depth >= maxDepth {
		return []string{strings.Join(words, " ")}
	}
	mid := len(words) / 2

	if index < commaPreferredChunks {
		if at := nearest(words, mid, func(w string) bool { return strings.HasSuffix(w, ",") }); at >= minSplitIndex {
			return splitAt(words, at+1, index, depth)
		}
	}
	if at := nearest(words, mid, IsBreakWord); at >= minSplitIndex {
		return splitAt(words, at, index, depth)
	}
	return []string{strings.Join(words, " ")}
}

func splitAt(words []string, at, index, depth int) []string {
	left := rebalance(words[:at], index, depth+1)
	return append(left, rebalance(words[at:], index, depth+1)...)
}

// nearest returns the index of the matching word closest to mid, preferring
// the leftmost on ties, or -1.
func nearest(words []string, mid int, match func(string) bool) int {
	best, bestDist := -1, len(words)+1
	for i, w := range words {
		if !match(w) {
			continue
		}
		d := i - mid
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// carryBreakWords moves a dangling trailing conjunction to the front of the
// following chunk and drops anything left empty.
func carryBreakWords(chunks []string) []string {
	for i := 0; i+1 < len(chunks); i++ {
		words := strings.Fields(chunks[i])
		if len(words) < 2 {
			continue
		}
		last := words[len(words)-1]
		if !IsBreakWord(last) {
			continue
		}
		chunks[i] = strings.Join(words[:len(words)-1], " ")
		chunks[i+1] = strings.TrimSpace(last + " " + chunks[i+1])
	}

	out := chunks[:0]
	for _, c := range chunks {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func endsWithAny(word, set string) bool {
	return word != "" && strings.ContainsRune(set, rune(word[len(word)-1]))
}
