package banter

import (
	"strings"
	"unicode"
)

// Classification is the advisory per-message value label. The orchestrator
// still routes addressed messages through the reply path regardless of label.
type Classification struct {
	Label      ValueLabel
	Confidence float64
	Addressed  bool
}

// ClassifierConfig holds the addressing predicate inputs. The exact meaning
// of "addressed" is deployment-specific, so everything here is configuration.
type ClassifierConfig struct {
	// Handle is the agent's @-mention handle, without the leading "@".
	Handle string
	// Keywords are additional trigger words that count as addressing.
	Keywords []string
}

// Classifier assigns cheap rule-based value labels to messages.
type Classifier struct {
	handle   string
	keywords []string
}

// NewClassifier builds a Classifier from config.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	kw := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kw = append(kw, k)
		}
	}
	return &Classifier{handle: strings.ToLower(strings.TrimPrefix(cfg.Handle, "@")), keywords: kw}
}

// greetingLexicon marks pure greetings and acknowledgements as low value.
var greetingLexicon = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {}, "sup": {},
	"ok": {}, "okay": {}, "kk": {}, "thanks": {}, "thank you": {}, "thx": {}, "ty": {},
	"yes": {}, "no": {}, "yep": {}, "nope": {}, "yeah": {}, "nah": {},
	"nice": {}, "cool": {}, "good": {}, "great": {}, "lol": {}, "haha": {},
	"hmm": {}, "hm": {}, "oh": {}, "ah": {}, "wow": {},
	"привіт": {}, "привет": {}, "дякую": {}, "спасибо": {}, "ок": {}, "ага": {}, "так": {}, "ні": {},
}

// interrogativeWords catch questions that lack a question mark.
var interrogativeWords = map[string]struct{}{
	"what": {}, "why": {}, "how": {}, "when": {}, "where": {}, "who": {}, "which": {}, "whose": {},
	"що": {}, "чому": {}, "як": {}, "коли": {}, "де": {}, "хто": {}, "який": {},
	"что": {}, "почему": {}, "когда": {}, "кто": {},
}

// stopwords are excluded when counting content tokens.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "i": {}, "you": {}, "he": {}, "she": {}, "it": {}, "we": {},
	"they": {}, "to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {},
	"this": {}, "that": {}, "my": {}, "your": {}, "not": {}, "so": {}, "do": {}, "be": {},
	"і": {}, "та": {}, "в": {}, "на": {}, "з": {}, "не": {}, "я": {}, "ти": {}, "це": {},
	"и": {}, "с": {}, "по": {}, "же": {},
}

// Classify labels a message. replyToAgent tells the classifier the message
// is a direct reply to one of the agent's own messages; the orchestrator
// resolves that from the store.
func (c *Classifier) Classify(msg Message, replyToAgent bool) Classification {
	text := strings.TrimSpace(msg.Text)

	if isNoise(text, msg.Media) {
		return Classification{Label: LabelNoise, Confidence: 0.95}
	}

	addressed := c.Addressed(text, replyToAgent)
	words := strings.Fields(strings.ToLower(text))

	if addressed {
		return Classification{Label: LabelHigh, Confidence: 0.95, Addressed: true}
	}
	if isInterrogative(text, words) {
		return Classification{Label: LabelHigh, Confidence: 0.8}
	}
	if len(words) >= 10 && contentTokens(words) >= 3 {
		return Classification{Label: LabelHigh, Confidence: 0.7}
	}

	if len(words) <= 2 {
		return Classification{Label: LabelLow, Confidence: 0.9}
	}
	if _, ok := greetingLexicon[strings.ToLower(text)]; ok {
		return Classification{Label: LabelLow, Confidence: 0.9}
	}
	if repetitionRatio(words) > 0.6 {
		return Classification{Label: LabelLow, Confidence: 0.8}
	}

	return Classification{Label: LabelMedium, Confidence: 0.6}
}

// Addressed reports whether text directly targets the agent: an @-mention of
// the configured handle, a reply to an agent message, or a configured keyword.
func (c *Classifier) Addressed(text string, replyToAgent bool) bool {
	if replyToAgent {
		return true
	}
	lower := strings.ToLower(text)
	if c.handle != "" && strings.Contains(lower, "@"+c.handle) {
		return true
	}
	for _, kw := range c.keywords {
		if containsWord(lower, kw) {
			return true
		}
	}
	return false
}

// isNoise: no text, or text with no letters or digits (pure emoji,
// punctuation), and no user-authored media either way.
func isNoise(text string, media []string) bool {
	if text == "" {
		return len(media) == 0
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return len(media) == 0
}

func isInterrogative(text string, words []string) bool {
	if strings.Contains(text, "?") {
		return true
	}
	for _, w := range words {
		if _, ok := interrogativeWords[strings.Trim(w, ".,!?")]; ok {
			return true
		}
	}
	return false
}

// contentTokens counts unique non-stopword tokens of length >= 3.
func contentTokens(words []string) int {
	seen := map[string]struct{}{}
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		seen[w] = struct{}{}
	}
	return len(seen)
}

// repetitionRatio returns the share of tokens that repeat an earlier token.
func repetitionRatio(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	seen := map[string]struct{}{}
	for _, w := range words {
		seen[w] = struct{}{}
	}
	return 1 - float64(len(seen))/float64(len(words))
}

// containsWord reports whether s contains w as a whole word.
func containsWord(s, w string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], w)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordRune(rune(s[i-1]))
		after := i+len(w) >= len(s) || !isWordRune(rune(s[i+len(w)]))
		if before && after {
			return true
		}
		idx = i + len(w)
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
