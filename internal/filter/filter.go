// Package filter is the response quality stage between AI generation and
// delivery. Apply is pure: it only rewrites content and lowers confidence.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/soyeahso/tutorchat/internal/domain"
)

// Filter reasons.
const (
	ReasonInappropriate = "inappropriate_content"
	ReasonLowConfidence = "low_confidence"
	ReasonLowQuality    = "low_quality_phrasing"
	ReasonRepetitive    = "repetitive_content"
	ReasonIncoherent    = "incoherent"
	ReasonTooShort      = "too_short"
	ReasonTruncated     = "truncated"
	ReasonPIIRedacted   = "pii_redacted"
	ReasonFilterError   = "filter_error"
)

// Tunables.
const (
	MinConfidence      = 0.3
	MaxLength          = 2000
	MinLength          = 10
	MinEducationalLen  = 50
	NonEducationalCap  = 0.5
	InappropriateFloor = 0.2
	FallbackConfidence = 0.2
	RedactionMarker    = "[REDACTED]"
	repetitionRatio    = 0.2
	truncateFloorRatio = 0.8
)

// FallbackContent is returned when the filter itself fails.
const FallbackContent = "I'm having trouble putting together a good answer right now. Could you ask your question again, maybe in a different way?"

// Context carries hints used when a stage writes replacement text.
type Context struct {
	Subject    string
	GradeLevel string
}

// ContextFromMetadata reads subject and grade level from message metadata.
func ContextFromMetadata(md map[string]string) Context {
	return Context{Subject: md["subject"], GradeLevel: md["gradeLevel"]}
}

func (c Context) topic() string {
	if c.Subject != "" {
		return c.Subject
	}
	return "your studies"
}

// state is the response as it moves through the stages.
type state struct {
	content     string
	confidence  float64
	filtered    bool
	reasons     []string
	replaced    bool
	educational bool
	fc          Context
}

func (s *state) flag(reason string) {
	s.filtered = true
	s.reasons = append(s.reasons, reason)
}

// lower reduces confidence to at most c.
func (s *state) lower(c float64) {
	s.confidence = min(s.confidence, c)
}

type stage func(*state)

// Filter runs a response through its ordered stages.
type Filter struct {
	stages []stage
}

// New returns a filter with the standard five stages: inappropriate
// content, quality, length, PII redaction and educational value.
func New() *Filter {
	return &Filter{stages: []stage{
		checkInappropriate,
		checkQuality,
		normalizeLength,
		redactPII,
		scoreEducational,
	}}
}

// Apply filters a processed message. It never panics; an internal failure
// yields a fixed safe fallback.
func (f *Filter) Apply(p domain.ProcessedMessage, fc Context) (out domain.FilteredResponse) {
	defer func() {
		if r := recover(); r != nil {
			out = domain.FilteredResponse{
				Content:       FallbackContent,
				Confidence:    FallbackConfidence,
				WasFiltered:   true,
				FilterReasons: []string{ReasonFilterError},
			}
		}
	}()

	s := &state{
		content:    p.GeneratedContent,
		confidence: clamp01(p.Confidence),
		fc:         fc,
	}
	for _, st := range f.stages {
		st(s)
	}
	return domain.FilteredResponse{
		Content:       s.content,
		Confidence:    s.confidence,
		WasFiltered:   s.filtered,
		FilterReasons: s.reasons,
		IsEducational: s.educational,
	}
}

var inappropriatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(kill|hurt|harm)\s+(yourself|myself|themselves)\b`),
	regexp.MustCompile(`(?i)\b(suicide|self[- ]harm)\s+(method|instructions|guide)s?\b`),
	regexp.MustCompile(`(?i)\b(fuck\w*|shit\w*|bitch\w*|bastard|asshole)\b`),
	regexp.MustCompile(`(?i)\b(porn\w*|nude\w*|sexual(ly)? explicit)\b`),
	regexp.MustCompile(`(?i)\b(make|build)\s+(a\s+)?(bomb|explosive|weapon)s?\b`),
	regexp.MustCompile(`(?i)\byou(?:'re| are)\s+(stupid|dumb|an idiot|worthless)\b`),
}

func checkInappropriate(s *state) {
	for _, re := range inappropriatePatterns {
		if re.MatchString(s.content) {
			s.content = fmt.Sprintf("Let's keep our conversation focused on learning. I'm happy to keep working on %s with you. What would you like to explore next?", s.fc.topic())
			s.replaced = true
			s.lower(InappropriateFloor)
			s.flag(ReasonInappropriate)
			return
		}
	}
}

var lowQualityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI(?:'m| am) not sure\b`),
	regexp.MustCompile(`(?i)\bI do(?:n'?t| not) know\b`),
	regexp.MustCompile(`(?i)\bas an AI( language model)?\b`),
	regexp.MustCompile(`(?i)\bI can(?:not|'t) (answer|help with) (that|this)\b`),
	regexp.MustCompile(`(?i)\b(um+|uh+|hmm+)\b`),
	regexp.MustCompile(`(?i)\b(whatever|idk|dunno)\b`),
}

var flowMarkers = []string{
	"because", "therefore", "so ", "first", "second", "then", "next", "finally",
	"for example", "for instance", "this means", "however", "also", "in other words",
	"as a result", "which", "that means",
}

func checkQuality(s *state) {
	issue := false

	if s.confidence < MinConfidence {
		s.confidence *= 0.8
		s.flag(ReasonLowConfidence)
		issue = true
	}
	for _, re := range lowQualityPatterns {
		if re.MatchString(s.content) {
			s.confidence *= 0.8
			s.flag(ReasonLowQuality)
			issue = true
			break
		}
	}
	sentences := splitSentences(s.content)
	if isRepetitive(sentences) {
		s.confidence *= 0.6
		s.flag(ReasonRepetitive)
		issue = true
	}
	if !isCoherent(s.content, sentences) {
		s.confidence *= 0.7
		s.flag(ReasonIncoherent)
		issue = true
	}

	if issue && !s.replaced {
		body := strings.Join(uniqueSentences(sentences), " ")
		if body == "" {
			body = strings.TrimSpace(s.content)
		}
		s.content = fmt.Sprintf("Here's what I can tell you about %s:\n\n%s\n\nDoes that help? Tell me which part you'd like me to explain in more detail.", s.fc.topic(), body)
	}
}

var sentenceSplit = regexp.MustCompile(`[^.!?]+[.!?]*`)

func splitSentences(text string) []string {
	var out []string
	for _, m := range sentenceSplit.FindAllString(text, -1) {
		if t := strings.TrimSpace(m); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeSentence(s string) string {
	return strings.Trim(strings.ToLower(strings.Join(strings.Fields(s), " ")), ".!? ")
}

// isRepetitive reports whether at least 20% of sentences duplicate an
// earlier one.
func isRepetitive(sentences []string) bool {
	if len(sentences) < 2 {
		return false
	}
	seen := make(map[string]bool, len(sentences))
	dups := 0
	for _, s := range sentences {
		n := normalizeSentence(s)
		if seen[n] {
			dups++
		}
		seen[n] = true
	}
	return float64(dups)/float64(len(sentences)) >= repetitionRatio
}

func uniqueSentences(sentences []string) []string {
	seen := make(map[string]bool, len(sentences))
	var out []string
	for _, s := range sentences {
		n := normalizeSentence(s)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, s)
	}
	return out
}

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"your": true, "about": true, "there": true, "their": true, "what": true,
	"when": true, "will": true, "would": true, "could": true, "they": true,
	"them": true, "then": true, "were": true, "been": true, "into": true,
	"just": true, "like": true, "some": true, "very": true, "more": true,
}

var wordPattern = regexp.MustCompile(`[a-zA-Z]{4,}`)

// isCoherent treats multi-sentence text as coherent when it uses a flow
// marker or carries a topic word across sentences.
func isCoherent(text string, sentences []string) bool {
	if len(sentences) < 2 {
		return true
	}
	lower := strings.ToLower(text)
	for _, m := range flowMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	counts := make(map[string]int)
	for _, s := range sentences {
		words := make(map[string]bool)
		for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
			if !stopwords[w] {
				words[w] = true
			}
		}
		for w := range words {
			counts[w]++
			if counts[w] >= 2 {
				return true
			}
		}
	}
	return false
}

const (
	clarifyPrompt      = " Could you tell me a bit more about what you'd like to know?"
	continuationNotice = "\n\n[Response shortened. Ask me to continue for the rest.]"
)

func normalizeLength(s *state) {
	n := utf8.RuneCountInString(s.content)
	switch {
	case n < MinLength:
		s.content = strings.TrimSpace(s.content) + clarifyPrompt
		s.flag(ReasonTooShort)
	case n > MaxLength:
		s.content = truncateAtSentence(s.content, MaxLength) + continuationNotice
		s.flag(ReasonTruncated)
	}
}

// truncateAtSentence cuts text to at most limit runes, ending at the last
// sentence boundary that falls at or after 80% of the limit. Without one
// it hard-cuts at the limit.
func truncateAtSentence(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	floor := int(float64(limit) * truncateFloorRatio)
	for i := limit - 1; i >= floor; i-- {
		switch runes[i] {
		case '.', '!', '?':
			return string(runes[:i+1])
		}
	}
	return string(runes[:limit])
}

var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	// Phone numbers need a parenthesized area code or - / . separators, so
	// bare digit runs in math answers survive.
	regexp.MustCompile(`(?:\+?1[-.\s])?(?:\(\d{3}\)\s?|\b\d{3}[-.])\d{3}[-.]\d{4}\b`),
}

func redactPII(s *state) {
	redacted := false
	for _, re := range piiPatterns {
		if re.MatchString(s.content) {
			s.content = re.ReplaceAllString(s.content, RedactionMarker)
			redacted = true
		}
	}
	if redacted {
		s.flag(ReasonPIIRedacted)
	}
}

var educationalIndicators = regexp.MustCompile(`(?i)\b(learn\w*|understand\w*|example\w*|explain\w*|because|step\w*|practice|concept\w*|means|definition|defined|solve\w*|remember|formula\w*|equation\w*|process|reason\w*|think|try|notice|compare|why|how)\b`)

func scoreEducational(s *state) {
	s.educational = educationalIndicators.MatchString(s.content) &&
		utf8.RuneCountInString(s.content) >= MinEducationalLen
	if !s.educational {
		s.lower(NonEducationalCap)
	}
}

func clamp01(c float64) float64 {
	return max(0, min(1, c))
}
