package pipeline

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

// Segment is an alias kept local to the pipeline package for readability;
// it is identical in shape to core.TextSegment.
type Segment = core.TextSegment

// Default thresholds from the algorithm description. MinChunkLength is
// raised at construction time for alphabetic-script callers per the
// resolved open question (see DESIGN.md).
const (
	DefaultMinChunkLength      = 3
	AlphabeticMinChunkLength   = 8
	DefaultMaxChunkLength      = 150
	DefaultCommaSoftThreshold  = 40
)

var defaultAbbreviations = map[string]string{
	"AI":    "artificial intelligence",
	"TTS":   "text to speech",
	"API":   "A P I",
	"WiFi":  "Wi-Fi",
	"JSON":  "J S O N",
	"URL":   "U R L",
	"LLM":   "large language model",
	"NLP":   "natural language processing",
	"GPT":   "G P T",
	"ML":    "machine learning",
	"CPU":   "C P U",
	"GPU":   "G P U",
	"RAM":   "random access memory",
}

var defaultURLHostSuffixes = []string{".com", ".org", ".net", ".io", ".gov", ".edu"}

var (
	reFencedCode   = regexp.MustCompile("```[\\s\\S]*?```")
	reInlineCode   = regexp.MustCompile("`([^`]+)`")
	reMdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reHeading      = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reListMark     = regexp.MustCompile(`(?m)^\s*[-*+•]\s+`)
	reOrderedList  = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	reBold1        = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	reBold2        = regexp.MustCompile(`__([^_]+)__`)
	reItalic1      = regexp.MustCompile(`\*([^*]+)\*`)
	reItalic2      = regexp.MustCompile(`_([^_]+)_`)
	reWhitespace   = regexp.MustCompile(`\s+`)
	reURL          = regexp.MustCompile(`(?i)https?://\S+|\b[a-z0-9-]+\.(?:com|org|net|io|gov|edu)\b\S*`)
)

// sentinel matches END_CONVERSATION in any of its documented spellings,
// with or without underscores/spaces and optional surrounding parens.
var sentinelPattern = regexp.MustCompile(`(?i)\(?\s*END[_ ]?CONVERSATION\s*\)?`)

var sentenceEndClass = "。！？；.!?;"
var commaClass = "，,"

// Splitter converts a stream of text fragments into TextSegments. It is
// owned by the caller that also owns the turn it is splitting for; it is
// never shared across turns and never fails.
type Splitter struct {
	MinChunkLength     int
	MaxChunkLength     int
	CommaSoftThreshold int
	Abbreviations      map[string]string
	URLHostSuffixes    []string

	buffer       strings.Builder
	nextSeq      int
	shouldEnd    bool
	abbrPatterns []abbrPattern
	urlPattern   *regexp.Regexp
}

type abbrPattern struct {
	re   *regexp.Regexp
	full string
}

// NewSplitter returns a splitter with standard defaults. alphabeticScript
// raises MinChunkLength to the alphabetic-script floor; pass false for
// predominantly CJK content.
func NewSplitter(alphabeticScript bool) *Splitter {
	min := DefaultMinChunkLength
	if alphabeticScript {
		min = AlphabeticMinChunkLength
	}
	s := &Splitter{
		MinChunkLength:     min,
		MaxChunkLength:      DefaultMaxChunkLength,
		CommaSoftThreshold:  DefaultCommaSoftThreshold,
		Abbreviations:       defaultAbbreviations,
		URLHostSuffixes:     defaultURLHostSuffixes,
	}
	for abbr, full := range s.Abbreviations {
		pat := regexp.MustCompile(`(?i)(?:\b)` + regexp.QuoteMeta(abbr) + `(?:\b)`)
		s.abbrPatterns = append(s.abbrPatterns, abbrPattern{re: pat, full: full})
	}
	s.urlPattern = reURL
	return s
}

// ShouldEnd reports whether a control sentinel has been seen since the
// last Reset. The reasoning loop reads this after a turn completes.
func (s *Splitter) ShouldEnd() bool { return s.shouldEnd }

// Reset clears internal state for a fresh turn, also used on barge-in to
// clear the splitter's pending buffer.
func (s *Splitter) Reset() {
	s.buffer.Reset()
	s.nextSeq = 0
	s.shouldEnd = false
}

// Ingest appends fragment to the internal buffer, cleans it, and emits
// zero or more TextSegments whose sequence numbers are dense from 0.
func (s *Splitter) Ingest(fragment string, isFinalOfTurn bool) []Segment {
	s.buffer.WriteString(fragment)
	cleaned, endSentinel := s.clean(s.buffer.String())
	if endSentinel {
		s.shouldEnd = true
	}
	s.buffer.Reset()
	s.buffer.WriteString(cleaned)

	var out []Segment
	for {
		seg, ok := s.nextBoundary()
		if !ok {
			break
		}
		out = append(out, seg)
	}

	if isFinalOfTurn {
		rest := strings.TrimSpace(s.buffer.String())
		s.buffer.Reset()
		if rest != "" {
			out = append(out, s.emit(rest, true))
		} else if len(out) > 0 {
			out[len(out)-1].IsFinal = true
		}
	} else if utf8.RuneCountInString(s.buffer.String()) >= s.MaxChunkLength {
		// Hard cap: force emission at the last word boundary.
		buf := s.buffer.String()
		cut := lastWordBoundary(buf, s.MaxChunkLength)
		seg := s.emit(strings.TrimSpace(buf[:cut]), false)
		s.buffer.Reset()
		s.buffer.WriteString(buf[cut:])
		out = append(out, seg)
	}

	return out
}

// nextBoundary scans the buffer for the highest-priority boundary and, if
// found and the resulting segment meets MinChunkLength, pops it off the
// buffer and returns it.
func (s *Splitter) nextBoundary() (Segment, bool) {
	buf := s.buffer.String()
	if buf == "" {
		return Segment{}, false
	}

	if idx := lastIndexOfAny(buf, sentenceEndClass); idx >= 0 {
		end := idx + 1
		candidate := strings.TrimSpace(buf[:end])
		if utf8.RuneCountInString(candidate) >= s.MinChunkLength || !hasMoreAfter(buf, end) {
			if utf8.RuneCountInString(candidate) >= s.MinChunkLength {
				s.buffer.Reset()
				s.buffer.WriteString(buf[end:])
				return s.emit(candidate, false), true
			}
		}
	}

	if utf8.RuneCountInString(strings.TrimSpace(buf)) > s.CommaSoftThreshold {
		if idx := lastIndexOfAny(buf, commaClass); idx >= 0 {
			end := idx + 1
			candidate := strings.TrimSpace(buf[:end])
			if utf8.RuneCountInString(candidate) >= s.MinChunkLength {
				s.buffer.Reset()
				s.buffer.WriteString(buf[end:])
				return s.emit(candidate, false), true
			}
		}
	}

	return Segment{}, false
}

func hasMoreAfter(buf string, end int) bool { return len(buf) > end }

func lastIndexOfAny(s, chars string) int {
	best := -1
	for _, r := range chars {
		if i := strings.LastIndexByte(s, byte(r)); i > best {
			best = i
		}
		if i := strings.LastIndex(s, string(r)); i > best {
			best = i
		}
	}
	return best
}

// lastWordBoundary finds the byte offset to cut s at, given a limit
// expressed in runes (not bytes), so multi-byte scripts hit the same
// character cap as single-byte ones. It prefers the last space at or
// before the limit; failing that, it cuts at the limit itself, always on
// a rune boundary.
func lastWordBoundary(s string, limitRunes int) int {
	runeCount := 0
	lastSpaceAfter := -1
	cutAt := len(s)
	found := false
	for i, r := range s {
		if runeCount == limitRunes {
			cutAt = i
			found = true
			break
		}
		if r == ' ' {
			lastSpaceAfter = i + utf8.RuneLen(r)
		}
		runeCount++
	}
	if !found {
		cutAt = len(s)
	}
	if lastSpaceAfter >= 0 && lastSpaceAfter <= cutAt {
		return lastSpaceAfter
	}
	return cutAt
}

func (s *Splitter) emit(text string, isFinal bool) Segment {
	seg := Segment{Sequence: s.nextSeq, Text: text, IsFinal: isFinal}
	s.nextSeq++
	return seg
}

// clean applies markdown stripping, control sentinel detection and
// removal, URL-sentence removal, and abbreviation expansion, in that
// order. Returns the cleaned text and whether a control sentinel was found in it.
func (s *Splitter) clean(text string) (string, bool) {
	if text == "" {
		return "", false
	}

	text = reFencedCode.ReplaceAllString(text, "")
	text = reInlineCode.ReplaceAllString(text, "$1")
	text = reMdLink.ReplaceAllString(text, "$1")
	text = reHeading.ReplaceAllString(text, "")
	text = reListMark.ReplaceAllString(text, "")
	text = reOrderedList.ReplaceAllString(text, "")
	text = reBold1.ReplaceAllString(text, "$1")
	text = reBold2.ReplaceAllString(text, "$1")
	text = reItalic1.ReplaceAllString(text, "$1")
	text = reItalic2.ReplaceAllString(text, "$1")

	foundSentinel := sentinelPattern.MatchString(text)
	text = sentinelPattern.ReplaceAllString(text, "")

	text = dropURLSentences(text, s.urlPattern)

	for _, p := range s.abbrPatterns {
		text = p.re.ReplaceAllString(text, p.full)
	}

	text = reWhitespace.ReplaceAllString(text, " ")
	return text, foundSentinel
}

// dropURLSentences removes any sentence (delimited by sentence-ending
// punctuation) that contains a URL or bare hostname, keeping the rest.
func dropURLSentences(text string, urlPattern *regexp.Regexp) string {
	if !urlPattern.MatchString(text) {
		return text
	}
	sentences := splitKeepDelim(text, sentenceEndClass)
	var kept []string
	for _, sent := range sentences {
		if urlPattern.MatchString(sent) {
			continue
		}
		kept = append(kept, sent)
	}
	return strings.Join(kept, "")
}

func splitKeepDelim(text string, delimClass string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if strings.ContainsRune(delimClass, r) {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// IsAlphabeticScript is a cheap heuristic: true if the sample contains no
// Han, Hiragana, Katakana or Hangul runes. The pipeline does not call it;
// the MinChunkLength floor comes from NewSplitter's argument and Config.
func IsAlphabeticScript(sample string) bool {
	for _, r := range sample {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return false
		}
	}
	return true
}
