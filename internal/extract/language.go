package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
)

// minDetectRunes is the shortest text trigram detection is trusted on.
const minDetectRunes = 64

// LanguageDetector implements crawler.LanguageDetector with whatlanggo.
type LanguageDetector struct{}

// NewLanguageDetector returns a LanguageDetector.
func NewLanguageDetector() LanguageDetector {
	return LanguageDetector{}
}

// Detect returns an ISO 639-1 code (639-3 when no two-letter code exists).
// Short or ambiguous text falls back to the primary subtag of htmlLang.
func (LanguageDetector) Detect(text, htmlLang string) *string {
	if utf8.RuneCountInString(text) >= minDetectRunes {
		info := whatlanggo.Detect(text)
		if info.IsReliable() {
			code := info.Lang.Iso6391()
			if code == "" {
				code = info.Lang.Iso6393()
			}
			if code != "" {
				return &code
			}
		}
	}
	return primarySubtag(htmlLang)
}

func primarySubtag(tag string) *string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	tag = strings.ToLower(tag)
	if tag == "" {
		return nil
	}
	return &tag
}
