package firehose

import (
	"strings"

	lingua "github.com/pemistahl/lingua-go"
	"github.com/samber/lo"
)

// NewLanguageDetector builds a detector for the target languages and English.
// Lingua needs at least two languages, so a lone English target falls back to
// every known language.
func NewLanguageDetector(targetLangs []lingua.Language) lingua.LanguageDetector {
	languages := lo.Uniq(append([]lingua.Language{lingua.English}, targetLangs...))
	if len(languages) < 2 {
		languages = lingua.AllLanguages()
	}

	return lingua.NewLanguageDetectorBuilder().
		FromLanguages(languages...).
		WithMinimumRelativeDistance(0.25).
		Build()
}

func linguaToISO(lang lingua.Language) string {
	return strings.ToLower(lang.IsoCode639_1().String())
}

func isoToLingua(code string) (lingua.Language, bool) {
	code = strings.ToLower(code)
	for _, lang := range lingua.AllLanguages() {
		if linguaToISO(lang) == code {
			return lang, true
		}
	}
	return lingua.Unknown, false
}

func targetLanguagesToLingua(languages []string) []lingua.Language {
	linguaLanguages := []lingua.Language{}
	for _, lang := range languages {
		if linguaLang, ok := isoToLingua(lang); ok {
			linguaLanguages = append(linguaLanguages, linguaLang)
		}
	}
	return linguaLanguages
}

// matchesLanguageTags reports whether any of the post's language tags, like
// "nb" or "en-US", is one of the target ISO codes.
func matchesLanguageTags(tags []string, targets []string) bool {
	return lo.SomeBy(tags, func(tag string) bool {
		primary, _, _ := strings.Cut(strings.ToLower(tag), "-")
		return lo.Contains(targets, primary)
	})
}
