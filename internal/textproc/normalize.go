// Package textproc normalizes submitted text before it reaches a speech
// engine. Raw user text tends to carry digits, abbreviations, citation
// debris and typographic punctuation that degrade synthesis output.
package textproc

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Numbers above this are left as digits rather than spelled out.
const maxSpokenNumber = 999999

// Normalizer rewrites text into a synthesis-friendly form. It is safe for
// concurrent use; all state is immutable after construction.
type Normalizer struct {
	numbers    *regexp.Regexp
	references *regexp.Regexp
	citations  *regexp.Regexp
	spaces     *regexp.Regexp
	urls       *regexp.Regexp
	emails     *regexp.Regexp
	abbrevs    *strings.Replacer
	typography *strings.Replacer
}

// NewNormalizer compiles the rewrite patterns once.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		numbers:    regexp.MustCompile(`\d+`),
		references: regexp.MustCompile(`(?:\[\d+\]|\(\d+\)|[¹²³⁴⁵⁶⁷⁸⁹⁰]+)`),
		citations:  regexp.MustCompile(`\([^)]*\d{4}[^)]*\)|\b\w+\s+et\s+al\.`),
		spaces:     regexp.MustCompile(`\s+`),
		urls:       regexp.MustCompile(`https?://\S+`),
		emails:     regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		abbrevs: strings.NewReplacer(
			"Mr.", "Mister",
			"Mrs.", "Misses",
			"Ms.", "Miss",
			"Dr.", "Doctor",
			"St.", "Saint",
			"Co.", "Company",
			"Ltd.", "Limited",
			"Corp.", "Corporation",
			"Inc.", "Incorporated",
		),
		typography: strings.NewReplacer(
			"—", "-", "–", "-", "‒", "-",
			"…", "...",
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize runs the full rewrite pipeline. URLs and email addresses pass
// through untouched; everything around them is expanded and cleaned.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return text
	}

	text = n.abbrevs.Replace(text)

	text, shielded := n.shieldTokens(text)

	// Citation debris carries digits, so it has to go before numbers are
	// spelled out.
	text = n.references.ReplaceAllString(text, "")
	text = n.citations.ReplaceAllString(text, "")
	text = n.spellOutNumbers(text)
	text = strings.TrimSpace(n.spaces.ReplaceAllString(text, " "))
	text = collapsePunctuation(n.typography.Replace(text))

	for placeholder, original := range shielded {
		text = strings.ReplaceAll(text, placeholder, original)
	}

	return closeSentence(text)
}

// spellOutNumbers replaces integers with their spoken form.
func (n *Normalizer) spellOutNumbers(text string) string {
	return n.numbers.ReplaceAllStringFunc(text, func(digits string) string {
		value, err := strconv.Atoi(digits)
		if err != nil {
			return digits
		}

		return numberToWords(value)
	})
}

// shieldTokens swaps URLs and emails for placeholders so the cleanup stages
// cannot corrupt them. The caller restores them afterwards. Placeholders are
// letters only; anything with digits or punctuation would itself be rewritten
// by the later stages.
func (n *Normalizer) shieldTokens(text string) (string, map[string]string) {
	shielded := make(map[string]string)
	counter := 0

	shield := func(pattern *regexp.Regexp) {
		text = pattern.ReplaceAllStringFunc(text, func(match string) string {
			placeholder := "SHIELDED" + strings.Repeat("X", counter+1) + "END"
			shielded[placeholder] = match
			counter++

			return placeholder
		})
	}

	shield(n.urls)
	shield(n.emails)

	return text, shielded
}

// collapsePunctuation drops immediate repeats of punctuation marks.
func collapsePunctuation(text string) string {
	var (
		out       []rune
		prevPunct bool
	)

	for _, r := range text {
		punct := unicode.IsPunct(r)
		if !punct || !prevPunct {
			out = append(out, r)
		}

		prevPunct = punct
	}

	return string(out)
}

// closeSentence guarantees the text ends with terminal punctuation, which
// keeps synthesis prosody from trailing off.
func closeSentence(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	switch last {
	case '.', '!', '?':
		return text
	}

	if unicode.IsPunct(last) {
		return text
	}

	return text + "."
}

var (
	onesWords = []string{
		"", "one", "two", "three", "four", "five",
		"six", "seven", "eight", "nine",
	}
	teenWords = []string{
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{
		"", "", "twenty", "thirty", "forty", "fifty",
		"sixty", "seventy", "eighty", "ninety",
	}
)

func numberToWords(value int) string {
	if value < 0 || value > maxSpokenNumber {
		return strconv.Itoa(value)
	}

	if value == 0 {
		return "zero"
	}

	var parts []string

	if thousands := value / 1000; thousands > 0 {
		parts = append(parts, underThousand(thousands)+" thousand")
		value %= 1000
	}

	if value > 0 {
		parts = append(parts, underThousand(value))
	}

	return strings.Join(parts, " ")
}

func underThousand(value int) string {
	var parts []string

	if hundreds := value / 100; hundreds > 0 {
		parts = append(parts, onesWords[hundreds]+" hundred")
		value %= 100
	}

	if value > 0 {
		parts = append(parts, underHundred(value))
	}

	return strings.Join(parts, " ")
}

func underHundred(value int) string {
	switch {
	case value < 10:
		return onesWords[value]
	case value < 20:
		return teenWords[value-10]
	default:
		words := tensWords[value/10]
		if value%10 > 0 {
			words += " " + onesWords[value%10]
		}

		return words
	}
}
