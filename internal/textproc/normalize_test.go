package textproc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/book-expert/avatar-service/internal/textproc"
)

func TestNormalizeEmptyInput(t *testing.T) {
	t.Parallel()

	n := textproc.NewNormalizer()

	assert.Empty(t, n.Normalize(""))
}

func TestNormalizeExpandsAbbreviations(t *testing.T) {
	t.Parallel()

	n := textproc.NewNormalizer()

	got := n.Normalize("Dr. Smith met Mr. Jones.")
	assert.Equal(t, "Doctor Smith met Mister Jones.", got)
}

func TestNormalizeSpellsOutNumbers(t *testing.T) {
	t.Parallel()

	n := textproc.NewNormalizer()

	assert.Equal(t, "I own three cats.", n.Normalize("I own 3 cats"))
	assert.Equal(
		t,
		"twenty one thousand five hundred people.",
		n.Normalize("21500 people"),
	)
	assert.Equal(t, "zero results.", n.Normalize("0 results"))
}

func TestNormalizeLeavesHugeNumbersAsDigits(t *testing.T) {
	t.Parallel()

	n := textproc.NewNormalizer()

	assert.Equal(t, "id 1000000.", n.Normalize("id 1000000"))
}

func TestNormalizeRemovesReferencesAndCitations(t *testing.T) {
	t.Parallel()

	n := textproc.NewNormalizer()

	got := n.Normalize("Speech synthesis works (Smith, 2019) as shown.")
	assert.Equal(t, "Speech synthesis works as shown.", got)

	got = n.Normalize("Earlier results[1] hold.")
	assert.NotContains(t, got, "[")
}

func TestNormalizePreservesURLsAndEmails(t *testing.T) {
	t.Parallel()

	n := textproc.NewNormalizer()

	got := n.Normalize("See https://example.com/a?b=1 for details")
	assert.Contains(t, got, "https://example.com/a?b=1")

	got = n.Normalize("Write to support@example.com today")
	assert.Contains(t, got, "support@example.com")
}

func TestNormalizeCollapsesWhitespaceAndPunctuation(t *testing.T) {
	t.Parallel()

	n := textproc.NewNormalizer()

	got := n.Normalize("Hello\t\n  world!!!")
	assert.Equal(t, "Hello world!", got)
}

func TestNormalizeTypography(t *testing.T) {
	t.Parallel()

	n := textproc.NewNormalizer()

	got := n.Normalize("“Stop” — she said…")
	assert.NotContains(t, got, "—")
	assert.NotContains(t, got, "“")
	assert.NotContains(t, got, "…")
}

func TestNormalizeClosesSentences(t *testing.T) {
	t.Parallel()

	n := textproc.NewNormalizer()

	assert.Equal(t, "Hello world.", n.Normalize("Hello world"))
	assert.Equal(t, "Hello world!", n.Normalize("Hello world!"))
}
