package thought

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractorSplitMarkers(t *testing.T) {
	e := NewExtractor("", "")

	var got []string
	for _, fragment := range []string{
		"[bt]ML is AI su",
		"bset[et] <|sil|> [bt]It trains on da",
		"ta[et]",
	} {
		got = append(got, e.Feed(fragment)...)
	}

	assert.Equal(t, []string{"ML is AI subset", "It trains on data"}, got)
	assert.Empty(t, e.Pending())
}

func TestExtractorChunkingIndependent(t *testing.T) {
	text := "noise [bt] first [et] <|sil|> [bt]second[et][bt]   [et] tail [bt]third\n[et][bt]dangling"
	want := []string{"first", "second", "third"}

	for size := 1; size <= len(text); size++ {
		e := NewExtractor(DefaultBeginMarker, DefaultEndMarker)
		var got []string
		for i := 0; i < len(text); i += size {
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			got = append(got, e.Feed(text[i:end])...)
		}
		require.Equal(t, want, got, "chunk size %d", size)
		assert.Equal(t, "[bt]dangling", e.Pending(), "chunk size %d", size)
	}
}

func TestExtractorDiscardsBlankUnits(t *testing.T) {
	e := NewExtractor("", "")
	assert.Empty(t, e.Feed("[bt] \n\t [et]"))
	assert.Empty(t, e.Feed("[bt][et]"))
}

func TestExtractorTrimsBodies(t *testing.T) {
	e := NewExtractor("", "")
	got := e.Feed("[bt]\n  padded body \t[et]")
	require.Len(t, got, 1)
	assert.Equal(t, "padded body", got[0])
	assert.Equal(t, strings.TrimSpace(got[0]), got[0])
}

func TestExtractorEndBeforeBeginWaits(t *testing.T) {
	e := NewExtractor("", "")
	assert.Empty(t, e.Feed("stray[et] then [bt]open"))
	assert.Equal(t, []string{"open now"}, e.Feed(" now[et]"))
}

func TestExtractorCustomMarkers(t *testing.T) {
	e := NewExtractor("<t>", "</t>")
	assert.Equal(t, []string{"a", "b"}, e.Feed("<t>a</t><t>b</t><t>c"))
	e.Reset()
	assert.Empty(t, e.Pending())
}

func TestExtractorSameBeginAndEndMarker(t *testing.T) {
	e := NewExtractor("|", "|")
	assert.Equal(t, []string{"one"}, e.Feed("|one|"))
}

func TestExtractorBoundsBufferWithoutMarkers(t *testing.T) {
	e := NewExtractor("", "")
	noise := strings.Repeat("plain prose without markers ", 64)
	for range 100 {
		assert.Empty(t, e.Feed(noise))
		assert.LessOrEqual(t, len(e.Pending()), len(DefaultBeginMarker)-1)
	}

	assert.Empty(t, e.Feed(noise+"[b"))
	assert.True(t, strings.HasSuffix(e.Pending(), "[b"), "pending %q", e.Pending())
	assert.Equal(t, []string{"late thought"}, e.Feed("t]late thought[et]"))
	assert.Empty(t, e.Pending())
}
