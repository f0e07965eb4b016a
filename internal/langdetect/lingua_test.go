package langdetect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectISO6391(t *testing.T) {
	assert.Equal(t, "", DetectISO6391(""))
	assert.Equal(t, "", DetectISO6391("Hi!"))
	assert.Equal(t, "", DetectISO6391("12345 67890 !!!"))
	assert.Equal(t, "en", DetectISO6391("The quick brown fox jumps over the lazy dog while the children watch from the garden."))
	assert.Equal(t, "fr", DetectISO6391("Le petit prince demanda au renard de lui expliquer ce que signifie apprivoiser."))
}

func TestDetectSamples(t *testing.T) {
	samples := []string{
		"Es war einmal ein kleines Mädchen, das von allen geliebt wurde.",
		"Die Großmutter schenkte ihm ein Käppchen aus rotem Samt.",
	}
	assert.Equal(t, "de", DetectSamples(samples, 4096))
	assert.Equal(t, "", DetectSamples(nil, 4096))
}
