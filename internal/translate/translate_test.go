package translate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_NoKeyReturnsNil(t *testing.T) {
	assert.Nil(t, New(Config{}))
	assert.NotNil(t, New(Config{APIKey: "sk-test"}))
}

func TestTranslate_NilTranslatorPassesThrough(t *testing.T) {
	var tr *Translator
	assert.Equal(t, "unchanged", tr.Translate(context.Background(), "unchanged", "en"))
}

func TestTranslate_SkipsShortAndUntargeted(t *testing.T) {
	tr := New(Config{APIKey: "sk-test"})

	// no target language
	assert.Equal(t, "some text", tr.Translate(context.Background(), "some text", ""))
	// too short to be worth a round trip
	assert.Equal(t, "a", tr.Translate(context.Background(), "a", "en"))
	assert.Equal(t, "", tr.Translate(context.Background(), "", "en"))
}
