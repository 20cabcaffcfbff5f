package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestT_Fallback(t *testing.T) {
	assert.Equal(t, "ok", T("de", "health.ok"))
	assert.Equal(t, "missing.key", T("en", "missing.key"))
}

func TestTf(t *testing.T) {
	got := Tf("fr", "greeting", "Projet Tunen")
	assert.True(t, strings.Contains(got, "Projet Tunen"))
}

func TestLocalesCoverEnglishKeys(t *testing.T) {
	for _, loc := range SupportedLocales {
		for key := range translations["en"] {
			_, ok := translations[loc][key]
			assert.True(t, ok, "%s missing %s", loc, key)
		}
	}
}
