package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDeterministicPerSeed(t *testing.T) {
	g := NewIdentityGenerator()
	a := g.Generate("chrome", "windows", "task-abc")
	b := g.Generate("chrome", "windows", "task-abc")
	assert.Equal(t, a, b)

	// A fresh generator with the same seed produces the same identity,
	// so the consistency is in the derivation, not just the cache.
	c := NewIdentityGenerator().Generate("chrome", "windows", "task-abc")
	assert.Equal(t, a, c)
}

func TestGenerateDifferentSeedsDiffer(t *testing.T) {
	g := NewIdentityGenerator()
	ids := map[string]bool{}
	for _, seed := range []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"} {
		id := g.Generate("chrome", "windows", seed)
		ids[id.UserAgent+id.Timezone+id.WebGLRenderer] = true
	}
	assert.Greater(t, len(ids), 1, "seeds should not all collapse to one identity")
}

func TestGenerateChromeShape(t *testing.T) {
	id := NewIdentityGenerator().Generate("chrome", "windows", "seed")
	assert.True(t, strings.HasPrefix(id.UserAgent, "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"))
	assert.Contains(t, id.UserAgent, "Chrome/")
	assert.Equal(t, "Win32", id.Platform)
	assert.Equal(t, "Google Inc.", id.Vendor)
	assert.NotEmpty(t, id.Timezone)
	assert.Positive(t, id.TimezoneOffset)
	assert.Positive(t, id.CanvasNoiseSeed)
	assert.Less(t, id.Screen.AvailHeight, id.Screen.Height)
}

func TestGenerateSafariShape(t *testing.T) {
	id := NewIdentityGenerator().Generate("safari", "mac", "seed")
	assert.Contains(t, id.UserAgent, "Version/")
	assert.Equal(t, "MacIntel", id.Platform)
	assert.Equal(t, "Apple Computer, Inc.", id.Vendor)
	assert.Equal(t, "Apple Inc.", id.WebGLVendor)
}

func TestSecCHUAOnlyForChromium(t *testing.T) {
	h := secCHUA(Chrome120)
	require.NotNil(t, h)
	assert.Contains(t, h["sec-ch-ua"], `v="120"`)
	assert.Equal(t, "?0", h["sec-ch-ua-mobile"])

	assert.Nil(t, secCHUA(Safari170))
	assert.Nil(t, secCHUA(Edge101))
}
