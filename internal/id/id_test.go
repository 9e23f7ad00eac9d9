package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	v := New(PrefixVideo)
	assert.True(t, strings.HasPrefix(v, "vid_"), "got %s", v)

	a := New(PrefixAudio)
	assert.True(t, strings.HasPrefix(a, "aud_"), "got %s", a)
}

func TestNew_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := New(PrefixAudio)
		if seen[v] {
			t.Fatalf("duplicate ID generated: %s", v)
		}
		seen[v] = true
	}
}

func TestParse(t *testing.T) {
	valid := New(PrefixAudio)

	t.Run("accepts own prefix", func(t *testing.T) {
		got, err := Parse(valid, PrefixAudio)
		require.NoError(t, err)
		assert.Equal(t, valid, got)
	})

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"garbage", "not-an-id"},
		{"wrong prefix", New(PrefixVideo)},
		{"object id", "507f1f77bcf86cd799439011"},
		{"truncated", valid[:len(valid)-3]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input, PrefixAudio)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
