package masking

import (
	"crypto/sha512"
	"encoding/hex"
	"testing"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{FormatPreserving, Hash, NullRewrite, RandomStringRewrite, StringRewrite}, r.Names())

	s, err := r.New("", nil)
	require.NoError(t, err)
	assert.Equal(t, NullRewrite, s.Name())

	_, err = r.New("rot13", nil)
	assert.ErrorIs(t, err, domain.ErrStrategyNotFound)
}

func TestNullAndStringRewrite(t *testing.T) {
	r := NewRegistry()

	null, err := r.New(NullRewrite, nil)
	require.NoError(t, err)
	v, err := null.Mask("John Customer")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, null.NeedsOriginal())

	rewrite, err := r.New(StringRewrite, nil)
	require.NoError(t, err)
	v, err = rewrite.Mask("customer-1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "*****", v)

	custom, err := r.New(StringRewrite, map[string]any{"rewrite_value": "MASKED"})
	require.NoError(t, err)
	v, _ = custom.Mask("x")
	assert.Equal(t, "MASKED", v)

	_, err = r.New(StringRewrite, map[string]any{"rewrite_value": 7})
	assert.Error(t, err)
}

func TestHashStrategy(t *testing.T) {
	r := NewRegistry()
	s, err := r.New(Hash, map[string]any{"algorithm": "SHA-512"})
	require.NoError(t, err)
	assert.True(t, s.NeedsOriginal())

	sum := sha512.Sum512([]byte("1988-01-10"))
	v, err := s.Mask("1988-01-10")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), v)

	nilValue, err := s.Mask(nil)
	require.NoError(t, err)
	assert.Nil(t, nilValue)

	salted, err := r.New(Hash, map[string]any{"algorithm": "sha-256", "salt": "pepper"})
	require.NoError(t, err)
	a, _ := salted.Mask(42)
	b, _ := salted.Mask("42")
	assert.Equal(t, a, b)

	blake, err := r.New(Hash, map[string]any{"algorithm": "BLAKE2b-256"})
	require.NoError(t, err)
	digest, _ := blake.Mask("x")
	assert.Len(t, digest, 64)

	_, err = r.New(Hash, map[string]any{"algorithm": "MD5"})
	assert.Error(t, err)
}

func TestRandomStringRewrite(t *testing.T) {
	r := NewRegistry()
	s, err := r.New(RandomStringRewrite, map[string]any{"length": 30})
	require.NoError(t, err)
	v, err := s.Mask("male")
	require.NoError(t, err)
	assert.Len(t, v, 30)
	assert.True(t, s.NeedsOriginal())
	other, err := s.Mask("male")
	require.NoError(t, err)
	assert.NotEqual(t, v, other)

	// YAML and JSON decode numbers differently.
	_, err = r.New(RandomStringRewrite, map[string]any{"length": float64(12)})
	assert.NoError(t, err)
	_, err = r.New(RandomStringRewrite, map[string]any{"length": 0})
	assert.Error(t, err)
	_, err = r.New(RandomStringRewrite, map[string]any{"length": 1.5})
	assert.Error(t, err)
}

func TestFormatPreserving(t *testing.T) {
	s, err := NewRegistry().New(FormatPreserving, nil)
	require.NoError(t, err)

	v, err := s.Mask("jane.doe@example.com")
	require.NoError(t, err)
	assert.Equal(t, "xxxx.xxx@xxxxxxx.xxx", v)

	v, _ = s.Mask("555-0100")
	assert.Equal(t, "000-0000", v)

	_, err = NewRegistry().New(FormatPreserving, map[string]any{"mask_char": "ab"})
	assert.Error(t, err)
}

func TestFormatPreservingKeepsLength(t *testing.T) {
	s, err := NewRegistry().New(FormatPreserving, nil)
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		in := rapid.String().Draw(t, "value")
		out, err := s.Mask(in)
		if err != nil {
			t.Fatalf("mask failed: %v", err)
		}
		if len([]rune(out.(string))) != len([]rune(in)) {
			t.Fatalf("length changed: %q -> %q", in, out)
		}
	})
}

func TestRegisterCustomStrategy(t *testing.T) {
	r := NewRegistry()
	r.Register("Constant", func(map[string]any) (Strategy, error) { return stringRewrite{value: "c"}, nil })

	s, err := r.New("constant", nil)
	require.NoError(t, err)
	v, _ := s.Mask("anything")
	assert.Equal(t, "c", v)
}
