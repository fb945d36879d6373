package masking

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

const (
	defaultRewriteValue = "*****"
	defaultRandomLength = 30
	randomAlphabet      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

type nullRewrite struct{}

func newNullRewrite(map[string]any) (Strategy, error) { return nullRewrite{}, nil }

func (nullRewrite) Name() string          { return NullRewrite }
func (nullRewrite) NeedsOriginal() bool   { return false }
func (nullRewrite) Mask(any) (any, error) { return nil, nil }

type stringRewrite struct {
	value string
}

func newStringRewrite(config map[string]any) (Strategy, error) {
	value, err := stringOption(config, "rewrite_value", defaultRewriteValue)
	if err != nil {
		return nil, err
	}
	return stringRewrite{value: value}, nil
}

func (s stringRewrite) Name() string          { return StringRewrite }
func (s stringRewrite) NeedsOriginal() bool   { return false }
func (s stringRewrite) Mask(any) (any, error) { return s.value, nil }

// hashStrategy replaces the value with a salted hex digest so masked records
// stay joinable without exposing the original.
type hashStrategy struct {
	algorithm string
	salt      string
	newHash   func() hash.Hash
}

func newHash(config map[string]any) (Strategy, error) {
	algorithm, err := stringOption(config, "algorithm", "SHA-256")
	if err != nil {
		return nil, err
	}
	salt, err := stringOption(config, "salt", "")
	if err != nil {
		return nil, err
	}

	h := &hashStrategy{algorithm: strings.ToUpper(algorithm), salt: salt}
	switch h.algorithm {
	case "SHA-256", "SHA256":
		h.newHash = sha256.New
	case "SHA-512", "SHA512":
		h.newHash = sha512.New
	case "BLAKE2B-256", "BLAKE2B":
		h.newHash = func() hash.Hash {
			b, _ := blake2b.New256(nil)
			return b
		}
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
	return h, nil
}

func (h *hashStrategy) Name() string        { return Hash }
func (h *hashStrategy) NeedsOriginal() bool { return true }

func (h *hashStrategy) Mask(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	digest := h.newHash()
	digest.Write([]byte(stringify(value)))
	digest.Write([]byte(h.salt))
	return hex.EncodeToString(digest.Sum(nil)), nil
}

type randomStringRewrite struct {
	length int
}

func newRandomStringRewrite(config map[string]any) (Strategy, error) {
	length, err := intOption(config, "length", defaultRandomLength)
	if err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, fmt.Errorf("length must be positive, got %d", length)
	}
	return randomStringRewrite{length: length}, nil
}

func (r randomStringRewrite) Name() string        { return RandomStringRewrite }
// NeedsOriginal is true so every masked value gets its own random string.
func (r randomStringRewrite) NeedsOriginal() bool { return true }

func (r randomStringRewrite) Mask(any) (any, error) {
	out := make([]byte, r.length)
	max := big.NewInt(int64(len(randomAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, fmt.Errorf("generate random string: %w", err)
		}
		out[i] = randomAlphabet[n.Int64()]
	}
	return string(out), nil
}

// formatPreserving keeps separators and length, replacing letters with
// the mask character and digits with zero.
type formatPreserving struct {
	maskChar rune
}

func newFormatPreserving(config map[string]any) (Strategy, error) {
	char, err := stringOption(config, "mask_char", "x")
	if err != nil {
		return nil, err
	}
	runes := []rune(char)
	if len(runes) != 1 {
		return nil, fmt.Errorf("mask_char must be a single character, got %q", char)
	}
	return formatPreserving{maskChar: runes[0]}, nil
}

func (f formatPreserving) Name() string        { return FormatPreserving }
func (f formatPreserving) NeedsOriginal() bool { return true }

func (f formatPreserving) Mask(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var b strings.Builder
	for _, r := range stringify(value) {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(f.maskChar)
		case unicode.IsDigit(r):
			b.WriteRune('0')
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
