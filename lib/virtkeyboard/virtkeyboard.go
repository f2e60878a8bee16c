// Package virtkeyboard translates a secret into the codes of a randomized
// on-screen keyboard. Each key is identified by hashing its image and
// comparing it with the known fingerprints of every symbol.
package virtkeyboard

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrSymbolNotFound = errors.New("virtual keyboard: symbol not found")

type HashFunc func([]byte) string

func MD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalizer turns a key image into a canonical form before hashing.
type Normalizer func([]byte) ([]byte, error)

type options struct {
	hash      HashFunc
	normalize Normalizer
	separator string
}

type Option func(*options)

func WithHash(h HashFunc) Option {
	return func(o *options) { o.hash = h }
}

func WithNormalizer(n Normalizer) Option {
	return func(o *options) { o.normalize = n }
}

func WithSeparator(sep string) Option {
	return func(o *options) { o.separator = sep }
}

type Keyboard struct {
	codes     map[rune]string
	separator string
}

// New builds a keyboard from the fingerprints of each symbol (a symbol may
// have several known images) and the images currently shown by the site,
// keyed by the code the site expects for that key.
func New(symbols map[rune][]string, keys map[string][]byte, opts ...Option) (Keyboard, error) {
	o := options{hash: MD5}
	for _, opt := range opts {
		opt(&o)
	}

	byHash := map[string]string{}
	for code, img := range keys {
		if o.normalize != nil {
			normalized, err := o.normalize(img)
			if err != nil {
				return Keyboard{}, fmt.Errorf("virtual keyboard: normalize key '%s': %w", code, err)
			}
			img = normalized
		}
		byHash[o.hash(img)] = code
	}

	codes := map[rune]string{}
	for symbol, hashes := range symbols {
		for _, h := range hashes {
			if code, ok := byHash[h]; ok {
				codes[symbol] = code
				break
			}
		}
	}

	return Keyboard{codes: codes, separator: o.separator}, nil
}

// Code returns the key code of a single symbol.
func (k Keyboard) Code(symbol rune) (string, error) {
	code, ok := k.codes[symbol]
	if !ok {
		return "", fmt.Errorf("%w: '%c'", ErrSymbolNotFound, symbol)
	}
	return code, nil
}

// Encode returns the key codes of every symbol of secret, joined with the separator.
func (k Keyboard) Encode(secret string) (string, error) {
	parts := make([]string, 0, len(secret))
	for _, r := range secret {
		code, err := k.Code(r)
		if err != nil {
			return "", err
		}
		parts = append(parts, code)
	}
	return strings.Join(parts, k.separator), nil
}

var keypadLetters = map[rune]rune{}

func init() {
	groups := map[rune]string{
		'2': "abc", '3': "def", '4': "ghi", '5': "jkl",
		'6': "mno", '7': "pqrs", '8': "tuv", '9': "wxyz",
	}
	for digit, letters := range groups {
		for _, l := range letters {
			keypadLetters[l] = digit
		}
	}
}

// KeypadDigits maps letters to the digit carrying them on a phone keypad,
// digits are left untouched. Any other character is rejected.
func KeypadDigits(secret string) (string, error) {
	var out strings.Builder
	for _, r := range strings.ToLower(secret) {
		switch {
		case r >= '0' && r <= '9':
			out.WriteRune(r)
		case keypadLetters[r] != 0:
			out.WriteRune(keypadLetters[r])
		default:
			return "", fmt.Errorf("%w: '%c' has no keypad digit", ErrSymbolNotFound, r)
		}
	}
	return out.String(), nil
}
