package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// DeviceCodeAlphabet is lowercase RFC 4648 base32.
	DeviceCodeAlphabet = "abcdefghijklmnopqrstuvwxyz234567"
	// UserCodeAlphabet drops 0/O, 1/I/L so codes survive being read off a TV screen.
	UserCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	DeviceCodeLength = 40
	UserCodeGroupLen = 4
)

var ErrEmptyAlphabet = errors.New("alphabet must have between 2 and 256 symbols")

type CodeGenerator struct {
	rand io.Reader
}

func NewCodeGenerator() *CodeGenerator {
	return &CodeGenerator{rand: rand.Reader}
}

// NewCodeGeneratorWithReader is used by tests that need a deterministic source.
func NewCodeGeneratorWithReader(r io.Reader) *CodeGenerator {
	if r == nil {
		r = rand.Reader
	}
	return &CodeGenerator{rand: r}
}

func (g *CodeGenerator) DeviceCode() (string, error) {
	return g.randomString(DeviceCodeAlphabet, DeviceCodeLength)
}

func (g *CodeGenerator) UserCode() (string, error) {
	raw, err := g.randomString(UserCodeAlphabet, 2*UserCodeGroupLen)
	if err != nil {
		return "", err
	}
	return raw[:UserCodeGroupLen] + "-" + raw[UserCodeGroupLen:], nil
}

// Pair returns a fresh (device_code, user_code).
func (g *CodeGenerator) Pair() (deviceCode, userCode string, err error) {
	deviceCode, err = g.DeviceCode()
	if err != nil {
		return "", "", fmt.Errorf("generate device code: %w", err)
	}
	userCode, err = g.UserCode()
	if err != nil {
		return "", "", fmt.Errorf("generate user code: %w", err)
	}
	return deviceCode, userCode, nil
}

// randomString draws n symbols uniformly from alphabet. Bytes at or above the largest
// multiple of len(alphabet) are rejected so the modulo never favours low symbols.
func (g *CodeGenerator) randomString(alphabet string, n int) (string, error) {
	size := len(alphabet)
	if size < 2 || size > 256 {
		return "", ErrEmptyAlphabet
	}
	limit := 256 - (256 % size)
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%size])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// NormalizeUserCode accepts what a human typed: surrounding space, lowercase, a missing hyphen.
func NormalizeUserCode(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	code = strings.ReplaceAll(code, " ", "")
	if len(code) == 2*UserCodeGroupLen && isASCII(code) && !strings.Contains(code, "-") {
		code = code[:UserCodeGroupLen] + "-" + code[UserCodeGroupLen:]
	}
	return code
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// ValidUserCode reports whether code has the XXXX-XXXX shape over UserCodeAlphabet.
func ValidUserCode(code string) bool {
	if len(code) != 2*UserCodeGroupLen+1 || code[UserCodeGroupLen] != '-' {
		return false
	}
	for i := 0; i < len(code); i++ {
		if i == UserCodeGroupLen {
			continue
		}
		if !strings.ContainsRune(UserCodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
