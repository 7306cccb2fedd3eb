package pii

import (
	"strings"
	"unicode"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

const maskRune = '*'

// Mask applies a masking treatment to a value. Partial masking keeps the
// last four alphanumerics (or the domain of an email) and preserves
// separators so the shape of the value stays readable.
func Mask(value string, m model.Masking) string {
	switch m {
	case model.MaskFull:
		if value == "" {
			return ""
		}
		return strings.Repeat(string(maskRune), 8)
	case model.MaskPartial:
		if at := strings.LastIndexByte(value, '@'); at > 0 {
			return string(value[0]) + strings.Repeat(string(maskRune), at-1) + value[at:]
		}
		return maskKeepTail(value, 4)
	}
	return value
}

func maskKeepTail(value string, keep int) string {
	runes := []rune(value)
	total := 0
	for _, r := range runes {
		if isMaskable(r) {
			total++
		}
	}
	if total <= keep {
		keep = total / 2
	}
	seen := 0
	for i, r := range runes {
		if !isMaskable(r) {
			continue
		}
		if seen < total-keep {
			runes[i] = maskRune
		}
		seen++
	}
	return string(runes)
}

func isMaskable(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
