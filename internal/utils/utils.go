// Package utils provides validation helpers for instrument codes.
//
// KRX short codes are six characters of digits and upper-case letters ("005930",
// "0000J0"). The venue also accepts a market suffix for the alternative trading
// venue ("005930_NX") and the consolidated book ("005930_AL").
package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoCodes      = errors.New("zero codes requested")
	ErrTooManyCodes = errors.New("too many codes requested")
	ErrInvalidCode  = errors.New("invalid instrument code")
)

const codeLength = 6

// marketSuffixes lists the accepted market routing suffixes.
var marketSuffixes = map[string]bool{
	"_NX": true,
	"_AL": true,
}

// ValidateCode checks that code is a six-character KRX short code, optionally
// followed by a market suffix.
func ValidateCode(code string) error {
	if code == "" {
		return fmt.Errorf("%w: code cannot be empty", ErrInvalidCode)
	}

	base := code
	if i := strings.IndexByte(code, '_'); i >= 0 {
		if !marketSuffixes[code[i:]] {
			return fmt.Errorf("%w: unsupported market suffix in %q", ErrInvalidCode, code)
		}
		base = code[:i]
	}

	if len(base) != codeLength {
		return fmt.Errorf("%w: expected %d characters, got %q", ErrInvalidCode, codeLength, code)
	}

	for _, r := range base {
		if (r < '0' || r > '9') && (r < 'A' || r > 'Z') {
			return fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidCode, r, code)
		}
	}

	return nil
}

// ValidateCodes validates a slice of codes and enforces a quantity limit.
// A non-positive maxAllowed disables the limit.
func ValidateCodes(codes []string, maxAllowed int) error {
	if len(codes) == 0 {
		return ErrNoCodes
	}

	if maxAllowed > 0 && len(codes) > maxAllowed {
		return fmt.Errorf("%w: requested %d codes, maximum allowed %d",
			ErrTooManyCodes, len(codes), maxAllowed)
	}

	for i, code := range codes {
		if err := ValidateCode(code); err != nil {
			return fmt.Errorf("code at index %d: %w", i, err)
		}
	}

	return nil
}

// NormalizeCodes trims, upper-cases and de-duplicates codes, keeping first-seen order.
// Blank entries are dropped.
func NormalizeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// SplitCodes parses a comma-separated code list such as a query parameter or flag.
func SplitCodes(csv string) []string {
	return NormalizeCodes(strings.Split(csv, ","))
}
