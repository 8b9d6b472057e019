// Package asset parses and validates the principal token symbols that pools
// are keyed by.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Token kinds.
const (
	KindSingle = "SINGLE"
	KindPair   = "PAIR"
)

const lpPrefix = "LP-"

// symbolRegex matches: {SYM} or {SYM}-{SYM}. An LP- prefix is stripped first.
// Example: JOE, JOE-AVAX, LP-USDC-AVAX
var symbolRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9]{1,15})(?:-([A-Z][A-Z0-9]{1,15}))?$`,
)

var (
	ErrInvalidSymbol = errors.New("asset: invalid token symbol")
	ErrSamePair      = errors.New("asset: pair legs must differ")
)

// Token is a parsed principal token.
type Token struct {
	Symbol string   `json:"symbol"`
	Kind   string   `json:"kind"`
	Legs   []string `json:"legs"`
}

// Parse validates a token symbol. Lower-case input is accepted and
// normalised.
func Parse(symbol string) (*Token, error) {
	normalised := strings.ToUpper(strings.TrimSpace(symbol))
	lp := strings.HasPrefix(normalised, lpPrefix)
	matches := symbolRegex.FindStringSubmatch(strings.TrimPrefix(normalised, lpPrefix))
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected SYM, SYM-SYM or LP-SYM-SYM)", ErrInvalidSymbol, symbol)
	}

	if matches[2] == "" {
		if lp {
			return nil, fmt.Errorf("%w: %q (LP token needs two legs)", ErrInvalidSymbol, symbol)
		}
		return &Token{Symbol: normalised, Kind: KindSingle, Legs: []string{matches[1]}}, nil
	}

	if matches[1] == matches[2] {
		return nil, fmt.Errorf("%w: %s", ErrSamePair, normalised)
	}
	return &Token{Symbol: normalised, Kind: KindPair, Legs: []string{matches[1], matches[2]}}, nil
}

// Normalise returns the canonical form of symbol, or an error.
func Normalise(symbol string) (string, error) {
	t, err := Parse(symbol)
	if err != nil {
		return "", err
	}
	return t.Symbol, nil
}
