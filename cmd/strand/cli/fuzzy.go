// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// Slab sizes for the reusable match buffers, matching fzf's own
// allocation.
const (
	slab16Size = 100 * 1024
	slab32Size = 2048
)

func init() {
	if !algo.Init("default") {
		panic("cli: initializing fuzzy match scoring tables")
	}
}

// FuzzyResult is the outcome of one fuzzy match: a relevance score and
// the rune positions in the text that matched the pattern. The zero
// value means no match.
type FuzzyResult struct {
	Score     int
	Positions []int
}

// NewSlab returns a reusable allocation arena for repeated [FuzzyMatch]
// calls over a result set. Pass nil instead for one-off matches.
func NewSlab() *util.Slab {
	return util.MakeSlab(slab16Size, slab32Size)
}

// FuzzyMatch scores pattern against text with fzf's V2 algorithm.
// Matching is case-insensitive: both sides are lowercased before
// scoring. An empty pattern never matches.
func FuzzyMatch(text string, pattern []rune, slab *util.Slab) FuzzyResult {
	if len(pattern) == 0 {
		return FuzzyResult{}
	}

	chars := util.ToChars([]byte(strings.ToLower(text)))
	folded := []rune(strings.ToLower(string(pattern)))

	result, positions := algo.FuzzyMatchV2(true, true, true, &chars, folded, true, slab)
	if result.Score <= 0 {
		return FuzzyResult{}
	}

	match := FuzzyResult{Score: result.Score}
	if positions != nil {
		match.Positions = *positions
	}
	return match
}
