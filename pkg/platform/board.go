// Package platform carries the board constants and hooks the loader is
// parameterized with.
package platform

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Board holds the platform constants the loader depends on. The zero value
// is not usable; start from DefaultBoard or NewBoard.
type Board struct {
	Name     string `json:"name,omitempty"`
	TextBase uint32 `json:"text_base"`
	DMAAlign uint32 `json:"dma_align"`
	BlockLen uint32 `json:"block_len"`
}

// DefaultBoard returns the Pine64 constants this tree is configured for.
func DefaultBoard() *Board {
	return &Board{
		Name:     "pine64",
		TextBase: 0x4a000000,
		DMAAlign: 64,
		BlockLen: 512,
	}
}

// NewBoard parses a board description in JSON format.
func NewBoard(data []byte) (*Board, error) {
	var b Board
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks that the constants can drive the loader's alignment
// arithmetic.
func (b *Board) Validate() error {
	if b.TextBase == 0 {
		return fmt.Errorf("board %q: text base not set", b.Name)
	}
	if b.DMAAlign == 0 || b.DMAAlign&(b.DMAAlign-1) != 0 {
		return fmt.Errorf("board %q: dma alignment %d is not a power of two", b.Name, b.DMAAlign)
	}
	if b.BlockLen == 0 {
		return fmt.Errorf("board %q: block length not set", b.Name)
	}
	return nil
}

// ConfigMismatch reports that a configuration description does not name this
// board. The loader skips every configuration for which this returns true
// and selects the first remaining one. An unnamed board accepts the first
// configuration offered.
func (b *Board) ConfigMismatch(description string) bool {
	if b.Name == "" {
		return false
	}
	return !strings.Contains(description, b.Name)
}
