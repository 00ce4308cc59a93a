package sri

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many model tokens a text costs.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter charges one token per four bytes, rounded up.
type HeuristicCounter struct{}

// Count implements TokenCounter.
func (HeuristicCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// NewTiktokenCounter loads the named encoding. Loading may fetch the
// vocabulary on first use.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter returns a tiktoken counter when useTiktoken is set and the
// encoding loads, and the heuristic otherwise. The error reports why the
// heuristic was chosen; the returned counter is always usable.
func NewTokenCounter(useTiktoken bool, encoding string) (TokenCounter, error) {
	if !useTiktoken {
		return HeuristicCounter{}, nil
	}
	c, err := NewTiktokenCounter(encoding)
	if err != nil {
		return HeuristicCounter{}, err
	}
	return c, nil
}
