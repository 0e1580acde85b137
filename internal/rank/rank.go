// Package rank generates fractional sort keys for manually ordered lists.
//
// Ranks are strings over the base-36 alphabet "0-9a-z" and compare with ordinary
// byte-wise string comparison, so the storage layer can ORDER BY rank without a
// custom collation. A valid rank never ends with the minimum digit '0'; that keeps
// a free slot below every rank and guarantees a rank exists strictly between any
// two distinct valid ranks.
package rank

import (
	"errors"
	"fmt"
	"strings"
)

// Alphabet lists the digits in ascending order.
const Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

const (
	base     = len(Alphabet)
	minDigit = 0
	maxDigit = base - 1
	// sentinels for positions past the end of a bound
	lowSentinel  = -1
	highSentinel = base

	// DefaultMaxLength bounds generated ranks before a rebalance is demanded.
	DefaultMaxLength = 24
	maxSpreadWidth   = 11
	// MinMaxLength is the smallest budget under which every Spread keeps headroom.
	MinMaxLength     = maxSpreadWidth + 1
)

var (
	// ErrRebalanceRequired signals that no rank fits between the bounds within the length budget.
	ErrRebalanceRequired = errors.New("rank: rebalance required")
	// ErrMalformedRank indicates a rank outside the alphabet, empty, or ending in '0'.
	ErrMalformedRank = errors.New("rank: malformed rank")
	// ErrInvalidBounds indicates before is not strictly less than after.
	ErrInvalidBounds = errors.New("rank: before must sort strictly before after")
)

// Engine generates ranks under a maximum length budget.
type Engine struct {
	maxLength int
}

// NewEngine returns an Engine; non-positive maxLength selects DefaultMaxLength and
// budgets below MinMaxLength are raised to it.
func NewEngine(maxLength int) Engine {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if maxLength < MinMaxLength {
		maxLength = MinMaxLength
	}
	return Engine{maxLength: maxLength}
}

// MaxLength reports the configured budget.
func (e Engine) MaxLength() int {
	if e.maxLength <= 0 {
		return DefaultMaxLength
	}
	return e.maxLength
}

// Compare orders two ranks; it is plain string comparison.
func Compare(x, y string) int {
	return strings.Compare(x, y)
}

// Validate reports whether value is a well-formed rank.
func Validate(value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty", ErrMalformedRank)
	}
	for index := 0; index < len(value); index++ {
		if digitOf(value[index]) < 0 {
			return fmt.Errorf("%w: invalid character at %d", ErrMalformedRank, index)
		}
	}
	if value[len(value)-1] == Alphabet[minDigit] {
		return fmt.Errorf("%w: trailing %q", ErrMalformedRank, Alphabet[minDigit])
	}
	return nil
}

// Between returns a rank strictly between before and after. An empty before means
// negative infinity and an empty after means positive infinity.
func (e Engine) Between(before, after string) (string, error) {
	if before != "" {
		if err := Validate(before); err != nil {
			return "", err
		}
	}
	if after != "" {
		if err := Validate(after); err != nil {
			return "", err
		}
	}
	if before != "" && after != "" && before >= after {
		return "", fmt.Errorf("%w: %q >= %q", ErrInvalidBounds, before, after)
	}

	var prev, next int
	position := 0
	for {
		prev = digitAt(before, position, lowSentinel)
		next = digitAt(after, position, highSentinel)
		position++
		if prev != next {
			break
		}
	}

	var builder strings.Builder
	builder.WriteString(before[:position-1])

	if prev == lowSentinel {
		// before is exhausted: copy leading minimum digits of after so the result stays below it
		for next == minDigit {
			builder.WriteByte(Alphabet[minDigit])
			next = digitAt(after, position, highSentinel)
			position++
		}
		if next == minDigit+1 {
			builder.WriteByte(Alphabet[minDigit])
			next = highSentinel
		}
	} else if prev+1 == next {
		// adjacent digits: keep before's digit and search above the rest of before
		builder.WriteByte(Alphabet[prev])
		next = highSentinel
		for {
			prev = digitAt(before, position, lowSentinel)
			position++
			if prev != maxDigit {
				break
			}
			builder.WriteByte(Alphabet[maxDigit])
		}
	}

	builder.WriteByte(Alphabet[(prev+next+1)/2])
	result := builder.String()
	if len(result) > e.MaxLength() {
		return "", ErrRebalanceRequired
	}
	return result, nil
}

// After returns a rank sorting after last; an empty last yields a rank in the middle of the space.
func (e Engine) After(last string) (string, error) {
	return e.Between(last, "")
}

// Before returns a rank sorting before first.
func (e Engine) Before(first string) (string, error) {
	return e.Between("", first)
}

// Rebalance returns evenly spaced ranks with the same length and order as ordered.
// Input ranks are validated but their values do not influence the output.
func (e Engine) Rebalance(ordered []string) ([]string, error) {
	for _, value := range ordered {
		if err := Validate(value); err != nil {
			return nil, err
		}
	}
	return e.Spread(len(ordered))
}

// Spread returns count evenly spaced ranks in ascending order.
func (e Engine) Spread(count int) ([]string, error) {
	if count <= 0 {
		return []string{}, nil
	}
	width := 1
	capacity := uint64(base)
	// leave at least base slots between neighbours
	for capacity/uint64(count+1) < uint64(base) {
		width++
		if width > maxSpreadWidth {
			return nil, fmt.Errorf("rank: cannot spread %d ranks", count)
		}
		capacity *= uint64(base)
	}
	if width >= e.MaxLength() {
		return nil, fmt.Errorf("rank: spread width %d leaves no headroom under max length %d", width, e.MaxLength())
	}
	step := capacity / uint64(count+1)
	ranks := make([]string, count)
	for index := range ranks {
		ranks[index] = encode(step*uint64(index+1), width)
	}
	return ranks, nil
}

func encode(value uint64, width int) string {
	digits := make([]byte, width)
	for index := width - 1; index >= 0; index-- {
		digits[index] = Alphabet[value%uint64(base)]
		value /= uint64(base)
	}
	return strings.TrimRight(string(digits), Alphabet[minDigit:minDigit+1])
}

func digitAt(value string, position, sentinel int) int {
	if position >= len(value) {
		return sentinel
	}
	return digitOf(value[position])
}

func digitOf(character byte) int {
	switch {
	case character >= '0' && character <= '9':
		return int(character - '0')
	case character >= 'a' && character <= 'z':
		return int(character-'a') + 10
	default:
		return -1
	}
}
