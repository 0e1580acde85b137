package ids

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Provider issues opaque row identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence hands out fixed identifiers in order, then "<prefix>-<n>".
type Sequence struct {
	mu     sync.Mutex
	values []string
	next   int
	prefix string
}

// NewSequence returns a deterministic Provider for tests and seed tooling.
func NewSequence(prefix string, values ...string) *Sequence {
	return &Sequence{values: values, prefix: prefix}
}

func (s *Sequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.next
	s.next++
	if index < len(s.values) {
		return s.values[index], nil
	}
	return s.prefix + "-" + strconv.Itoa(index+1), nil
}
