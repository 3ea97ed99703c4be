package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
)

// KeyGenerator produces document keys for freshly stored entities that do not
// already carry one.
type KeyGenerator interface {
	GenerateKey(entity any) (string, error)
}

// ULIDKeyGenerator derives keys of the form "<collection>/<ulid>". ULIDs are
// lexicographically sortable, so keys within a collection order by creation
// time.
type ULIDKeyGenerator struct {
	entropy io.Reader
	now     func() time.Time
}

// NewULIDKeyGenerator constructs a generator with crypto-grade entropy.
func NewULIDKeyGenerator() *ULIDKeyGenerator {
	return &ULIDKeyGenerator{entropy: rand.Reader, now: time.Now}
}

// GenerateKey implements KeyGenerator.
func (g *ULIDKeyGenerator) GenerateKey(entity any) (string, error) {
	id, err := ulid.New(ulid.Timestamp(g.now().UTC()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("generate document key: %w", err)
	}
	return TagFor(entity) + "/" + id.String(), nil
}
