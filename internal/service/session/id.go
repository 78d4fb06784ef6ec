package session

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque session id.
func NewID() string {
	return uuid.NewString()
}

// Generator numbers the upstream connections made on behalf of sessions.
type Generator struct {
	counter uint64
}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Next(sessionId string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-up-%d", sessionId, n)
}
