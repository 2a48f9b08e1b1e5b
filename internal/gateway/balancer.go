package gateway

import (
	"fmt"
	"sync/atomic"
)

// Balancer rotates over a static endpoint list with a single shared cursor.
// No health state is consulted at selection time; a failed proxy attempt
// surfaces to the caller rather than being retried elsewhere, which keeps
// the contract simple and avoids piling load onto a struggling backend.
type Balancer struct {
	endpoints []string
	cursor    atomic.Uint64
}

func NewBalancer(endpoints []string) (*Balancer, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("balancer requires at least one endpoint")
	}
	return &Balancer{endpoints: endpoints}, nil
}

func (b *Balancer) Next() string {
	n := b.cursor.Add(1) - 1
	return b.endpoints[n%uint64(len(b.endpoints))]
}

func (b *Balancer) Len() int {
	return len(b.endpoints)
}
