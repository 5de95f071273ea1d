// Package crdt provides the replicated text sequence shared by every replica
// of a file: an RGA over runes ordered by Lamport tickets.
package crdt

import (
	"fmt"
	"math/rand"
)

// Ticket is the logical clock identifying an operation. It orders concurrent
// operations but does not tell whether two operations are causally related.
type Ticket struct {
	Lamport uint64 `json:"l"`
	Actor   uint64 `json:"a"`
}

// InitialTicket identifies the head of every sequence.
var InitialTicket = Ticket{}

// After returns whether this ticket is ordered after the other one.
func (t Ticket) After(other Ticket) bool {
	if t.Lamport != other.Lamport {
		return t.Lamport > other.Lamport
	}
	return t.Actor > other.Actor
}

// IsInitial returns whether the ticket points at the head of the sequence.
func (t Ticket) IsInitial() bool {
	return t == InitialTicket
}

func (t Ticket) String() string {
	return fmt.Sprintf("%d:%d", t.Lamport, t.Actor)
}

// NewActorID returns a random, non-zero replica id.
func NewActorID() uint64 {
	for {
		if id := rand.Uint64(); id != 0 {
			return id
		}
	}
}
