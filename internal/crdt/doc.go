package crdt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidOp is returned when a decoded operation is malformed.
	ErrInvalidOp = errors.New("invalid operation")

	// ErrOutOfRange is returned when a local edit addresses a position
	// outside the visible text.
	ErrOutOfRange = errors.New("position out of range")

	// ErrReadOnlyReplica is returned when a replica without an actor tries
	// to produce operations.
	ErrReadOnlyReplica = errors.New("replica cannot produce operations")
)

type node struct {
	id      Ticket
	value   string
	deleted bool
	next    *node
}

// Doc is one replica of a shared text. It is not safe for concurrent use;
// callers serialise access.
type Doc struct {
	actor   uint64
	lamport uint64
	seq     uint64

	head  *node
	nodes map[Ticket]*node
	size  int

	log     []Op
	applied map[Ticket]struct{}
	vector  StateVector
	pending []Op
}

// NewDoc creates an empty replica. An actor of 0 creates a replica that can
// only integrate remote operations, which is what the server holds.
func NewDoc(actor uint64) *Doc {
	head := &node{id: InitialTicket}
	return &Doc{
		actor:   actor,
		head:    head,
		nodes:   map[Ticket]*node{InitialTicket: head},
		applied: make(map[Ticket]struct{}),
		vector:  StateVector{},
	}
}

// Actor returns the replica id.
func (d *Doc) Actor() uint64 {
	return d.actor
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	return d.size
}

// IsEmpty returns whether the visible text is empty.
func (d *Doc) IsEmpty() bool {
	return d.size == 0
}

// Text returns the visible text.
func (d *Doc) Text() string {
	var sb strings.Builder
	for n := d.head.next; n != nil; n = n.next {
		if !n.deleted {
			sb.WriteString(n.value)
		}
	}
	return sb.String()
}

// StateVector returns a copy of the integrated state vector.
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.vector))
	for actor, seq := range d.vector {
		sv[actor] = seq
	}
	return sv
}

// Diff returns the integrated operations the holder of sv is missing, in
// integration order.
func (d *Doc) Diff(sv StateVector) []Op {
	var ops []Op
	for _, op := range d.log {
		if op.Seq > sv[op.ID.Actor] {
			ops = append(ops, op)
		}
	}
	return ops
}

// Ops returns every integrated operation; replaying them into an empty
// replica reproduces this one.
func (d *Doc) Ops() []Op {
	ops := make([]Op, len(d.log))
	copy(ops, d.log)
	return ops
}

// Pending returns the number of operations waiting for their dependencies.
func (d *Doc) Pending() int {
	return len(d.pending)
}

// Insert inserts text at the rune position pos and returns the operations
// to broadcast.
func (d *Doc) Insert(pos int, text string) ([]Op, error) {
	if d.actor == 0 {
		return nil, ErrReadOnlyReplica
	}
	if pos < 0 || pos > d.size {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, d.size)
	}

	origin := d.visibleAt(pos - 1)
	var ops []Op
	for _, r := range text {
		op := d.nextOp(OpInsert)
		op.Origin = origin
		op.Value = string(r)
		d.integrate(op)
		ops = append(ops, op)
		origin = op.ID
	}
	return ops, nil
}

// Delete removes length runes starting at pos and returns the operations to
// broadcast.
func (d *Doc) Delete(pos, length int) ([]Op, error) {
	if d.actor == 0 {
		return nil, ErrReadOnlyReplica
	}
	if pos < 0 || length < 0 || pos+length > d.size {
		return nil, fmt.Errorf("%w: delete %d+%d, length %d", ErrOutOfRange, pos, length, d.size)
	}

	var targets []Ticket
	idx := 0
	for n := d.head.next; n != nil && len(targets) < length; n = n.next {
		if n.deleted {
			continue
		}
		if idx >= pos {
			targets = append(targets, n.id)
		}
		idx++
	}

	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := d.nextOp(OpDelete)
		op.Target = target
		d.integrate(op)
		ops = append(ops, op)
	}
	return ops, nil
}

// Apply integrates remote operations. Operations already seen are ignored;
// operations whose dependencies are missing are buffered until they arrive.
// It returns the operations integrated by this call.
func (d *Doc) Apply(ops []Op) []Op {
	var integrated []Op
	for _, op := range ops {
		if d.seen(op) {
			continue
		}
		if d.ready(op) {
			d.integrate(op)
			integrated = append(integrated, op)
			continue
		}
		d.pending = append(d.pending, op)
	}

	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			switch {
			case d.seen(op):
			case d.ready(op):
				d.integrate(op)
				integrated = append(integrated, op)
				progress = true
			default:
				remaining = append(remaining, op)
			}
		}
		d.pending = remaining
	}
	return integrated
}

func (d *Doc) nextOp(kind OpKind) Op {
	d.lamport++
	d.seq++
	return Op{
		ID:   Ticket{Lamport: d.lamport, Actor: d.actor},
		Seq:  d.seq,
		Kind: kind,
	}
}

func (d *Doc) seen(op Op) bool {
	_, ok := d.applied[op.ID]
	return ok
}

func (d *Doc) ready(op Op) bool {
	if op.Seq != d.vector[op.ID.Actor]+1 {
		return false
	}
	switch op.Kind {
	case OpInsert:
		_, ok := d.nodes[op.Origin]
		return ok
	case OpDelete:
		_, ok := d.nodes[op.Target]
		return ok
	}
	return false
}

func (d *Doc) integrate(op Op) {
	switch op.Kind {
	case OpInsert:
		left := d.nodes[op.Origin]
		for left.next != nil && left.next.id.After(op.ID) {
			left = left.next
		}
		n := &node{id: op.ID, value: op.Value, next: left.next}
		left.next = n
		d.nodes[op.ID] = n
		d.size++
	case OpDelete:
		if n := d.nodes[op.Target]; !n.deleted {
			n.deleted = true
			d.size--
		}
	}

	if op.ID.Lamport > d.lamport {
		d.lamport = op.ID.Lamport
	}
	d.vector[op.ID.Actor] = op.Seq
	d.applied[op.ID] = struct{}{}
	d.log = append(d.log, op)
}

// visibleAt returns the ticket of the visible rune at idx, or the head for
// idx < 0.
func (d *Doc) visibleAt(idx int) Ticket {
	if idx < 0 {
		return InitialTicket
	}
	i := 0
	for n := d.head.next; n != nil; n = n.next {
		if n.deleted {
			continue
		}
		if i == idx {
			return n.id
		}
		i++
	}
	return InitialTicket
}
