package crdt

import (
	"encoding/json"
	"fmt"
)

// OpKind is the type of an operation.
type OpKind uint8

const (
	// OpInsert inserts a single rune after its origin.
	OpInsert OpKind = 1

	// OpDelete tombstones a previously inserted rune.
	OpDelete OpKind = 2
)

// Op is one replicated operation. Seq is contiguous per actor, which lets a
// state vector describe exactly which operations a replica has integrated.
type Op struct {
	ID     Ticket `json:"id"`
	Seq    uint64 `json:"s"`
	Kind   OpKind `json:"k"`
	Origin Ticket `json:"o"`
	Value  string `json:"v,omitempty"`
	Target Ticket `json:"t"`
}

// StateVector maps an actor to the highest contiguous Seq integrated from it.
type StateVector map[uint64]uint64

// Update is the wire form of a batch of operations.
type Update struct {
	Ops []Op `json:"ops"`
}

// EncodeUpdate serialises operations for the wire or for storage.
func EncodeUpdate(ops []Op) ([]byte, error) {
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(Update{Ops: ops})
}

// DecodeUpdate parses an update produced by EncodeUpdate.
func DecodeUpdate(data []byte) ([]Op, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	return u.Ops, nil
}

// EncodeStateVector serialises a state vector.
func EncodeStateVector(sv StateVector) ([]byte, error) {
	if sv == nil {
		sv = StateVector{}
	}
	return json.Marshal(sv)
}

// DecodeStateVector parses a state vector produced by EncodeStateVector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	if err := json.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return sv, nil
}

func (op Op) validate() error {
	if op.ID.Actor == 0 || op.Seq == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidOp)
	}
	switch op.Kind {
	case OpInsert:
		if len([]rune(op.Value)) != 1 {
			return fmt.Errorf("%w: insert %s carries %q", ErrInvalidOp, op.ID, op.Value)
		}
	case OpDelete:
		if op.Target.IsInitial() {
			return fmt.Errorf("%w: delete %s has no target", ErrInvalidOp, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOp, op.Kind)
	}
	return nil
}
