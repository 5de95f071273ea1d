package protocol

import (
	"errors"
	"fmt"
)

// Represents the type of a collaboration frame
type MessageType byte

const (
	// Document sync frames (handshake and updates)
	MessageTypeSync MessageType = 0

	// Awareness frames (presence)
	MessageTypeAwareness MessageType = 1
)

// SyncStep represents the step in the sync handshake
type SyncStep byte

const (
	// Sender's state vector
	SyncStep1 SyncStep = 0

	// Operations the receiver of step 1 is missing
	SyncStep2 SyncStep = 1

	// Regular update broadcast
	SyncUpdate SyncStep = 2
)

var ErrInvalidFrame = errors.New("invalid frame")

// A decoded collaboration frame
type Frame struct {
	Type    MessageType
	Step    SyncStep
	Payload []byte
}

// Extracts the message type from the first byte
func ParseMessageType(data []byte) MessageType {
	if len(data) == 0 {
		return MessageTypeSync
	}
	return MessageType(data[0])
}

// Extracts the sync step from the second byte
func ParseSyncStep(data []byte) SyncStep {
	if len(data) < 2 {
		return SyncStep1
	}
	return SyncStep(data[1])
}

// Checks the frame header without looking at the payload
func Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty message", ErrInvalidFrame)
	}

	switch MessageType(data[0]) {
	case MessageTypeSync:
		if len(data) < 2 {
			return fmt.Errorf("%w: sync message too short", ErrInvalidFrame)
		}
		if step := data[1]; step > byte(SyncUpdate) {
			return fmt.Errorf("%w: invalid sync type: %d", ErrInvalidFrame, step)
		}
		return nil
	case MessageTypeAwareness:
		if len(data) < 2 {
			return fmt.Errorf("%w: awareness message too short", ErrInvalidFrame)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown message type: %d", ErrInvalidFrame, data[0])
	}
}

// Validates and splits a frame
func Decode(data []byte) (Frame, error) {
	if err := Validate(data); err != nil {
		return Frame{}, err
	}
	if MessageType(data[0]) == MessageTypeAwareness {
		return Frame{Type: MessageTypeAwareness, Payload: data[1:]}, nil
	}
	return Frame{Type: MessageTypeSync, Step: SyncStep(data[1]), Payload: data[2:]}, nil
}

func EncodeSync(step SyncStep, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, byte(MessageTypeSync), byte(step))
	return append(frame, payload...)
}

func EncodeAwareness(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(MessageTypeAwareness))
	return append(frame, payload...)
}
