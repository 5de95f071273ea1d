package session

import (
	"fmt"
	"math/rand"

	"github.com/mentora/roomsync/internal/awareness"
)

// RandomColor returns a random #rrggbb color. Two users may draw the same one.
func RandomColor() string {
	return fmt.Sprintf("#%06x", rand.Intn(0x1000000))
}

// Presence publishes the local user into a document's awareness set and
// tracks everyone else in it.
type Presence struct {
	aware *awareness.Awareness
	local awareness.State
}

func NewPresence(clientID uint64, local awareness.State) *Presence {
	return &Presence{aware: awareness.New(clientID), local: local}
}

func (p *Presence) ClientID() uint64 {
	return p.aware.ClientID()
}

// Announce sets the local state and returns the frame payload to send.
func (p *Presence) Announce() ([]byte, error) {
	return awareness.Encode(p.aware.SetLocal(&p.local))
}

// Clear removes the local state and returns the frame payload to send.
func (p *Presence) Clear() ([]byte, error) {
	return awareness.Encode(p.aware.SetLocal(nil))
}

// Apply merges a remote awareness payload and reports whether the peer
// list changed.
func (p *Presence) Apply(payload []byte) (bool, error) {
	update, err := awareness.Decode(payload)
	if err != nil {
		return false, err
	}
	return len(p.aware.Apply(update)) > 0, nil
}

// Forget drops every remote peer, keeping the local state. A forgotten peer
// is re-learned from the next full state the server sends.
func (p *Presence) Forget() {
	var remote []uint64
	for _, peer := range p.aware.Peers() {
		if peer.ClientID != p.aware.ClientID() {
			remote = append(remote, peer.ClientID)
		}
	}
	p.aware.Forget(remote...)
}

// Peers returns everyone present, the local user included.
func (p *Presence) Peers() []awareness.Peer {
	return p.aware.Peers()
}
