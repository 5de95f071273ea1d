// Package awareness tracks the ephemeral per-client presence states that
// travel next to a shared document.
package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is the presence metadata a client publishes.
type State struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

// Entry is one client's state at a given clock. A nil State marks removal.
type Entry struct {
	Clock uint64 `json:"clock"`
	State *State `json:"state"`
}

// Update carries entries keyed by client id.
type Update map[uint64]Entry

// Peer is a client currently present.
type Peer struct {
	ClientID uint64
	State
}

// Awareness holds the states known to one replica. Not safe for concurrent
// use.
type Awareness struct {
	clientID uint64
	clocks   map[uint64]uint64
	states   map[uint64]State
}

// New creates an awareness set. The server uses clientID 0, which never
// publishes a local state.
func New(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		clocks:   make(map[uint64]uint64),
		states:   make(map[uint64]State),
	}
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// SetLocal replaces the local state; nil clears it. The returned update is
// what must be broadcast.
func (a *Awareness) SetLocal(state *State) Update {
	clock := a.clocks[a.clientID] + 1
	a.clocks[a.clientID] = clock
	if state == nil {
		delete(a.states, a.clientID)
	} else {
		a.states[a.clientID] = *state
	}
	return Update{a.clientID: {Clock: clock, State: state}}
}

// Local returns the local state, if set.
func (a *Awareness) Local() (State, bool) {
	s, ok := a.states[a.clientID]
	return s, ok
}

// Apply merges a remote update and reports the client ids whose state
// changed. Entries with a stale clock are ignored; a removal at the current
// clock is accepted.
func (a *Awareness) Apply(u Update) []uint64 {
	var changed []uint64
	for id, entry := range u {
		if id == a.clientID && a.clientID != 0 {
			continue
		}

		current, known := a.clocks[id]
		_, present := a.states[id]
		accept := !known || entry.Clock > current ||
			(entry.Clock == current && entry.State == nil && present)
		if !accept {
			continue
		}

		a.clocks[id] = entry.Clock
		if entry.State == nil {
			if present {
				delete(a.states, id)
				changed = append(changed, id)
			}
			continue
		}
		if prev, ok := a.states[id]; !ok || prev != *entry.State {
			changed = append(changed, id)
		}
		a.states[id] = *entry.State
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}

// Remove drops the given clients and returns the removal update to
// broadcast. Unknown clients are skipped. The clock stays where its owner
// left it so the owner's next announcement is accepted.
func (a *Awareness) Remove(ids ...uint64) Update {
	u := Update{}
	for _, id := range ids {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		u[id] = Entry{Clock: a.clocks[id], State: nil}
	}
	return u
}

// Forget drops the given clients without producing an update. Their clocks
// go too, so the next state seen for them is accepted whatever its clock.
func (a *Awareness) Forget(ids ...uint64) {
	for _, id := range ids {
		if id == a.clientID {
			continue
		}
		delete(a.states, id)
		delete(a.clocks, id)
	}
}

// Full returns an update describing every present client.
func (a *Awareness) Full() Update {
	u := make(Update, len(a.states))
	for id, s := range a.states {
		state := s
		u[id] = Entry{Clock: a.clocks[id], State: &state}
	}
	return u
}

// Peers returns the present clients ordered by client id.
func (a *Awareness) Peers() []Peer {
	peers := make([]Peer, 0, len(a.states))
	for id, s := range a.states {
		peers = append(peers, Peer{ClientID: id, State: s})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ClientID < peers[j].ClientID })
	return peers
}

// Encode serialises an update.
func Encode(u Update) ([]byte, error) {
	return json.Marshal(u)
}

// Decode parses an update produced by Encode.
func Decode(data []byte) (Update, error) {
	u := Update{}
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode awareness update: %w", err)
	}
	return u, nil
}
