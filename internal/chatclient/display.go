package chatclient

import (
	"sync/atomic"
	"time"

	"github.com/mentora/roomsync/internal/protocol"
)

// Visibility reports whether the chat is currently out of the user's view.
// A hidden client does not reconnect on its own.
type Visibility interface {
	Hidden() bool
}

// AlwaysVisible never hides.
type AlwaysVisible struct{}

func (AlwaysVisible) Hidden() bool { return false }

// Toggle is a Visibility the owner switches by hand.
type Toggle struct {
	hidden atomic.Bool
}

func (t *Toggle) Hidden() bool {
	return t.hidden.Load()
}

func (t *Toggle) SetHidden(hidden bool) {
	t.hidden.Store(hidden)
}

// DateLayout is the human readable date messages are grouped by.
const DateLayout = "Monday, January 2, 2006"

// Group is the messages of one calendar date.
type Group struct {
	Date     string
	Messages []protocol.Message
}

// GroupByDate groups msgs by their date in loc. Groups appear in the order
// their first message does and keep the input order inside.
func GroupByDate(msgs []protocol.Message, loc *time.Location) []Group {
	if loc == nil {
		loc = time.Local
	}

	var groups []Group
	index := make(map[string]int)
	for _, msg := range msgs {
		date := msg.Timestamp.In(loc).Format(DateLayout)
		i, ok := index[date]
		if !ok {
			i = len(groups)
			index[date] = i
			groups = append(groups, Group{Date: date})
		}
		groups[i].Messages = append(groups[i].Messages, msg)
	}
	return groups
}
