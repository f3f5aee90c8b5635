package messages

import (
	"context"

	"github.com/relves/swarmsync/pkg/types"
)

// Destination names where a control message is delivered. The set of
// destinations is closed.
type Destination interface {
	isDestination()
}

// GroupDestination delivers into a group's message stream, readable by
// all current members.
type GroupDestination struct {
	Group types.AccountID
}

// ContactDestination delivers to one account's personal message
// stream.
type ContactDestination struct {
	To types.AccountID
}

func (GroupDestination) isDestination()   {}
func (ContactDestination) isDestination() {}

// Transport delivers control messages. Implementations handle
// encryption for the destination and retry policy.
type Transport interface {
	// Send delivers with durable retry semantics.
	Send(ctx context.Context, dst Destination, msg Message) error

	// SendNonDurable delivers best-effort; the message is lost if the
	// first attempt fails.
	SendNonDurable(ctx context.Context, dst Destination, msg Message) error
}
