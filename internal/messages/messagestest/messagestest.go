// Package messagestest provides in-memory fakes for the messages
// package contracts.
package messagestest

import (
	"context"
	"fmt"
	"sync"

	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/pkg/types"
)

type sealedEntry struct {
	Recipient types.AccountID `cbor:"1,keyasint"`
	Payload   []byte          `cbor:"2,keyasint"`
}

type sealedBlob struct {
	Domain  string          `cbor:"1,keyasint"`
	Group   types.AccountID `cbor:"2,keyasint"`
	Entries []sealedEntry   `cbor:"3,keyasint"`
}

// Cipher is a messages.MultiRecipientCipher that "encrypts" by tagging
// payloads with their recipient. It preserves the real contract:
// opening only succeeds for an addressed recipient in the right
// domain.
type Cipher struct {
	Local types.AccountID
}

var _ messages.MultiRecipientCipher = (*Cipher)(nil)

func (c *Cipher) SealForRecipients(domain string, group types.AccountID, payloads [][]byte, recipients []types.AccountID) ([]byte, error) {
	if len(payloads) != len(recipients) {
		return nil, fmt.Errorf("messagestest: %d payloads for %d recipients", len(payloads), len(recipients))
	}
	blob := sealedBlob{Domain: domain, Group: group}
	for i, r := range recipients {
		blob.Entries = append(blob.Entries, sealedEntry{Recipient: r, Payload: payloads[i]})
	}
	return messages.Marshal(blob)
}

func (c *Cipher) OpenForUser(ctx context.Context, domain string, group types.AccountID, data []byte) ([]byte, error) {
	var blob sealedBlob
	if err := messages.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	if blob.Domain != domain || blob.Group != group {
		return nil, fmt.Errorf("messagestest: blob sealed for domain %q group %s", blob.Domain, blob.Group)
	}
	for _, e := range blob.Entries {
		if e.Recipient == c.Local {
			return e.Payload, nil
		}
	}
	return nil, fmt.Errorf("messagestest: no payload for %s", c.Local)
}

// Sent is one delivered message with its destination.
type Sent struct {
	Destination messages.Destination
	Message     messages.Message
	Durable     bool
}

// Transport records every sent message.
type Transport struct {
	mu   sync.Mutex
	sent []Sent

	// Err, when set, fails every send.
	Err error
}

var _ messages.Transport = (*Transport)(nil)

func (t *Transport) Send(ctx context.Context, dst messages.Destination, msg messages.Message) error {
	return t.record(dst, msg, true)
}

func (t *Transport) SendNonDurable(ctx context.Context, dst messages.Destination, msg messages.Message) error {
	return t.record(dst, msg, false)
}

func (t *Transport) record(dst messages.Destination, msg messages.Message, durable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.sent = append(t.sent, Sent{Destination: dst, Message: msg, Durable: durable})
	return nil
}

// Sent returns everything delivered so far.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// SentTo filters deliveries to one contact.
func (t *Transport) SentTo(id types.AccountID) []Sent {
	var out []Sent
	for _, s := range t.Sent() {
		if dst, ok := s.Destination.(messages.ContactDestination); ok && dst.To == id {
			out = append(out, s)
		}
	}
	return out
}

// SentToGroup filters deliveries into one group's stream.
func (t *Transport) SentToGroup(id types.AccountID) []Sent {
	var out []Sent
	for _, s := range t.Sent() {
		if dst, ok := s.Destination.(messages.GroupDestination); ok && dst.Group == id {
			out = append(out, s)
		}
	}
	return out
}
