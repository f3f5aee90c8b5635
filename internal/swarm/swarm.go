// Package swarm defines the client contract for the replicated storage
// network that holds every account's namespaced, hash-addressed
// messages. The wire-level RPC implementation lives outside this
// module; swarmtest provides a functioning in-memory swarm for tests.
package swarm

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"time"

	"github.com/relves/swarmsync/pkg/types"
)

// Node is one storage node of an account's swarm.
type Node struct {
	Address string
	Port    uint16
	// PubKey is the node's ed25519 identity key, hex encoded. The
	// (account, namespace, node) triple keys last-seen-hash tracking.
	PubKey string
}

func (n Node) String() string {
	return fmt.Sprintf("%s:%d", n.Address, n.Port)
}

// Auth authenticates batch requests against an account's swarm.
// Admin-held group keys authorize every request type; sub-account
// credentials authorize retrieval only.
type Auth struct {
	Account types.AccountID

	// AdminKey signs requests with the group's admin identity.
	// Nil for non-admin members.
	AdminKey ed25519.PrivateKey

	// SubAccount is the member's sub-account credential, used when
	// AdminKey is absent.
	SubAccount []byte
}

// IsAdmin reports whether the auth carries the group admin key.
func (a Auth) IsAdmin() bool {
	return len(a.AdminKey) > 0
}

// RetrievedMessage is one stored message returned by a retrieve
// request, in storage order.
type RetrievedMessage struct {
	Hash      string
	Data      []byte
	Timestamp time.Time
}

// Response is the result of one request within a batch. Code follows
// HTTP conventions: 2xx success, 4xx rejected, 5xx node failure.
type Response struct {
	Code int
	// Messages carries the result of a retrieve request.
	Messages []RetrievedMessage
	// Hash is the content address assigned by a store request.
	Hash string
	// Body carries any error detail from the node.
	Body string
}

// OK reports whether the response indicates success.
func (r Response) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

// Err converts a failed response into an *Error, or nil if it succeeded.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	return &Error{Code: r.Code, Body: r.Body}
}

// Client is the swarm storage client consumed by the poller and the
// membership protocol.
type Client interface {
	// FetchSwarmNodes resolves the set of storage nodes responsible
	// for the account.
	FetchSwarmNodes(ctx context.Context, account types.AccountID) ([]Node, error)

	// SendBatch executes the requests against one node. Requests run
	// independently: one request failing does not abort its siblings,
	// and the returned slice always has one response per request.
	SendBatch(ctx context.Context, node Node, account types.AccountID, auth Auth, reqs []Request) ([]Response, error)

	// SendSequence executes the requests in order, stopping at the
	// first failure. Responses for unexecuted requests carry code 0.
	SendSequence(ctx context.Context, node Node, account types.AccountID, auth Auth, reqs []Request) ([]Response, error)
}

// SingleTargetNode picks one node from the account's swarm at random.
func SingleTargetNode(ctx context.Context, c Client, account types.AccountID) (Node, error) {
	nodes, err := c.FetchSwarmNodes(ctx, account)
	if err != nil {
		return Node{}, fmt.Errorf("fetching swarm nodes for %s: %w", account, err)
	}
	if len(nodes) == 0 {
		return Node{}, fmt.Errorf("no swarm nodes found for %s", account)
	}
	return nodes[rand.Intn(len(nodes))], nil
}

// DeleteMessages removes the given hashes from the account's swarm via
// a single-request batch against one node.
func DeleteMessages(ctx context.Context, c Client, account types.AccountID, auth Auth, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	node, err := SingleTargetNode(ctx, c, account)
	if err != nil {
		return err
	}
	resps, err := c.SendBatch(ctx, node, account, auth, []Request{
		DeleteRequest{Hashes: hashes},
	})
	if err != nil {
		return fmt.Errorf("deleting %d messages from %s: %w", len(hashes), account, err)
	}
	if err := resps[0].Err(); err != nil {
		return fmt.Errorf("deleting %d messages from %s: %w", len(hashes), account, err)
	}
	return nil
}
