package swarm

import (
	"time"

	"github.com/relves/swarmsync/pkg/types"
)

// Request is one entry of a swarm batch. The set of request kinds is
// closed; Client implementations switch exhaustively over them.
type Request interface {
	isRequest()
}

// RetrieveRequest fetches the messages stored in a namespace after the
// given last-seen hash, in storage order. An empty LastHash retrieves
// from the beginning.
type RetrieveRequest struct {
	Namespace types.Namespace
	LastHash  string
	// MaxSize caps the total response size in bytes; zero means the
	// node's default.
	MaxSize int
}

// StoreRequest stores an opaque blob into a namespace. The node
// content-addresses the blob and returns its hash.
type StoreRequest struct {
	Namespace types.Namespace
	Data      []byte
	TTL       time.Duration
	Timestamp time.Time
}

// ExtendTTLRequest pushes the expiry of already-stored messages out to
// NewExpiry, preventing garbage collection of live config state.
type ExtendTTLRequest struct {
	Hashes    []string
	NewExpiry time.Time
}

// DeleteRequest removes stored messages by hash.
type DeleteRequest struct {
	Hashes []string
}

// RevokeRequest invalidates member sub-account credentials so that
// revoked members can no longer authenticate retrievals. Admin only.
type RevokeRequest struct {
	SubAccountTokens [][]byte
}

// UnrevokeRequest clears a prior revocation, used when re-inviting a
// previously removed member. Admin only.
type UnrevokeRequest struct {
	SubAccountTokens [][]byte
}

func (RetrieveRequest) isRequest()  {}
func (StoreRequest) isRequest()     {}
func (ExtendTTLRequest) isRequest() {}
func (DeleteRequest) isRequest()    {}
func (RevokeRequest) isRequest()    {}
func (UnrevokeRequest) isRequest()  {}
