// Package swarmtest provides a functioning in-memory swarm for tests:
// content-addressed, namespaced storage with the same ordering and
// batching semantics as a real storage node cluster, plus hooks for
// injecting failures.
package swarmtest

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
)

type streamKey struct {
	account   types.AccountID
	namespace types.Namespace
}

type record struct {
	Data      []byte    `cbor:"1,keyasint"`
	Timestamp time.Time `cbor:"2,keyasint"`
	Expiry    time.Time `cbor:"3,keyasint,omitempty"`
}

// Swarm is an in-memory implementation of swarm.Client. All methods
// are safe for concurrent use.
type Swarm struct {
	mu      sync.Mutex
	nodes   []swarm.Node
	blobs   ds.Datastore
	order   map[streamKey][]string
	revoked map[types.AccountID]map[string]struct{}
	badNode map[string]error

	// Intercept, when set, is consulted before every batch. Returning
	// a non-nil response slice or error short-circuits the batch.
	Intercept func(node swarm.Node, account types.AccountID, reqs []swarm.Request) ([]swarm.Response, error)

	// Now supplies timestamps and expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// New creates a swarm with n storage nodes.
func New(n int) *Swarm {
	nodes := make([]swarm.Node, n)
	for i := range nodes {
		nodes[i] = swarm.Node{
			Address: fmt.Sprintf("10.0.0.%d", i+1),
			Port:    22021,
			PubKey:  fmt.Sprintf("%064x", i+1),
		}
	}
	return &Swarm{
		nodes:   nodes,
		blobs:   dssync.MutexWrap(ds.NewMapDatastore()),
		order:   make(map[streamKey][]string),
		revoked: make(map[types.AccountID]map[string]struct{}),
		badNode: make(map[string]error),
		Now:     time.Now,
	}
}

// Nodes returns the node set served by FetchSwarmNodes.
func (s *Swarm) Nodes() []swarm.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]swarm.Node(nil), s.nodes...)
}

// FailNode makes every batch against the node fail with err until
// cleared with a nil err.
func (s *Swarm) FailNode(node swarm.Node, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.badNode, node.PubKey)
		return
	}
	s.badNode[node.PubKey] = err
}

// StoreMessage seeds a message directly into the swarm and returns its
// content address. Used by tests to simulate messages produced by
// other members.
func (s *Swarm) StoreMessage(account types.AccountID, namespace types.Namespace, data []byte, ts time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, _ := s.store(account, namespace, data, ts, time.Time{})
	return hash
}

// Messages returns the live messages of a namespace in storage order.
func (s *Swarm) Messages(account types.AccountID, namespace types.Namespace) []swarm.RetrievedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesAfter(account, namespace, "")
}

// RevokedTokens returns the hex forms of the sub-account tokens
// currently revoked for the account.
func (s *Swarm) RevokedTokens(account types.AccountID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]string, 0, len(s.revoked[account]))
	for tok := range s.revoked[account] {
		tokens = append(tokens, tok)
	}
	return tokens
}

// FetchSwarmNodes implements swarm.Client.
func (s *Swarm) FetchSwarmNodes(ctx context.Context, account types.AccountID) ([]swarm.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Nodes(), nil
}

// SendBatch implements swarm.Client.
func (s *Swarm) SendBatch(ctx context.Context, node swarm.Node, account types.AccountID, auth swarm.Auth, reqs []swarm.Request) ([]swarm.Response, error) {
	return s.send(ctx, node, account, auth, reqs, false)
}

// SendSequence implements swarm.Client.
func (s *Swarm) SendSequence(ctx context.Context, node swarm.Node, account types.AccountID, auth swarm.Auth, reqs []swarm.Request) ([]swarm.Response, error) {
	return s.send(ctx, node, account, auth, reqs, true)
}

func (s *Swarm) send(ctx context.Context, node swarm.Node, account types.AccountID, auth swarm.Auth, reqs []swarm.Request, sequence bool) ([]swarm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Intercept != nil {
		if resps, err := s.Intercept(node, account, reqs); resps != nil || err != nil {
			return resps, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.badNode[node.PubKey]; err != nil {
		return nil, err
	}

	resps := make([]swarm.Response, len(reqs))
	for i, req := range reqs {
		resps[i] = s.execute(account, auth, req)
		if sequence && !resps[i].OK() {
			break
		}
	}
	return resps, nil
}

func (s *Swarm) execute(account types.AccountID, auth swarm.Auth, req swarm.Request) swarm.Response {
	switch r := req.(type) {
	case swarm.RetrieveRequest:
		if !auth.IsAdmin() && len(auth.SubAccount) > 0 {
			if _, bad := s.revoked[account][hex.EncodeToString(auth.SubAccount)]; bad {
				return swarm.Response{Code: 401, Body: "sub-account revoked"}
			}
		}
		return swarm.Response{Code: 200, Messages: s.messagesAfter(account, r.Namespace, r.LastHash)}

	case swarm.StoreRequest:
		ts := r.Timestamp
		if ts.IsZero() {
			ts = s.Now()
		}
		var expiry time.Time
		if r.TTL > 0 {
			expiry = ts.Add(r.TTL)
		}
		hash, err := s.store(account, r.Namespace, r.Data, ts, expiry)
		if err != nil {
			return swarm.Response{Code: 500, Body: err.Error()}
		}
		return swarm.Response{Code: 200, Hash: hash}

	case swarm.ExtendTTLRequest:
		for _, hash := range r.Hashes {
			s.setExpiry(account, hash, r.NewExpiry)
		}
		return swarm.Response{Code: 200}

	case swarm.DeleteRequest:
		for _, hash := range r.Hashes {
			s.delete(account, hash)
		}
		return swarm.Response{Code: 200}

	case swarm.RevokeRequest:
		if !auth.IsAdmin() {
			return swarm.Response{Code: 403, Body: "revoke requires admin auth"}
		}
		set := s.revoked[account]
		if set == nil {
			set = make(map[string]struct{})
			s.revoked[account] = set
		}
		for _, tok := range r.SubAccountTokens {
			set[hex.EncodeToString(tok)] = struct{}{}
		}
		return swarm.Response{Code: 200}

	case swarm.UnrevokeRequest:
		if !auth.IsAdmin() {
			return swarm.Response{Code: 403, Body: "unrevoke requires admin auth"}
		}
		for _, tok := range r.SubAccountTokens {
			delete(s.revoked[account], hex.EncodeToString(tok))
		}
		return swarm.Response{Code: 200}

	default:
		return swarm.Response{Code: 400, Body: fmt.Sprintf("unknown request type %T", req)}
	}
}

func blobKey(account types.AccountID, hash string) ds.Key {
	return ds.NewKey("/blobs").ChildString(string(account)).ChildString(hash)
}

func (s *Swarm) store(account types.AccountID, namespace types.Namespace, data []byte, ts, expiry time.Time) (string, error) {
	hash := swarm.MessageHash(data)
	raw, err := cbor.Marshal(record{Data: data, Timestamp: ts, Expiry: expiry})
	if err != nil {
		return "", err
	}
	if err := s.blobs.Put(context.Background(), blobKey(account, hash), raw); err != nil {
		return "", err
	}

	key := streamKey{account: account, namespace: namespace}
	for _, existing := range s.order[key] {
		if existing == hash {
			// Duplicate store of identical content keeps its position.
			return hash, nil
		}
	}
	s.order[key] = append(s.order[key], hash)
	return hash, nil
}

func (s *Swarm) load(account types.AccountID, hash string) (record, bool) {
	raw, err := s.blobs.Get(context.Background(), blobKey(account, hash))
	if err != nil {
		return record{}, false
	}
	var rec record
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return record{}, false
	}
	return rec, true
}

func (s *Swarm) setExpiry(account types.AccountID, hash string, expiry time.Time) {
	rec, ok := s.load(account, hash)
	if !ok {
		return
	}
	rec.Expiry = expiry
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return
	}
	_ = s.blobs.Put(context.Background(), blobKey(account, hash), raw)
}

func (s *Swarm) delete(account types.AccountID, hash string) {
	_ = s.blobs.Delete(context.Background(), blobKey(account, hash))
	for key, hashes := range s.order {
		if key.account != account {
			continue
		}
		for i, h := range hashes {
			if h == hash {
				s.order[key] = append(hashes[:i:i], hashes[i+1:]...)
				break
			}
		}
	}
}

func (s *Swarm) messagesAfter(account types.AccountID, namespace types.Namespace, lastHash string) []swarm.RetrievedMessage {
	key := streamKey{account: account, namespace: namespace}
	hashes := s.order[key]

	start := 0
	if lastHash != "" {
		for i, h := range hashes {
			if h == lastHash {
				start = i + 1
				break
			}
		}
	}

	now := s.Now()
	var out []swarm.RetrievedMessage
	for _, h := range hashes[start:] {
		rec, ok := s.load(account, h)
		if !ok {
			continue
		}
		if !rec.Expiry.IsZero() && rec.Expiry.Before(now) {
			continue
		}
		out = append(out, swarm.RetrievedMessage{Hash: h, Data: rec.Data, Timestamp: rec.Timestamp})
	}
	return out
}
