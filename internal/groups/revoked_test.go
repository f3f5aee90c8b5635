package groups_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/groups"
	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/internal/swarm/swarmtest"
	"github.com/relves/swarmsync/pkg/types"
)

// sealKick builds the revoked-stream blob an admin publishes when
// kicking a member.
func sealKick(t *testing.T, admin *env, group, target types.AccountID, generation int) []byte {
	t.Helper()
	blob, err := admin.cipher.SealForRecipients(messages.KickedDomain, group,
		[][]byte{messages.KickedPlaintext(target, generation)},
		[]types.AccountID{target})
	require.NoError(t, err)
	return blob
}

// mergeConfigsFromSwarm pulls the group's pushed configs into a
// member's store, as a poll cycle would.
func mergeConfigsFromSwarm(t *testing.T, sw *swarmtest.Swarm, store config.Store, group types.AccountID) {
	t.Helper()
	fetch := func(ns types.Namespace) []types.ConfigMessage {
		var out []types.ConfigMessage
		for _, msg := range sw.Messages(group, ns) {
			out = append(out, types.ConfigMessage{Hash: msg.Hash, Data: msg.Data, Timestamp: msg.Timestamp})
		}
		return out
	}
	require.NoError(t, store.MergeGroupConfigMessages(group,
		fetch(types.NamespaceGroupKeys),
		fetch(types.NamespaceGroupInfo),
		fetch(types.NamespaceGroupMembers)))
}

func TestRevokedKickForLocalUser(t *testing.T) {
	sw := swarmtest.New(3)
	admin := newEnv(t, sw, "Alice")
	member := newEnv(t, sw, "Bob")
	group, _ := newAccount(t, types.PrefixGroup)
	member.store.SetGroup(config.GroupRecord{ID: group, AuthData: []byte("token")})

	h := groups.NewRevokedMessageHandler(member.mgr)
	err := h.HandleRevokedMessage(context.Background(), group, swarm.RetrievedMessage{
		Hash: "kick-1",
		Data: sealKick(t, admin, group, member.account, 0),
	})
	require.NoError(t, err)

	rec, ok := member.store.GetGroup(group)
	require.True(t, ok)
	assert.True(t, rec.Kicked)
}

func TestRevokedKickForOtherUserIgnored(t *testing.T) {
	sw := swarmtest.New(3)
	admin := newEnv(t, sw, "Alice")
	member := newEnv(t, sw, "Bob")
	other, _ := newAccount(t, types.PrefixUser)
	group, _ := newAccount(t, types.PrefixGroup)
	member.store.SetGroup(config.GroupRecord{ID: group, AuthData: []byte("token")})

	h := groups.NewRevokedMessageHandler(member.mgr)
	err := h.HandleRevokedMessage(context.Background(), group, swarm.RetrievedMessage{
		Hash: "kick-other",
		Data: sealKick(t, admin, group, other, 0),
	})
	require.NoError(t, err)

	rec, _ := member.store.GetGroup(group)
	assert.False(t, rec.Kicked)
}

func TestRevokedStaleGenerationIgnored(t *testing.T) {
	sw := swarmtest.New(3)
	admin := newEnv(t, sw, "Alice")
	member := newEnv(t, sw, "Bob")

	// The member holds configs at the current generation; a kick from
	// before a re-invite must not count.
	group, err := admin.mgr.CreateGroup(context.Background(), "friends", "", nil)
	require.NoError(t, err)
	require.NoError(t, admin.mgr.InviteMembers(context.Background(), group, []types.AccountID{member.account}, false))

	member.store.SetGroup(config.GroupRecord{ID: group, AuthData: []byte("token")})
	mergeConfigsFromSwarm(t, sw, member.store, group)

	var current int
	require.NoError(t, member.store.WithGroupConfigs(group, func(v config.GroupView) error {
		current = v.KeyGeneration()
		return nil
	}))
	require.Greater(t, current, 0)

	h := groups.NewRevokedMessageHandler(member.mgr)
	err = h.HandleRevokedMessage(context.Background(), group, swarm.RetrievedMessage{
		Hash: "kick-stale",
		Data: sealKick(t, admin, group, member.account, current-1),
	})
	require.NoError(t, err)
	rec, _ := member.store.GetGroup(group)
	assert.False(t, rec.Kicked, "a kick from an older generation is stale")

	err = h.HandleRevokedMessage(context.Background(), group, swarm.RetrievedMessage{
		Hash: "kick-current",
		Data: sealKick(t, admin, group, member.account, current),
	})
	require.NoError(t, err)
	rec, _ = member.store.GetGroup(group)
	assert.True(t, rec.Kicked)
}

func TestRevokedMessagesDeduplicatedByHash(t *testing.T) {
	sw := swarmtest.New(3)
	admin := newEnv(t, sw, "Alice")
	member := newEnv(t, sw, "Bob")
	group, _ := newAccount(t, types.PrefixGroup)
	member.store.SetGroup(config.GroupRecord{ID: group, AuthData: []byte("token")})

	blob := sealKick(t, admin, group, member.account, 0)
	h := groups.NewRevokedMessageHandler(member.mgr)
	require.NoError(t, h.HandleRevokedMessage(context.Background(), group, swarm.RetrievedMessage{Hash: "dup", Data: blob}))

	rec, _ := member.store.GetGroup(group)
	require.True(t, rec.Kicked)

	// Reset the record; replaying the same hash must not re-kick.
	rec.Kicked = false
	member.store.SetGroup(rec)
	require.NoError(t, h.HandleRevokedMessage(context.Background(), group, swarm.RetrievedMessage{Hash: "dup", Data: blob}))
	rec, _ = member.store.GetGroup(group)
	assert.False(t, rec.Kicked)

	// A fresh hash is processed.
	require.NoError(t, h.HandleRevokedMessage(context.Background(), group, swarm.RetrievedMessage{Hash: "dup-2", Data: blob}))
	rec, _ = member.store.GetGroup(group)
	assert.True(t, rec.Kicked)
}

func TestRevokedMalformedPayload(t *testing.T) {
	sw := swarmtest.New(3)
	admin := newEnv(t, sw, "Alice")
	member := newEnv(t, sw, "Bob")
	group, _ := newAccount(t, types.PrefixGroup)
	member.store.SetGroup(config.GroupRecord{ID: group, AuthData: []byte("token")})

	blob, err := admin.cipher.SealForRecipients(messages.KickedDomain, group,
		[][]byte{[]byte("garbage")}, []types.AccountID{member.account})
	require.NoError(t, err)

	h := groups.NewRevokedMessageHandler(member.mgr)
	err = h.HandleRevokedMessage(context.Background(), group, swarm.RetrievedMessage{Hash: "bad", Data: blob})
	require.Error(t, err)
}
