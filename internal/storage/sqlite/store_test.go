package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLastMessageHashes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	account := types.AccountID("03" + "aa")

	hash, err := store.LastMessageHash(ctx, "node1", account, types.NamespaceGroupMessages)
	require.NoError(t, err)
	assert.Empty(t, hash, "unset cursor reads as empty")

	require.NoError(t, store.SetLastMessageHash(ctx, "node1", account, types.NamespaceGroupMessages, "h1"))
	require.NoError(t, store.SetLastMessageHash(ctx, "node1", account, types.NamespaceGroupMessages, "h2"))
	require.NoError(t, store.SetLastMessageHash(ctx, "node2", account, types.NamespaceGroupMessages, "other"))

	hash, err = store.LastMessageHash(ctx, "node1", account, types.NamespaceGroupMessages)
	require.NoError(t, err)
	assert.Equal(t, "h2", hash, "upsert keeps the latest hash")

	require.NoError(t, store.ClearLastMessageHashes(ctx, account))
	hash, err = store.LastMessageHash(ctx, "node2", account, types.NamespaceGroupMessages)
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestMarkMessagesReceived(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	account := types.AccountID("03" + "bb")

	fresh, err := store.MarkMessagesReceived(ctx, account, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, fresh)

	fresh, err = store.MarkMessagesReceived(ctx, account, []string{"b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, fresh, "only unseen hashes come back")

	other := types.AccountID("03" + "cc")
	fresh, err = store.MarkMessagesReceived(ctx, other, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, fresh, "dedupe is per account")

	require.NoError(t, store.ClearReceivedHashes(ctx, account))
	fresh, err = store.MarkMessagesReceived(ctx, account, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, fresh)
}

func TestInviteRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group := types.AccountID("03" + "dd")

	_, err := store.GetInviteRecord(ctx, group)
	require.ErrorIs(t, err, storage.ErrNotFound)

	rec := storage.InviteRecord{
		Group:       group,
		Inviter:     types.AccountID("05" + "ee"),
		MessageHash: "invite-hash",
		InvitedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveInviteRecord(ctx, rec))

	got, err := store.GetInviteRecord(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, store.DeleteInviteRecord(ctx, group))
	_, err = store.GetInviteRecord(ctx, group)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGroupInfoMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group := types.AccountID("03" + "ff")
	sender := types.AccountID("05" + "11")

	msgs := []storage.GroupInfoMessage{
		{Group: group, Kind: storage.InfoKindInvited, Sender: sender, Body: "invited", SentAt: time.Now().UTC().Truncate(time.Second)},
		{Group: group, Kind: storage.InfoKindMemberLeft, Sender: sender, Body: "left", SentAt: time.Now().UTC().Truncate(time.Second)},
	}
	for _, msg := range msgs {
		require.NoError(t, store.InsertGroupInfoMessage(ctx, msg))
	}

	got, err := store.GroupInfoMessages(ctx, group)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, msgs[0], got[0], "insertion order preserved")

	require.NoError(t, store.DeleteGroupInfoMessages(ctx, group, storage.InfoKindInvited))
	got, err = store.GroupInfoMessages(ctx, group)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, storage.InfoKindMemberLeft, got[0].Kind)
}
