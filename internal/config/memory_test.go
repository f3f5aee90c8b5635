package config

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmsync/pkg/types"
)

func newTestAccount(t *testing.T, prefix byte) (types.AccountID, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return types.NewAccountID(prefix, pub), priv
}

func keysMessage(t *testing.T, hash string, entries ...keyEntryPayload) types.ConfigMessage {
	t.Helper()
	data, err := cborEnc.Marshal(keysPayload{Entries: entries})
	require.NoError(t, err)
	return types.ConfigMessage{Hash: hash, Data: data, Timestamp: time.Now()}
}

func membersMessage(t *testing.T, hash string, entries ...memberEntryPayload) types.ConfigMessage {
	t.Helper()
	data, err := cborEnc.Marshal(membersPayload{Entries: entries})
	require.NoError(t, err)
	return types.ConfigMessage{Hash: hash, Data: data, Timestamp: time.Now()}
}

func infoMessage(t *testing.T, hash string, p infoPayload) types.ConfigMessage {
	t.Helper()
	data, err := cborEnc.Marshal(p)
	require.NoError(t, err)
	return types.ConfigMessage{Hash: hash, Data: data, Timestamp: time.Now()}
}

func TestCreateGroupConfigs(t *testing.T) {
	local, _ := newTestAccount(t, types.PrefixUser)
	group, adminKey := newTestAccount(t, types.PrefixGroup)

	store := NewMemory(local)
	require.NoError(t, store.CreateGroupConfigs(group, adminKey))
	require.Error(t, store.CreateGroupConfigs(group, adminKey), "double create must fail")

	require.True(t, store.HasGroupConfigs(group))
	require.False(t, store.IsPushed(group), "fresh configs start dirty")

	pending, err := store.PendingPush(group)
	require.NoError(t, err)
	require.Len(t, pending, 3, "all three config namespaces pending")

	for _, p := range pending {
		store.ConfirmPushed(group, p.Namespace, p.Seq, "hash-"+p.Namespace.String())
	}
	assert.True(t, store.IsPushed(group))
	assert.Len(t, store.CurrentHashes(group), 3)

	err = store.WithGroupConfigs(group, func(v GroupView) error {
		assert.Equal(t, 0, v.KeyGeneration())
		assert.Equal(t, 1, v.UsableKeyCount())
		return nil
	})
	require.NoError(t, err)
}

func TestMergeIsIdempotent(t *testing.T) {
	local, _ := newTestAccount(t, types.PrefixUser)
	group, _ := newTestAccount(t, types.PrefixGroup)
	member, _ := newTestAccount(t, types.PrefixUser)

	store := NewMemory(local)
	msg := membersMessage(t, "m1", memberEntryPayload{
		ID: member, Name: "alice", Invite: int(InviteSent), UpdatedAt: time.Now(),
	})

	require.NoError(t, store.MergeGroupConfigMessages(group, nil, nil, []types.ConfigMessage{msg}))
	require.NoError(t, store.MergeGroupConfigMessages(group, nil, nil, []types.ConfigMessage{msg}))

	require.NoError(t, store.WithGroupConfigs(group, func(v GroupView) error {
		require.Len(t, v.Members(), 1)
		return nil
	}))
	assert.Len(t, store.CurrentHashes(group), 1, "re-merged hash recorded once")
}

func TestMemberRemovalIsMonotonic(t *testing.T) {
	local, _ := newTestAccount(t, types.PrefixUser)
	group, _ := newTestAccount(t, types.PrefixGroup)
	member, _ := newTestAccount(t, types.PrefixUser)

	base := time.Now()
	store := NewMemory(local)

	removed := membersMessage(t, "m-removed", memberEntryPayload{
		ID: member, Removal: int(Removed), UpdatedAt: base.Add(2 * time.Second),
	})
	require.NoError(t, store.MergeGroupConfigMessages(group, nil, nil, []types.ConfigMessage{removed}))

	t.Run("stale older entry cannot un-remove", func(t *testing.T) {
		stale := membersMessage(t, "m-stale", memberEntryPayload{
			ID: member, Invite: int(InviteAccepted), UpdatedAt: base.Add(time.Second),
		})
		require.NoError(t, store.MergeGroupConfigMessages(group, nil, nil, []types.ConfigMessage{stale}))
		require.NoError(t, store.WithGroupConfigs(group, func(v GroupView) error {
			m, ok := v.Member(member)
			require.True(t, ok)
			assert.True(t, m.IsRemoved())
			return nil
		}))
	})

	t.Run("newer entry without re-invite keeps removal", func(t *testing.T) {
		newer := membersMessage(t, "m-newer", memberEntryPayload{
			ID: member, Name: "alice", UpdatedAt: base.Add(3 * time.Second),
		})
		require.NoError(t, store.MergeGroupConfigMessages(group, nil, nil, []types.ConfigMessage{newer}))
		require.NoError(t, store.WithGroupConfigs(group, func(v GroupView) error {
			m, ok := v.Member(member)
			require.True(t, ok)
			assert.True(t, m.IsRemoved())
			assert.Equal(t, "alice", m.Name)
			return nil
		}))
	})

	t.Run("explicit re-invite clears removal", func(t *testing.T) {
		reinvite := membersMessage(t, "m-reinvite", memberEntryPayload{
			ID: member, Invite: int(InviteSending), UpdatedAt: base.Add(4 * time.Second),
		})
		require.NoError(t, store.MergeGroupConfigMessages(group, nil, nil, []types.ConfigMessage{reinvite}))
		require.NoError(t, store.WithGroupConfigs(group, func(v GroupView) error {
			m, ok := v.Member(member)
			require.True(t, ok)
			assert.False(t, m.IsRemoved())
			return nil
		}))
	})
}

func TestInfoMergeLastWriterWins(t *testing.T) {
	local, _ := newTestAccount(t, types.PrefixUser)
	group, _ := newTestAccount(t, types.PrefixGroup)

	base := time.Now()
	store := NewMemory(local)

	newer := infoMessage(t, "i-new", infoPayload{Name: "after", UpdatedAt: base.Add(time.Minute)})
	older := infoMessage(t, "i-old", infoPayload{Name: "before", Destroyed: true, UpdatedAt: base})

	require.NoError(t, store.MergeGroupConfigMessages(group, nil, []types.ConfigMessage{newer}, nil))
	require.NoError(t, store.MergeGroupConfigMessages(group, nil, []types.ConfigMessage{older}, nil))

	require.NoError(t, store.WithGroupConfigs(group, func(v GroupView) error {
		info := v.Info()
		assert.Equal(t, "after", info.Name, "older snapshot must not win")
		assert.True(t, info.Destroyed, "destruction is one-way even from a losing snapshot")
		return nil
	}))
}

func TestEncryptDecryptAcrossMembers(t *testing.T) {
	admin, _ := newTestAccount(t, types.PrefixUser)
	member, _ := newTestAccount(t, types.PrefixUser)
	outsider, _ := newTestAccount(t, types.PrefixUser)
	group, groupKey := newTestAccount(t, types.PrefixGroup)

	adminStore := NewMemory(admin)
	require.NoError(t, adminStore.CreateGroupConfigs(group, groupKey))
	require.NoError(t, adminStore.WithMutableGroupConfigs(group, func(mv GroupMutable) error {
		mv.SetMember(Member{ID: member, Invite: InviteSent})
		return mv.Rekey()
	}))

	var sealed []byte
	require.NoError(t, adminStore.WithGroupConfigs(group, func(v GroupView) error {
		var err error
		sealed, err = v.Encrypt([]byte("hello group"), admin)
		return err
	}))

	// The member learns the keys by merging the pushed Keys object.
	pending, err := adminStore.PendingPush(group)
	require.NoError(t, err)
	var keysData []byte
	for _, p := range pending {
		if p.Namespace == types.NamespaceGroupKeys {
			keysData = p.Data
		}
	}
	require.NotNil(t, keysData)

	memberStore := NewMemory(member)
	require.NoError(t, memberStore.MergeGroupConfigMessages(group,
		[]types.ConfigMessage{{Hash: "k1", Data: keysData, Timestamp: time.Now()}}, nil, nil))

	require.NoError(t, memberStore.WithGroupConfigs(group, func(v GroupView) error {
		pt, sender, err := v.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello group"), pt)
		assert.Equal(t, admin, sender)
		return nil
	}))

	outsiderStore := NewMemory(outsider)
	require.NoError(t, outsiderStore.MergeGroupConfigMessages(group,
		[]types.ConfigMessage{{Hash: "k1", Data: keysData, Timestamp: time.Now()}}, nil, nil))
	require.NoError(t, outsiderStore.WithGroupConfigs(group, func(v GroupView) error {
		assert.Equal(t, 0, v.UsableKeyCount(), "outsider is not a reader of any generation")
		_, _, err := v.Decrypt(sealed)
		assert.ErrorIs(t, err, ErrNoUsableKey)
		return nil
	}))
}

func TestWaitForPush(t *testing.T) {
	local, _ := newTestAccount(t, types.PrefixUser)
	group, groupKey := newTestAccount(t, types.PrefixGroup)

	store := NewMemory(local)
	require.NoError(t, store.CreateGroupConfigs(group, groupKey))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, store.WaitForPush(ctx, group), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- store.WaitForPush(context.Background(), group)
	}()

	pending, err := store.PendingPush(group)
	require.NoError(t, err)
	for _, p := range pending {
		store.ConfirmPushed(group, p.Namespace, p.Seq, "h-"+p.Namespace.String())
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForPush did not return after all namespaces were confirmed")
	}
}

func TestSubscribeUpdates(t *testing.T) {
	local, _ := newTestAccount(t, types.PrefixUser)
	group, _ := newTestAccount(t, types.PrefixGroup)

	store := NewMemory(local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := store.SubscribeUpdates(ctx)

	store.SetGroup(GroupRecord{ID: group, Name: "team"})

	select {
	case ev := <-updates:
		assert.Equal(t, UserConfigsChanged, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no update event after SetGroup")
	}

	member, _ := newTestAccount(t, types.PrefixUser)
	msg := membersMessage(t, "m1", memberEntryPayload{ID: member, UpdatedAt: time.Now()})
	require.NoError(t, store.MergeGroupConfigMessages(group, nil, nil, []types.ConfigMessage{msg}))

	select {
	case ev := <-updates:
		assert.Equal(t, GroupConfigsChanged, ev.Kind)
		assert.Equal(t, group, ev.Group)
	case <-time.After(5 * time.Second):
		t.Fatal("no update event after merge")
	}
}
