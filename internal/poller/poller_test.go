package poller_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/poller"
	"github.com/relves/swarmsync/internal/storage/sqlite"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/internal/swarm/swarmtest"
	"github.com/relves/swarmsync/pkg/types"
	"github.com/relves/swarmsync/pkg/watch"
)

type captureDispatcher struct {
	mu   sync.Mutex
	msgs map[types.AccountID][]poller.DecryptedMessage
}

func newCaptureDispatcher() *captureDispatcher {
	return &captureDispatcher{msgs: make(map[types.AccountID][]poller.DecryptedMessage)}
}

func (d *captureDispatcher) DispatchGroupMessages(ctx context.Context, group types.AccountID, msgs []poller.DecryptedMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs[group] = append(d.msgs[group], msgs...)
	return nil
}

func (d *captureDispatcher) messages(group types.AccountID) []poller.DecryptedMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]poller.DecryptedMessage(nil), d.msgs[group]...)
}

type captureRevoked struct {
	mu   sync.Mutex
	msgs []swarm.RetrievedMessage
}

func (r *captureRevoked) HandleRevokedMessage(ctx context.Context, group types.AccountID, msg swarm.RetrievedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *captureRevoked) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func newAccount(t *testing.T, prefix byte) (types.AccountID, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return types.NewAccountID(prefix, pub), priv
}

// pushConfigs uploads a group's dirty config objects, playing the role
// of the config pusher.
func pushConfigs(t *testing.T, sw *swarmtest.Swarm, store config.Store, group types.AccountID, auth swarm.Auth) {
	t.Helper()
	pending, err := store.PendingPush(group)
	require.NoError(t, err)
	node := sw.Nodes()[0]
	for _, p := range pending {
		resps, err := sw.SendBatch(context.Background(), node, group, auth, []swarm.Request{
			swarm.StoreRequest{Namespace: p.Namespace, Data: p.Data, TTL: poller.ConfigTTL},
		})
		require.NoError(t, err)
		require.NoError(t, resps[0].Err())
		store.ConfirmPushed(group, p.Namespace, p.Seq, resps[0].Hash)
	}
}

// fixture is an admin-side group plus a member-side poller over a
// shared in-memory swarm.
type fixture struct {
	sw         *swarmtest.Swarm
	group      types.AccountID
	adminID    types.AccountID
	adminKey   ed25519.PrivateKey
	adminStore *config.Memory
	adminAuth  swarm.Auth

	memberID    types.AccountID
	memberStore *config.Memory
	pollState   *sqlite.Store
	dispatcher  *captureDispatcher
	revoked     *captureRevoked
	visible     *watch.Value[bool]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sw:         swarmtest.New(3),
		dispatcher: newCaptureDispatcher(),
		revoked:    &captureRevoked{},
		visible:    watch.NewValue(false),
	}
	f.adminID, _ = newAccount(t, types.PrefixUser)
	f.memberID, _ = newAccount(t, types.PrefixUser)
	f.group, f.adminKey = newAccount(t, types.PrefixGroup)
	f.adminAuth = swarm.Auth{Account: f.group, AdminKey: f.adminKey}

	f.adminStore = config.NewMemory(f.adminID)
	require.NoError(t, f.adminStore.CreateGroupConfigs(f.group, f.adminKey))
	require.NoError(t, f.adminStore.WithMutableGroupConfigs(f.group, func(mv config.GroupMutable) error {
		mv.SetName("test group")
		mv.SetMember(config.Member{ID: f.memberID, Invite: config.InviteAccepted})
		return mv.Rekey()
	}))
	pushConfigs(t, f.sw, f.adminStore, f.group, f.adminAuth)

	var token []byte
	require.NoError(t, f.adminStore.WithGroupConfigs(f.group, func(v config.GroupView) error {
		var err error
		token, err = v.SubAccountToken(f.memberID)
		return err
	}))

	f.memberStore = config.NewMemory(f.memberID)
	f.memberStore.SetGroup(config.GroupRecord{ID: f.group, AuthData: token})

	var err error
	f.pollState, err = sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { f.pollState.Close() })
	return f
}

func (f *fixture) newPoller() *poller.GroupPoller {
	return poller.New(poller.Config{
		GroupID:      f.group,
		Store:        f.memberStore,
		Swarm:        f.sw,
		PollState:    f.pollState,
		Dispatcher:   f.dispatcher,
		Revoked:      f.revoked,
		AppVisible:   f.visible,
		PollInterval: 10 * time.Millisecond,
	})
}

func (f *fixture) runPoller(t *testing.T, p *poller.GroupPoller) (stop func(), done chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

// sealGroupMessage encrypts a message as the admin and stores it into
// the group's message namespace.
func (f *fixture) sealGroupMessage(t *testing.T, plaintext string) string {
	t.Helper()
	var sealed []byte
	require.NoError(t, f.adminStore.WithGroupConfigs(f.group, func(v config.GroupView) error {
		var err error
		sealed, err = v.Encrypt([]byte(plaintext), f.adminID)
		return err
	}))
	return f.sw.StoreMessage(f.group, types.NamespaceGroupMessages, sealed, time.Now())
}

func TestPollMergesConfigsAndDispatchesMessages(t *testing.T) {
	f := newFixture(t)
	f.sealGroupMessage(t, "hello member")

	p := f.newPoller()
	f.runPoller(t, p)

	res, err := p.RequestPollOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.NoError(t, f.memberStore.WithGroupConfigs(f.group, func(v config.GroupView) error {
		assert.Equal(t, "test group", v.Info().Name)
		assert.Equal(t, 1, v.UsableKeyCount())
		return nil
	}))

	msgs := f.dispatcher.messages(f.group)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello member"), msgs[0].Plaintext)
	assert.Equal(t, f.adminID, msgs[0].Sender)

	require.NotNil(t, res.GroupExpired)
	assert.False(t, *res.GroupExpired)
}

func TestPollDoesNotRedeliver(t *testing.T) {
	f := newFixture(t)
	f.sealGroupMessage(t, "once")

	p := f.newPoller()
	f.runPoller(t, p)

	for range 3 {
		res, err := p.RequestPollOnce(context.Background())
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}
	assert.Len(t, f.dispatcher.messages(f.group), 1, "cursor must advance past delivered messages")
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	f := newFixture(t)
	p := f.newPoller()
	f.runPoller(t, p)

	var wg sync.WaitGroup
	results := make([]poller.PollResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.RequestPollOnce(context.Background())
		}()
	}
	wg.Wait()
	for i, res := range results {
		require.NoError(t, errs[i])
		require.NoError(t, res.Err)
	}
}

func TestVisibilityDrivesAutomaticPolling(t *testing.T) {
	f := newFixture(t)
	p := f.newPoller()
	f.runPoller(t, p)

	stateCh := p.WatchState(t.Context())
	f.visible.Set(true)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-stateCh:
			if st.HadSuccessfulPoll {
				return
			}
		case <-deadline:
			t.Fatal("no successful automatic poll while visible")
		}
	}
}

func TestKickedGroupStopsPoller(t *testing.T) {
	f := newFixture(t)
	rec, ok := f.memberStore.GetGroup(f.group)
	require.True(t, ok)
	rec.Kicked = true
	f.memberStore.SetGroup(rec)

	p := f.newPoller()
	_, done := f.runPoller(t, p)

	res, err := p.RequestPollOnce(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, poller.ErrGroupKicked)
	assert.True(t, poller.IsNonRetryable(res.Err))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop after non-retryable failure")
	}
}

func TestRevokedMessagesHandledDespiteFailures(t *testing.T) {
	f := newFixture(t)
	f.sw.StoreMessage(f.group, types.NamespaceRevokedMessages, []byte("kick blob"), time.Now())

	// Every request except the revoked retrieval fails at the node.
	f.sw.Intercept = func(node swarm.Node, account types.AccountID, reqs []swarm.Request) ([]swarm.Response, error) {
		resps := make([]swarm.Response, len(reqs))
		for i, req := range reqs {
			r, ok := req.(swarm.RetrieveRequest)
			if !ok || r.Namespace != types.NamespaceRevokedMessages {
				resps[i] = swarm.Response{Code: 500, Body: "node melted"}
				continue
			}
			resps[i] = swarm.Response{Code: 200, Messages: f.sw.Messages(account, r.Namespace)}
		}
		return resps, nil
	}

	p := f.newPoller()
	f.runPoller(t, p)

	res, err := p.RequestPollOnce(context.Background())
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Equal(t, 1, f.revoked.count(), "revoked messages are processed even when the rest of the cycle fails")
}

func TestRetryableFailureSelectsNewNode(t *testing.T) {
	f := newFixture(t)

	// The first node contacted keeps failing with a transport-level
	// error that carries no status code.
	var (
		mu     sync.Mutex
		failed string
		used   = make(map[string]int)
	)
	f.sw.Intercept = func(node swarm.Node, account types.AccountID, reqs []swarm.Request) ([]swarm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if failed == "" {
			failed = node.PubKey
		}
		used[node.PubKey]++
		if node.PubKey == failed {
			return nil, errors.New("connection reset")
		}
		return nil, nil
	}

	p := f.newPoller()
	f.runPoller(t, p)

	res, err := p.RequestPollOnce(context.Background())
	require.NoError(t, err)
	require.Error(t, res.Err)

	res, err = p.RequestPollOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err, "second cycle must run against a different node")

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, used, 2, "the failing node must not be reused")
}

func TestGroupExpiredForNonReader(t *testing.T) {
	f := newFixture(t)

	// An account with valid auth but no key generation readable by it.
	outsiderID, _ := newAccount(t, types.PrefixUser)
	var token []byte
	require.NoError(t, f.adminStore.WithGroupConfigs(f.group, func(v config.GroupView) error {
		var err error
		token, err = v.SubAccountToken(outsiderID)
		return err
	}))
	outsiderStore := config.NewMemory(outsiderID)
	outsiderStore.SetGroup(config.GroupRecord{ID: f.group, AuthData: token})

	pollState, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { pollState.Close() })

	p := poller.New(poller.Config{
		GroupID:    f.group,
		Store:      outsiderStore,
		Swarm:      f.sw,
		PollState:  pollState,
		Dispatcher: newCaptureDispatcher(),
		Revoked:    &captureRevoked{},
		AppVisible: watch.NewValue(false),
	})
	f.runPoller(t, p)

	res, reqErr := p.RequestPollOnce(context.Background())
	require.NoError(t, reqErr)
	require.NoError(t, res.Err)
	require.NotNil(t, res.GroupExpired)
	assert.True(t, *res.GroupExpired)
}
