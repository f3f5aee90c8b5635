package config

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/relves/swarmsync/pkg/types"
)

const subAccountTokenDomain = "swarmsync.subaccount"

type memberState struct {
	member    Member
	updatedAt time.Time
}

type groupState struct {
	adminKey ed25519.PrivateKey

	info    Info
	infoTS  time.Time
	members map[types.AccountID]memberState
	keys    []keyEntryPayload

	applied map[types.Namespace]map[string]struct{}
	current map[types.Namespace][]string
	dirty   map[types.Namespace]bool
	seq     map[types.Namespace]uint64
}

func newGroupState() *groupState {
	return &groupState{
		members: make(map[types.AccountID]memberState),
		applied: make(map[types.Namespace]map[string]struct{}),
		current: make(map[types.Namespace][]string),
		dirty:   make(map[types.Namespace]bool),
		seq:     make(map[types.Namespace]uint64),
	}
}

// Memory is the in-memory reference Store.
type Memory struct {
	mu       sync.Mutex
	local    types.AccountID
	records  map[types.AccountID]GroupRecord
	contacts map[types.AccountID]Contact
	convos   map[types.AccountID]ConvoVolatile
	groups   map[types.AccountID]*groupState

	subs    map[int]chan UpdateEvent
	nextSub int
	pushed  chan struct{}

	// Now supplies merge timestamps. Defaults to time.Now.
	Now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store owned by the given local account.
func NewMemory(local types.AccountID) *Memory {
	return &Memory{
		local:    local,
		records:  make(map[types.AccountID]GroupRecord),
		contacts: make(map[types.AccountID]Contact),
		convos:   make(map[types.AccountID]ConvoVolatile),
		groups:   make(map[types.AccountID]*groupState),
		subs:     make(map[int]chan UpdateEvent),
		pushed:   make(chan struct{}),
		Now:      time.Now,
	}
}

func (m *Memory) GetGroup(id types.AccountID) (GroupRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.records[id]
	return g, ok
}

func (m *Memory) SetGroup(g GroupRecord) {
	m.mu.Lock()
	m.records[g.ID] = g
	m.emit(UpdateEvent{Kind: UserConfigsChanged})
	m.mu.Unlock()
}

func (m *Memory) EraseGroup(id types.AccountID) {
	m.mu.Lock()
	delete(m.records, id)
	m.emit(UpdateEvent{Kind: UserConfigsChanged})
	m.mu.Unlock()
}

func (m *Memory) AllGroups() []GroupRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GroupRecord, 0, len(m.records))
	for _, g := range m.records {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) GetContact(id types.AccountID) (Contact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	return c, ok
}

func (m *Memory) SetContact(c Contact) {
	m.mu.Lock()
	m.contacts[c.ID] = c
	m.emit(UpdateEvent{Kind: UserConfigsChanged})
	m.mu.Unlock()
}

func (m *Memory) SetConvoVolatile(v ConvoVolatile) {
	m.mu.Lock()
	m.convos[v.ID] = v
	m.emit(UpdateEvent{Kind: UserConfigsChanged})
	m.mu.Unlock()
}

func (m *Memory) EraseConvoVolatile(id types.AccountID) {
	m.mu.Lock()
	delete(m.convos, id)
	m.emit(UpdateEvent{Kind: UserConfigsChanged})
	m.mu.Unlock()
}

func (m *Memory) CreateGroupConfigs(id types.AccountID, adminKey ed25519.PrivateKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; ok {
		return fmt.Errorf("config: group %s already has configs", id)
	}
	st := newGroupState()
	st.adminKey = adminKey
	st.infoTS = m.Now()
	if err := m.rekeyLocked(st); err != nil {
		return err
	}
	m.markDirty(st, types.NamespaceGroupInfo)
	m.markDirty(st, types.NamespaceGroupMembers)
	m.groups[id] = st
	m.emit(UpdateEvent{Kind: GroupConfigsChanged, Group: id})
	return nil
}

func (m *Memory) DeleteGroupConfigs(id types.AccountID) {
	m.mu.Lock()
	delete(m.groups, id)
	m.broadcastPush()
	m.emit(UpdateEvent{Kind: GroupConfigsChanged, Group: id})
	m.mu.Unlock()
}

func (m *Memory) HasGroupConfigs(id types.AccountID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.groups[id]
	return ok
}

func (m *Memory) WithGroupConfigs(id types.AccountID, fn func(GroupView) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return fn(&groupView{m: m, id: id, st: st})
}

func (m *Memory) WithMutableGroupConfigs(id types.AccountID, fn func(GroupMutable) error) error {
	m.mu.Lock()
	st, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	v := &groupView{m: m, id: id, st: st, mutable: true}
	err := fn(v)
	changed := v.changed
	if changed {
		m.emit(UpdateEvent{Kind: GroupConfigsChanged, Group: id})
	}
	m.mu.Unlock()
	return err
}

func (m *Memory) MergeGroupConfigMessages(id types.AccountID, keys, info, members []types.ConfigMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.groups[id]
	if !ok {
		// First configs of a freshly joined group arrive by merge.
		st = newGroupState()
		m.groups[id] = st
	}

	changed := false
	for _, msg := range keys {
		applied, err := m.mergeOne(st, types.NamespaceGroupKeys, msg, m.mergeKeys)
		if err != nil {
			return err
		}
		changed = changed || applied
	}
	for _, msg := range info {
		applied, err := m.mergeOne(st, types.NamespaceGroupInfo, msg, m.mergeInfo)
		if err != nil {
			return err
		}
		changed = changed || applied
	}
	for _, msg := range members {
		applied, err := m.mergeOne(st, types.NamespaceGroupMembers, msg, m.mergeMembers)
		if err != nil {
			return err
		}
		changed = changed || applied
	}

	if changed {
		m.emit(UpdateEvent{Kind: GroupConfigsChanged, Group: id})
	}
	return nil
}

func (m *Memory) mergeOne(st *groupState, ns types.Namespace, msg types.ConfigMessage, merge func(*groupState, types.ConfigMessage) error) (bool, error) {
	if _, seen := st.applied[ns][msg.Hash]; seen {
		return false, nil
	}
	if err := merge(st, msg); err != nil {
		return false, fmt.Errorf("merging %s message %s: %w", ns, msg.Hash, err)
	}
	if st.applied[ns] == nil {
		st.applied[ns] = make(map[string]struct{})
	}
	st.applied[ns][msg.Hash] = struct{}{}
	st.current[ns] = append(st.current[ns], msg.Hash)
	return true, nil
}

func (m *Memory) mergeKeys(st *groupState, msg types.ConfigMessage) error {
	var p keysPayload
	if err := cborDec.Unmarshal(msg.Data, &p); err != nil {
		return err
	}
	for _, entry := range p.Entries {
		idx := -1
		for i, existing := range st.keys {
			if existing.Generation == entry.Generation {
				idx = i
				break
			}
		}
		if idx < 0 {
			st.keys = append(st.keys, entry)
			continue
		}
		// Same generation seen again: union the reader sets.
		for _, r := range entry.Readers {
			if !containsAccount(st.keys[idx].Readers, r) {
				st.keys[idx].Readers = append(st.keys[idx].Readers, r)
			}
		}
	}
	sort.Slice(st.keys, func(i, j int) bool { return st.keys[i].Generation < st.keys[j].Generation })
	return nil
}

func (m *Memory) mergeInfo(st *groupState, msg types.ConfigMessage) error {
	var p infoPayload
	if err := cborDec.Unmarshal(msg.Data, &p); err != nil {
		return err
	}
	if !p.UpdatedAt.After(st.infoTS) {
		// Older snapshot loses, but destruction is one-way.
		if p.Destroyed {
			st.info.Destroyed = true
		}
		return nil
	}
	destroyed := st.info.Destroyed || p.Destroyed
	st.info = Info{
		Name:         p.Name,
		Description:  p.Description,
		ExpiryTimer:  time.Duration(p.ExpiryTimer) * time.Millisecond,
		DeleteBefore: time.UnixMilli(p.DeleteBefore),
		Destroyed:    destroyed,
	}
	if p.DeleteBefore == 0 {
		st.info.DeleteBefore = time.Time{}
	}
	st.infoTS = p.UpdatedAt
	return nil
}

func (m *Memory) mergeMembers(st *groupState, msg types.ConfigMessage) error {
	var p membersPayload
	if err := cborDec.Unmarshal(msg.Data, &p); err != nil {
		return err
	}
	for _, entry := range p.Entries {
		incoming := memberState{member: entry.member(), updatedAt: entry.UpdatedAt}
		existing, ok := st.members[entry.ID]
		if !ok {
			st.members[entry.ID] = incoming
			continue
		}
		if !incoming.updatedAt.After(existing.updatedAt) {
			// Stale entry, but a removal it carries still sticks.
			if incoming.member.IsRemoved() && !existing.member.IsRemoved() {
				existing.member.Removal = incoming.member.Removal
				st.members[entry.ID] = existing
			}
			continue
		}
		// Removal never yields to a newer entry that merely lacks it;
		// only an explicit re-invite clears the flag.
		if existing.member.IsRemoved() && !incoming.member.IsRemoved() &&
			incoming.member.Invite == InviteNotSent {
			incoming.member.Removal = existing.member.Removal
		}
		st.members[entry.ID] = incoming
	}
	return nil
}

func (m *Memory) CurrentHashes(id types.AccountID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[id]
	if !ok {
		return nil
	}
	var out []string
	for _, ns := range types.GroupConfigNamespaces() {
		out = append(out, st.current[ns]...)
	}
	return out
}

func (m *Memory) PendingPush(id types.AccountID) ([]PendingPush, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}

	var out []PendingPush
	for _, ns := range types.GroupConfigNamespaces() {
		if !st.dirty[ns] {
			continue
		}
		data, err := m.snapshot(st, ns)
		if err != nil {
			return nil, fmt.Errorf("serializing %s: %w", ns, err)
		}
		out = append(out, PendingPush{Namespace: ns, Seq: st.seq[ns], Data: data})
	}
	return out, nil
}

func (m *Memory) snapshot(st *groupState, ns types.Namespace) ([]byte, error) {
	switch ns {
	case types.NamespaceGroupKeys:
		return cborEnc.Marshal(keysPayload{Entries: st.keys})
	case types.NamespaceGroupInfo:
		var deleteBefore int64
		if !st.info.DeleteBefore.IsZero() {
			deleteBefore = st.info.DeleteBefore.UnixMilli()
		}
		return cborEnc.Marshal(infoPayload{
			Name:         st.info.Name,
			Description:  st.info.Description,
			ExpiryTimer:  st.info.ExpiryTimer.Milliseconds(),
			DeleteBefore: deleteBefore,
			Destroyed:    st.info.Destroyed,
			UpdatedAt:    st.infoTS,
		})
	case types.NamespaceGroupMembers:
		entries := make([]memberEntryPayload, 0, len(st.members))
		for _, ms := range st.members {
			entries = append(entries, memberEntry(ms.member, ms.updatedAt))
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		return cborEnc.Marshal(membersPayload{Entries: entries})
	default:
		return nil, fmt.Errorf("config: namespace %s is not a group config namespace", ns)
	}
}

func (m *Memory) ConfirmPushed(id types.AccountID, namespace types.Namespace, seq uint64, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[id]
	if !ok {
		return
	}
	if st.seq[namespace] == seq {
		st.dirty[namespace] = false
		m.broadcastPush()
	}
	if st.applied[namespace] == nil {
		st.applied[namespace] = make(map[string]struct{})
	}
	// Our own pushed message will come back on the next poll; record it
	// as applied so the merge skips it.
	if _, seen := st.applied[namespace][hash]; !seen {
		st.applied[namespace][hash] = struct{}{}
		st.current[namespace] = append(st.current[namespace], hash)
	}
}

func (m *Memory) IsPushed(id types.AccountID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[id]
	if !ok {
		return true
	}
	for _, dirty := range st.dirty {
		if dirty {
			return false
		}
	}
	return true
}

func (m *Memory) WaitForPush(ctx context.Context, id types.AccountID) error {
	for {
		m.mu.Lock()
		done := true
		if st, ok := m.groups[id]; ok {
			for _, dirty := range st.dirty {
				if dirty {
					done = false
					break
				}
			}
		}
		ch := m.pushed
		m.mu.Unlock()

		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (m *Memory) SubscribeUpdates(ctx context.Context) <-chan UpdateEvent {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan UpdateEvent, 16)
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// emit delivers an event to every subscriber, dropping it for any
// subscriber whose buffer is full. Callers hold m.mu.
func (m *Memory) emit(ev UpdateEvent) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// broadcastPush wakes all WaitForPush callers. Callers hold m.mu.
func (m *Memory) broadcastPush() {
	close(m.pushed)
	m.pushed = make(chan struct{})
}

func (m *Memory) markDirty(st *groupState, ns types.Namespace) {
	st.dirty[ns] = true
	st.seq[ns]++
}

func (m *Memory) rekeyLocked(st *groupState) error {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generating group key: %w", err)
	}
	gen := 0
	if n := len(st.keys); n > 0 {
		gen = st.keys[n-1].Generation + 1
	}
	readers := []types.AccountID{m.local}
	for id, ms := range st.members {
		if !ms.member.IsRemoved() && id != m.local {
			readers = append(readers, id)
		}
	}
	sort.Slice(readers, func(i, j int) bool { return readers[i] < readers[j] })
	st.keys = append(st.keys, keyEntryPayload{Generation: gen, Key: key, Readers: readers})
	m.markDirty(st, types.NamespaceGroupKeys)
	return nil
}

func containsAccount(ids []types.AccountID, id types.AccountID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// groupView implements GroupView and GroupMutable over one group's
// state. It is only valid while the store lock is held, i.e. inside
// the With*GroupConfigs callback.
type groupView struct {
	m       *Memory
	id      types.AccountID
	st      *groupState
	mutable bool
	changed bool
}

func (v *groupView) Info() Info {
	return v.st.info
}

func (v *groupView) Members() []Member {
	out := make([]Member, 0, len(v.st.members))
	for _, ms := range v.st.members {
		out = append(out, ms.member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *groupView) Member(id types.AccountID) (Member, bool) {
	ms, ok := v.st.members[id]
	return ms.member, ok
}

func (v *groupView) usableKeys() []keyEntryPayload {
	if v.st.adminKey != nil {
		return v.st.keys
	}
	var out []keyEntryPayload
	for _, k := range v.st.keys {
		if containsAccount(k.Readers, v.m.local) {
			out = append(out, k)
		}
	}
	return out
}

func (v *groupView) KeyGeneration() int {
	keys := v.usableKeys()
	if len(keys) == 0 {
		return -1
	}
	return keys[len(keys)-1].Generation
}

func (v *groupView) UsableKeyCount() int {
	return len(v.usableKeys())
}

func (v *groupView) SubAccountToken(id types.AccountID) ([]byte, error) {
	if v.st.adminKey == nil {
		return nil, ErrNotAdmin
	}
	return deriveSubAccountToken(v.id, id), nil
}

func (v *groupView) SupplementFor(ids []types.AccountID) ([]byte, error) {
	if v.st.adminKey == nil {
		return nil, ErrNotAdmin
	}
	entries := make([]keyEntryPayload, len(v.st.keys))
	for i, k := range v.st.keys {
		entries[i] = keyEntryPayload{Generation: k.Generation, Key: k.Key, Readers: ids}
	}
	return cborEnc.Marshal(keysPayload{Supplement: true, Entries: entries})
}

func (v *groupView) Encrypt(plaintext []byte, sender types.AccountID) ([]byte, error) {
	keys := v.usableKeys()
	if len(keys) == 0 {
		return nil, ErrNoUsableKey
	}
	newest := keys[len(keys)-1]
	return sealMessage(newest.Key, newest.Generation, sender, plaintext)
}

func (v *groupView) Decrypt(data []byte) ([]byte, types.AccountID, error) {
	var msg sealedMessage
	if err := cborDec.Unmarshal(data, &msg); err != nil {
		return nil, "", fmt.Errorf("decoding envelope: %w", err)
	}
	for _, k := range v.usableKeys() {
		if k.Generation != msg.Generation {
			continue
		}
		pt, err := openMessage(k.Key, msg)
		if err != nil {
			return nil, "", err
		}
		return pt, msg.Sender, nil
	}
	return nil, "", fmt.Errorf("%w: generation %d", ErrNoUsableKey, msg.Generation)
}

func (v *groupView) SetName(name string) {
	v.st.info.Name = name
	v.infoChanged()
}

func (v *groupView) SetDescription(desc string) {
	v.st.info.Description = desc
	v.infoChanged()
}

func (v *groupView) SetExpiryTimer(d time.Duration) {
	v.st.info.ExpiryTimer = d
	v.infoChanged()
}

func (v *groupView) SetDeleteBefore(t time.Time) {
	v.st.info.DeleteBefore = t
	v.infoChanged()
}

func (v *groupView) SetDestroyed() {
	v.st.info.Destroyed = true
	v.infoChanged()
}

func (v *groupView) infoChanged() {
	v.st.infoTS = v.m.Now()
	v.m.markDirty(v.st, types.NamespaceGroupInfo)
	v.changed = true
}

func (v *groupView) SetMember(mem Member) {
	v.st.members[mem.ID] = memberState{member: mem, updatedAt: v.m.Now()}
	v.m.markDirty(v.st, types.NamespaceGroupMembers)
	v.changed = true
}

func (v *groupView) EraseMember(id types.AccountID) {
	delete(v.st.members, id)
	v.m.markDirty(v.st, types.NamespaceGroupMembers)
	v.changed = true
}

func (v *groupView) Rekey() error {
	if v.st.adminKey == nil {
		return ErrNotAdmin
	}
	if err := v.m.rekeyLocked(v.st); err != nil {
		return err
	}
	v.changed = true
	return nil
}

func (v *groupView) LoadAdminKey(seed []byte) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("config: admin key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	if !v.id.MatchesPubKey(key.Public().(ed25519.PublicKey)) {
		return fmt.Errorf("config: admin key does not match group %s", v.id)
	}
	v.st.adminKey = key
	v.changed = true
	return nil
}

func deriveSubAccountToken(group, member types.AccountID) []byte {
	h := sha256.New()
	h.Write([]byte(subAccountTokenDomain))
	h.Write([]byte(group))
	h.Write([]byte(member))
	return h.Sum(nil)
}
