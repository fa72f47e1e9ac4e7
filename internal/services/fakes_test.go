package services

import (
	"context"
	"sync"
	"time"

	"github.com/booali/atc-api/internal/database"
)

type memStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case string:
		m.values[key] = v
	case []byte:
		m.values[key] = string(v)
	default:
		m.values[key] = "?"
	}
	m.ttls[key] = expiration
	return nil
}

func (m *memStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", database.ErrCacheMiss
	}
	return v, nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

type publishCall struct {
	channel string
	message interface{}
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{channel: channel, message: message})
	return nil
}

type grantCall struct {
	userID string
	amount int
	reason string
	key    string
}

// fakeLedger dedupes by key the way the credit_ledger unique index does
type fakeLedger struct {
	mu     sync.Mutex
	seen   map[string]bool
	grants []grantCall
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: map[string]bool{}}
}

func (l *fakeLedger) Grant(_ context.Context, userID string, amount int, reason, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if key != "" && l.seen[key] {
		return false, nil
	}
	l.seen[key] = true
	l.grants = append(l.grants, grantCall{userID: userID, amount: amount, reason: reason, key: key})
	return true, nil
}

func (l *fakeLedger) total(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := 0
	for _, g := range l.grants {
		if g.userID == userID {
			sum += g.amount
		}
	}
	return sum
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) add(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) NotifyBarterProposal(_ context.Context, userID, proposerName, _ string) {
	n.add("proposal:" + userID + ":" + proposerName)
}

func (n *fakeNotifier) NotifyBarterAccepted(_ context.Context, userID, accepterName, _ string) {
	n.add("barter_accepted:" + userID + ":" + accepterName)
}

func (n *fakeNotifier) NotifyFriendRequestAccepted(_ context.Context, userID, accepterName string) {
	n.add("friend_accepted:" + userID + ":" + accepterName)
}

func (n *fakeNotifier) NotifyNewMessage(_ context.Context, userID, _, senderName, chatID, _ string) {
	n.add("message:" + userID + ":" + senderName + ":" + chatID)
}
