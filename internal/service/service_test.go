package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"vetlink/internal/config"
	"vetlink/internal/db"
	"vetlink/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// testDB connects to the local test database, skipping when unavailable.
func testDB(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=vetlink port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	store := &memStore{objects: map[string][]byte{}}
	sink := &memSink{}
	cfg := config.Config{JWTSecret: "secret", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	return &testEnv{
		db:       gdb,
		users:    NewUserService(gdb, store, cfg),
		convs:    NewConversationService(gdb, store, sink),
		msgs:     NewMessageService(gdb, store, sink),
		presence: NewPresenceService(gdb, sink),
		pulses:   NewPulseService(gdb, store, sink),
		store:    store,
		sink:     sink,
	}
}

type testEnv struct {
	db       *gorm.DB
	users    *UserService
	convs    *ConversationService
	msgs     *MessageService
	presence *PresenceService
	pulses   *PulseService
	store    *memStore
	sink     *memSink
}

// newUser registers a throwaway account with a unique email.
func (e *testEnv) newUser(t *testing.T, role string) *models.User {
	t.Helper()
	u, _, err := e.users.Register(context.Background(), RegisterInput{
		Email:    fmt.Sprintf("%s@test.local", uuid.NewString()),
		Password: "longenough",
		FullName: "Test " + role,
		Role:     role,
	})
	if err != nil {
		t.Fatalf("register %s: %v", role, err)
	}
	return u
}

// memStore is an in-memory ObjectStore. failNext forces the next upload to error.
type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failNext bool
}

func (m *memStore) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return "", errors.New("forced upload failure")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.objects[key] = b
	return "https://cdn.test/" + key, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// memSink records published events per recipient.
type memSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	userIDs []string
	payload interface{}
}

func (m *memSink) SendToUsers(userIDs []string, v interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, sinkEvent{userIDs: userIDs, payload: v})
}

func (m *memSink) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
