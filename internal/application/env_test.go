package application

import (
	"sync"
	"testing"
	"time"

	"github.com/EthanQC/realtime/internal/adapters/out/memory"
	"github.com/EthanQC/realtime/internal/domain/entity"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	alice   uint64 = 1
	bob     uint64 = 2
	mallory uint64 = 3

	convAB uint64 = 10
)

type testEnv struct {
	clock     *fakeClock
	hub       *memory.Hub
	calls     *memory.CallRepository
	convs     *memory.ConversationRepository
	presence  *memory.PresenceRepository
	users     *memory.UserDirectory
	chatLog   *memory.ChatLog
	rooms     *memory.RoomProvider
	queue     *memory.TeardownQueue
	gateway   *PubSubGateway
	roomMgr   *RoomManager
	signaling *SignalingUseCaseImpl
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:    newFakeClock(),
		hub:      memory.NewHub(),
		calls:    memory.NewCallRepository(),
		convs:    memory.NewConversationRepository(),
		presence: memory.NewPresenceRepository(),
		users:    memory.NewUserDirectory(),
		chatLog:  memory.NewChatLog(),
		rooms:    memory.NewRoomProvider(0),
		queue:    memory.NewTeardownQueue(16),
	}
	env.convs.Put(&entity.Conversation{ID: convAB, ParticipantIDs: []uint64{alice, bob}})
	env.users.Put(entity.UserProfile{ID: alice, Name: "Alice", Image: "https://img.example/alice.png"})
	env.users.Put(entity.UserProfile{ID: bob, Name: "Bob"})

	env.gateway = NewPubSubGateway(env.hub, env.convs, time.Second)
	env.roomMgr = NewRoomManager(RoomConfig{
		Timeout:     time.Second,
		MaxAttempts: 3,
		Backoff:     time.Second,
		Clock:       env.clock.Now,
	}, env.rooms, env.queue)
	env.signaling = NewSignalingUseCase(SignalingConfig{
		RingTimeout:       60 * time.Second,
		DurationTolerance: 2 * time.Second,
		Clock:             env.clock.Now,
	}, env.calls, env.convs, env.users, env.chatLog, env.roomMgr, env.gateway)

	t.Cleanup(func() {
		env.signaling.Close()
		_ = env.queue.Close()
	})
	return env
}
