package bridge

import (
	"errors"
	"testing"

	"chatstack.local/projects/agent-bridge/internal/event"
)

func TestCreateUserEmitterIsPerUserSingleton(t *testing.T) {
	pool := NewConnectionPool(testLogger(), 5)
	factory := NewFactory(testLogger(), pool)

	a, err := factory.CreateUserEmitter("u1", "sess1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := factory.CreateUserEmitter("u1", "sess1", nil)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if a != b {
		t.Fatalf("expected one emitter per user")
	}
	if factory.ActiveEmitterCount() != 1 {
		t.Fatalf("expected 1 registered emitter, got %d", factory.ActiveEmitterCount())
	}
}

func TestCreateUserEmitterBindsSocket(t *testing.T) {
	pool := NewConnectionPool(testLogger(), 5)
	factory := NewFactory(testLogger(), pool)

	sock := &fakeSocket{}
	emitter, err := factory.CreateUserEmitter("u1", "sess1", sock)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if emitter.ConnectionID() == "" {
		t.Fatalf("emitter not bound to the registered connection")
	}
	if got := pool.ActiveConnections("u1"); len(got) != 1 || got[0] != emitter.ConnectionID() {
		t.Fatalf("pool registration mismatch: %v", got)
	}
}

func TestCreateUserEmitterSurvivesPoolRejection(t *testing.T) {
	pool := NewConnectionPool(testLogger(), 1)
	factory := NewFactory(testLogger(), pool)
	_, _ = factory.CreateUserEmitter("u1", "sess1", &fakeSocket{})

	emitter, err := factory.CreateUserEmitter("u1", "sess2", &fakeSocket{})
	if !errors.Is(err, ErrConnectionLimit) {
		t.Fatalf("expected connection limit error, got %v", err)
	}
	if emitter == nil {
		t.Fatalf("expected a usable emitter despite the rejection")
	}
	// The emitter still buffers events for the surviving connection.
	if !emitter.QueueEvent(event.New(event.TypeAgentThinking)) {
		t.Fatalf("rejected create left the emitter unusable")
	}
}

func TestRemoveUserEmitter(t *testing.T) {
	pool := NewConnectionPool(testLogger(), 5)
	factory := NewFactory(testLogger(), pool)
	sock := &fakeSocket{}
	emitter, _ := factory.CreateUserEmitter("u1", "sess1", sock)

	if !factory.RemoveUserEmitter("u1") {
		t.Fatalf("expected removal to succeed")
	}
	if emitter.IsActive() {
		t.Fatalf("removed emitter still active")
	}
	if !sock.isClosed() {
		t.Fatalf("pool connection survived emitter removal")
	}
	if _, ok := factory.GetUserEmitter("u1"); ok {
		t.Fatalf("emitter still registered after removal")
	}
	if factory.RemoveUserEmitter("u1") {
		t.Fatalf("second removal reported success")
	}
}

func TestFactoryBroadcastToUser(t *testing.T) {
	pool := NewConnectionPool(testLogger(), 5)
	factory := NewFactory(testLogger(), pool)
	sock := &fakeSocket{}
	_, _ = factory.CreateUserEmitter("u1", "sess1", sock)

	if !factory.BroadcastToUser("u1", event.New(event.TypeAgentCompleted)) {
		t.Fatalf("broadcast failed")
	}
	if got := sock.received(); len(got) != 1 || got[0]["type"] != string(event.TypeAgentCompleted) {
		t.Fatalf("unexpected payloads: %v", got)
	}

	if factory.BroadcastToUser("ghost", event.New(event.TypePing)) {
		t.Fatalf("broadcast to unknown user reported success")
	}
}

func TestCleanupInactiveEmitters(t *testing.T) {
	pool := NewConnectionPool(testLogger(), 5)
	factory := NewFactory(testLogger(), pool)

	dead, _ := factory.CreateUserEmitter("gone", "sess1", &fakeSocket{})
	dead.Deactivate()
	live, _ := factory.CreateUserEmitter("here", "sess2", &fakeSocket{})

	if removed := factory.CleanupInactiveEmitters(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := factory.GetUserEmitter("gone"); ok {
		t.Fatalf("deactivated emitter survived cleanup")
	}
	if _, ok := factory.GetUserEmitter("here"); !ok {
		t.Fatalf("active emitter was swept away")
	}
	if !live.IsActive() {
		t.Fatalf("cleanup deactivated a live emitter")
	}
}

func TestCleanupSweepsStaleBindingButKeepsDetached(t *testing.T) {
	pool := NewConnectionPool(testLogger(), 5)
	factory := NewFactory(testLogger(), pool)

	// Stale: still bound to a connection the pool no longer has.
	staleSock := &fakeSocket{}
	stale, _ := factory.CreateUserEmitter("stale", "sess1", staleSock)
	pool.RemoveConnection("stale", stale.ConnectionID())

	// Detached cleanly on disconnect: eligible to rebind on reconnect.
	detachedSock := &fakeSocket{}
	detached, _ := factory.CreateUserEmitter("detached", "sess2", detachedSock)
	pool.RemoveConnection("detached", detached.ConnectionID())
	detached.ClearConnectionID()

	if removed := factory.CleanupInactiveEmitters(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := factory.GetUserEmitter("stale"); ok {
		t.Fatalf("stale-bound emitter survived cleanup")
	}
	if _, ok := factory.GetUserEmitter("detached"); !ok {
		t.Fatalf("cleanly detached emitter was swept; it must stay for reconnect")
	}
	if !detached.IsActive() {
		t.Fatalf("retained emitter was deactivated")
	}

	// The retained emitter still serves a reconnecting user.
	sock := &fakeSocket{}
	connectionID, err := pool.AddConnection("detached", sock)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	detached.SetConnectionID(connectionID)
	if !detached.Emit(event.New(event.TypeAgentCompleted), PriorityHigh) {
		t.Fatalf("retained emitter could not deliver after reconnect")
	}
}
