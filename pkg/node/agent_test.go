package node_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agenthands/chunknet/pkg/api"
	"github.com/agenthands/chunknet/pkg/chunkstore"
	"github.com/agenthands/chunknet/pkg/client"
	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/node"
)

// stubCoordinator mimics the coordinator's register/heartbeat surface and
// counts what arrives. Setting forget makes heartbeats 404 until the node
// re-registers, the way a restarted coordinator would.
type stubCoordinator struct {
	mu         sync.Mutex
	registers  int
	heartbeats int
	forget     bool

	lastRegister api.RegisterRequest
	lastBeat     api.HeartbeatRequest
}

func (s *stubCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/register", func(w http.ResponseWriter, r *http.Request) {
		var req api.RegisterRequest
		if err := api.ReadJSON(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
		s.mu.Lock()
		s.registers++
		s.forget = false
		s.lastRegister = req
		s.mu.Unlock()
		api.WriteJSON(w, http.StatusOK, api.RegisterResponse{Status: "registered"})
	})
	mux.HandleFunc("POST /v1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req api.HeartbeatRequest
		if err := api.ReadJSON(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
		s.mu.Lock()
		forget := s.forget
		if !forget {
			s.heartbeats++
			s.lastBeat = req
		}
		s.mu.Unlock()
		if forget {
			api.WriteError(w, core.ErrNotRegistered)
			return
		}
		api.WriteJSON(w, http.StatusOK, api.HeartbeatResponse{Status: "alive"})
	})
	return mux
}

func (s *stubCoordinator) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers, s.heartbeats
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newAgentFixture(t *testing.T) (*stubCoordinator, *node.Agent, *chunkstore.Store) {
	t.Helper()

	stub := &stubCoordinator{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	store, err := chunkstore.Open(chunkstore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	agent := node.NewAgent(core.NodeConfig{
		ID:                "node-1",
		AdvertiseAddr:     "localhost:9001",
		StorageBudget:     1 << 20,
		HeartbeatInterval: 20 * time.Millisecond,
	}, client.NewCoordinatorClient(srv.URL, time.Second), store, nil)

	return stub, agent, store
}

func TestAgent_RegistersAndHeartbeats(t *testing.T) {
	stub, agent, _ := newAgentFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	waitFor(t, "registration", func() bool {
		r, _ := stub.counts()
		return r >= 1
	})
	waitFor(t, "heartbeats", func() bool {
		_, h := stub.counts()
		return h >= 2
	})

	stub.mu.Lock()
	reg, beat := stub.lastRegister, stub.lastBeat
	stub.mu.Unlock()
	if reg.NodeID != "node-1" || reg.Address != "localhost:9001" {
		t.Errorf("unexpected registration: %+v", reg)
	}
	if reg.StorageAvailable != 1<<20 {
		t.Errorf("empty node must advertise its full budget, got %d", reg.StorageAvailable)
	}
	if beat.NodeID != "node-1" || beat.StorageAvailable == nil || beat.ChunkCount == nil {
		t.Errorf("heartbeat must carry stats: %+v", beat)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestAgent_ReregistersWhenForgotten(t *testing.T) {
	stub, agent, _ := newAgentFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()

	waitFor(t, "first heartbeat", func() bool {
		_, h := stub.counts()
		return h >= 1
	})

	// Simulate a coordinator restart: its in-memory registry is empty, so
	// heartbeats bounce until the node re-registers.
	stub.mu.Lock()
	stub.forget = true
	beatsAtRestart := stub.heartbeats
	stub.mu.Unlock()

	waitFor(t, "re-registration", func() bool {
		r, _ := stub.counts()
		return r >= 2
	})
	waitFor(t, "heartbeats after re-registration", func() bool {
		_, h := stub.counts()
		return h > beatsAtRestart
	})
}

func TestAgent_RetriesRegistrationUntilCoordinatorUp(t *testing.T) {
	// Point the agent at a dead address; Run must keep retrying rather
	// than give up, and must exit promptly on cancel.
	store, err := chunkstore.Open(chunkstore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	agent := node.NewAgent(core.NodeConfig{
		ID:                "node-1",
		AdvertiseAddr:     "localhost:9001",
		HeartbeatInterval: 20 * time.Millisecond,
	}, client.NewCoordinatorClient("http://127.0.0.1:1", 100*time.Millisecond), store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
