package join

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/trust"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeDeps struct {
	mu           sync.Mutex
	self         Self
	status       identity.TrustStatus
	adoptedNodes trust.Document
}

func (f *fakeDeps) Self() Self { return f.self }

func (f *fakeDeps) AdoptTrustedNodes(doc trust.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adoptedNodes = doc
}

func (f *fakeDeps) SetOwnTrustStatus(status identity.TrustStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeDeps) Logger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func (f *fakeDeps) TriggerSync(ctx context.Context) (rpc.TriggerSyncSummary, error) {
	return rpc.TriggerSyncSummary{}, nil
}

func (f *fakeDeps) currentStatus() identity.TrustStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, _, err := identity.Bootstrap(nil)
	require.NoError(t, err)
	return id
}

func TestJoinAdoptsTrustedImmediatelyWhenSeedApprovesInline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/peer/handshake":
			_ = json.NewEncoder(w).Encode(rpc.HandshakeResponse{NodeID: "seed"})
		case "/peer/join-request":
			_ = json.NewEncoder(w).Encode(rpc.JoinResponse{
				Status: "trusted",
				Nodes:  trust.Document{"seed": {NodeID: "seed", TrustStatus: identity.TrustTrusted}},
			})
		}
	}))
	defer srv.Close()

	deps := &fakeDeps{self: Self{NodeID: "newbie", PublicKey: "abc"}}
	c := New(deps, testIdentity(t), 5*time.Millisecond)

	err := c.Join(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, identity.TrustTrusted, deps.currentStatus())
	require.Contains(t, deps.adoptedNodes, "seed")
}

func TestJoinPollsUntilApproved(t *testing.T) {
	var calls int
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/peer/handshake":
			_ = json.NewEncoder(w).Encode(rpc.HandshakeResponse{NodeID: "seed"})
		case "/peer/join-request":
			_ = json.NewEncoder(w).Encode(rpc.JoinResponse{Status: "pending"})
		case "/peer/join-status":
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				_ = json.NewEncoder(w).Encode(rpc.JoinResponse{Status: "pending"})
				return
			}
			_ = json.NewEncoder(w).Encode(rpc.JoinResponse{Status: "trusted"})
		}
	}))
	defer srv.Close()

	deps := &fakeDeps{self: Self{NodeID: "newbie", PublicKey: "abc"}}
	c := New(deps, testIdentity(t), 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Join(ctx, srv.URL)
	require.NoError(t, err)
	require.Equal(t, identity.TrustTrusted, deps.currentStatus())
}

func TestJoinReturnsErrorWhenKicked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/peer/handshake":
			_ = json.NewEncoder(w).Encode(rpc.HandshakeResponse{NodeID: "seed"})
		case "/peer/join-request":
			_ = json.NewEncoder(w).Encode(rpc.JoinResponse{Status: "kicked"})
		}
	}))
	defer srv.Close()

	deps := &fakeDeps{self: Self{NodeID: "newbie", PublicKey: "abc"}}
	c := New(deps, testIdentity(t), 5*time.Millisecond)

	err := c.Join(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, identity.TrustKicked, deps.currentStatus())
}

func TestResumeIfPendingSkipsWhenAlreadyTrusted(t *testing.T) {
	deps := &fakeDeps{self: Self{NodeID: "n"}}
	c := New(deps, testIdentity(t), time.Millisecond)
	err := c.ResumeIfPending(context.Background(), "http://unused.invalid", identity.TrustTrusted)
	require.NoError(t, err)
}
