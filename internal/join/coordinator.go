// Package join implements the client side of onboarding a new node into
// the mesh: send /peer/handshake + /peer/join-request to a seed peer, then
// poll /peer/join-status until the operator approves or kicks the request
// — spec §4.7. A rejection removes the record on the seed, which then
// answers pending, so polling does not end on a rejection.
package join

import (
	"context"
	"fmt"
	"time"

	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/trust"
	"github.com/sirupsen/logrus"
)

// Self describes the joining node's own public attributes, handed to the
// seed peer in the join request.
type Self struct {
	NodeID      string
	Name        string
	Host        string
	Port        int
	PublicURL   string
	Connectable bool
	PublicKey   string
}

// Deps is what Coordinator needs from the Core composition root.
type Deps interface {
	Self() Self
	AdoptTrustedNodes(doc trust.Document)
	SetOwnTrustStatus(status identity.TrustStatus)
	// TriggerSync runs an immediate, best-effort bidirectional sync round
	// against every trusted connectable peer — called once this node's own
	// join request is approved (spec §4.7 step 4), so it doesn't have to
	// wait out a full sync_interval to pick up what it missed.
	TriggerSync(ctx context.Context) (rpc.TriggerSyncSummary, error)
	Logger() *logrus.Logger
}

// Coordinator drives the join handshake against one seed peer.
type Coordinator struct {
	deps       Deps
	identity   *identity.Identity
	pollEvery  time.Duration
}

// New creates a Coordinator. pollEvery defaults to 5s if zero.
func New(deps Deps, id *identity.Identity, pollEvery time.Duration) *Coordinator {
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	return &Coordinator{deps: deps, identity: id, pollEvery: pollEvery}
}

// Join performs the initial handshake + join-request + status poll against
// seedURL, blocking until the request is approved, kicked, or ctx is
// canceled. A kicked response is returned as an error; the caller
// (cmd/node) decides whether that's fatal. A rejected request keeps
// polling, since the seed answers pending once the record is removed.
func (c *Coordinator) Join(ctx context.Context, seedURL string) error {
	log := c.deps.Logger().WithField("seed", seedURL)
	client := rpc.New(seedURL, 10*time.Second, c.identity)

	if _, err := client.Handshake(ctx); err != nil {
		return fmt.Errorf("join: handshake with seed failed: %w", err)
	}

	self := c.deps.Self()
	resp, err := client.JoinRequest(ctx, rpc.JoinRequest{
		NodeID:      self.NodeID,
		Name:        self.Name,
		Host:        self.Host,
		Port:        self.Port,
		PublicURL:   self.PublicURL,
		Connectable: self.Connectable,
		PublicKey:   self.PublicKey,
	})
	if err != nil {
		return fmt.Errorf("join: join-request failed: %w", err)
	}

	if err := c.handleStatus(ctx, *resp); err != errStillPending {
		return err
	}
	log.Info("join: request accepted as pending, awaiting operator approval")

	return c.pollUntilResolved(ctx, client)
}

// ResumeIfPending is called on startup: if our own trust status is still
// waiting_approval (or pending), re-enter the poll loop against seedURL
// instead of silently running unapproved (spec §4.7 "resume on startup").
func (c *Coordinator) ResumeIfPending(ctx context.Context, seedURL string, currentStatus identity.TrustStatus) error {
	if currentStatus != identity.TrustWaitingApproval && currentStatus != identity.TrustPending {
		return nil
	}
	client := rpc.New(seedURL, 10*time.Second, c.identity)
	return c.pollUntilResolved(ctx, client)
}

var errStillPending = fmt.Errorf("join: still pending")

func (c *Coordinator) handleStatus(ctx context.Context, resp rpc.JoinResponse) error {
	switch resp.Status {
	case "trusted":
		c.deps.SetOwnTrustStatus(identity.TrustTrusted)
		if resp.Nodes != nil {
			c.deps.AdoptTrustedNodes(resp.Nodes)
		}
		if _, err := c.deps.TriggerSync(ctx); err != nil {
			c.deps.Logger().WithError(err).Debug("join: post-approval sync round failed, next tick will retry")
		}
		return nil
	case "kicked":
		c.deps.SetOwnTrustStatus(identity.TrustKicked)
		return fmt.Errorf("join: this node has been kicked from the mesh")
	case "pending", "waiting_approval":
		c.deps.SetOwnTrustStatus(identity.TrustWaitingApproval)
		return errStillPending
	default:
		return fmt.Errorf("join: unexpected status %q from seed", resp.Status)
	}
}

func (c *Coordinator) pollUntilResolved(ctx context.Context, client *rpc.Client) error {
	log := c.deps.Logger()
	self := c.deps.Self()
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		resp, err := client.JoinStatus(ctx, self.NodeID, self.PublicKey)
		if err != nil {
			log.WithError(err).Debug("join: status poll failed, retrying")
			continue
		}

		if err := c.handleStatus(ctx, *resp); err != errStillPending {
			return err
		}
	}
}
