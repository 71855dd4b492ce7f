// Package identity owns the local node's cryptographic identity: its
// node_id, its secp256k1 keypair, its role, and the signed-header protocol
// every peer RPC is built on.
//
// The keypair and node_id are generated once, on first boot, and never
// rotated — see Bootstrap. Everything else here (role derivation, signing,
// verification, the temp_full mode switch) is pure computation over that
// identity plus whatever the caller passes in.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Mode mirrors NodeRecord.mode.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeRelay    Mode = "relay"
	ModeTempFull Mode = "temp_full"
)

// TrustStatus mirrors NodeRecord.trust_status.
type TrustStatus string

const (
	TrustSelf            TrustStatus = "self"
	TrustPending         TrustStatus = "pending"
	TrustTrusted         TrustStatus = "trusted"
	TrustWaitingApproval TrustStatus = "waiting_approval"
	TrustKicked          TrustStatus = "kicked"
)

// ReplayWindow bounds how stale a signed request's timestamp may be.
const ReplayWindow = 60 * time.Second

// Document is the on-disk shape of the `identity` Store document. It is
// written exactly once, at first boot, and read on every subsequent start.
type Document struct {
	NodeID     string `json:"node_id"`
	PrivateKey string `json:"private_key"` // hex-encoded secp256k1 scalar
	PublicKey  string `json:"public_key"`  // hex-encoded compressed point

	// Extra is tagged json:"-": decoding never fills it and encoding never
	// writes it, so fields of a stored identity document that Document does
	// not name are not preserved.
	Extra map[string]json.RawMessage `json:"-"`
}

// Identity is the bootstrapped, in-memory view of Document plus the
// derived role and the mutable mode-switch state needed for failover.
type Identity struct {
	NodeID     string
	PrivateKey *btcec.PrivateKey
	PublicKey  *btcec.PublicKey

	role       Mode
	priorMode  Mode // saved across a temp_full promotion so demote can restore it
	inTempFull bool
}

// Bootstrap loads doc (the `identity` document read from Store) or, if it is
// empty, mints a fresh keypair and node_id of the form "<hostname>-<4 hex>".
// It returns the resulting Identity and, when freshly minted, the Document
// that the caller must persist before returning control to anything else —
// per spec this is a Fatal-class failure path if the write doesn't succeed.
func Bootstrap(existing *Document) (*Identity, *Document, error) {
	if existing != nil && existing.NodeID != "" {
		priv, pub, err := decodeKeypair(existing.PrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("identity: decode stored keypair: %w", err)
		}
		return &Identity{NodeID: existing.NodeID, PrivateKey: priv, PublicKey: pub}, nil, nil
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	pub := priv.PubKey()

	nodeID, err := freshNodeID()
	if err != nil {
		return nil, nil, err
	}

	doc := &Document{
		NodeID:     nodeID,
		PrivateKey: hex.EncodeToString(priv.Serialize()),
		PublicKey:  hex.EncodeToString(pub.SerializeCompressed()),
	}
	return &Identity{NodeID: nodeID, PrivateKey: priv, PublicKey: pub}, doc, nil
}

func decodeKeypair(privHex string) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, nil, err
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	return priv, pub, nil
}

func freshNodeID() (string, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	var suffix [2]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("identity: generate node id suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s", host, hex.EncodeToString(suffix[:])), nil
}

// PublicKeyHex returns the node's public key as the hex string stored on
// NodeRecord.public_key.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey.SerializeCompressed())
}

// ─── Role derivation ────────────────────────────────────────────────────────

// RoleConfig carries exactly the inputs §4.2's role-derivation table needs.
type RoleConfig struct {
	ConfiguredMode string // "full" | "relay" | "auto"
	PrimaryServer  string // non-empty ⇒ a relay/auto target is configured
	Connectable    bool
}

// DeriveRole implements spec §4.2's startup role table. It never returns an
// error; an unreachable-but-non-connectable "auto" node becomes an isolated
// Full node, logged as a warning by the caller.
func DeriveRole(cfg RoleConfig) (role Mode, warning string) {
	switch cfg.ConfiguredMode {
	case "full":
		return ModeFull, ""
	case "relay":
		if cfg.PrimaryServer != "" {
			return ModeRelay, ""
		}
		return ModeFull, "configured mode=relay but no primary_server set; falling back to full"
	default: // "auto" or unset
		if cfg.PrimaryServer != "" {
			return ModeRelay, ""
		}
		if cfg.Connectable {
			return ModeFull, ""
		}
		return ModeFull, "auto mode: not connectable and no primary_server; running as isolated full node"
	}
}

// ─── Mode switch (failover) ─────────────────────────────────────────────────

// PromoteToTempFull records the identity's current role and switches it to
// temp_full. Calling it twice without an intervening Demote is a no-op: the
// prior mode is only captured the first time.
func (id *Identity) PromoteToTempFull(currentMode Mode) Mode {
	if !id.inTempFull {
		id.priorMode = currentMode
		id.inTempFull = true
	}
	return ModeTempFull
}

// DemoteFromTempFull restores whatever mode was active before the last
// PromoteToTempFull. If no promotion is in flight it returns fallback
// unchanged.
func (id *Identity) DemoteFromTempFull(fallback Mode) Mode {
	if !id.inTempFull {
		return fallback
	}
	id.inTempFull = false
	return id.priorMode
}

// ─── Signed requests ────────────────────────────────────────────────────────

// Headers is the canonical set of X-Node-* headers carried by every signed
// peer RPC.
type Headers struct {
	NodeID    string
	Timestamp string
	BodyHash  string
	Signature string // base64
}

// formatUnix renders t as the wall-clock-seconds string carried in
// X-Node-Ts, the same format SignRequest and Verify agree on.
func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// canonicalMessage builds the UTF-8 bytes of {body_hash, node_id, timestamp}
// with lexicographically sorted keys — the exact object §4.2/§6 sign over.
func canonicalMessage(nodeID, ts, bodyHash string) []byte {
	// encoding/json on a map[string]string already sorts keys
	// lexicographically, which happens to match {body_hash, node_id,
	// timestamp} — but we build the bytes by hand to make that guarantee
	// explicit and immune to any future encoding/json behavior change.
	return []byte(fmt.Sprintf(
		`{"body_hash":%q,"node_id":%q,"timestamp":%q}`,
		bodyHash, nodeID, ts,
	))
}

// SignRequest produces the X-Node-* headers for an outbound request whose
// body is exactly the bytes given.
func (id *Identity) SignRequest(body []byte) (Headers, error) {
	ts := formatUnix(time.Now())
	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])

	msg := canonicalMessage(id.NodeID, ts, bodyHash)
	digest := sha256.Sum256(msg)

	sig := ecdsa.Sign(id.PrivateKey, digest[:])

	return Headers{
		NodeID:    id.NodeID,
		Timestamp: ts,
		BodyHash:  bodyHash,
		Signature: b64Encode(sig.Serialize()),
	}, nil
}

// Verify checks an inbound signed request: body hash match, replay window,
// and signature validity against the sender's known public key. It does
// NOT check trust status — callers enforce spec §4.2 rule 4 (trusted/self
// only) themselves, since that requires consulting the TrustRegistry.
func Verify(h Headers, body []byte, knownPublicKeyHex string) error {
	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])
	if bodyHash != h.BodyHash {
		return fmt.Errorf("%w: body hash mismatch", ErrMalformed)
	}

	tsSeconds, err := strconv.ParseFloat(h.Timestamp, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp", ErrMalformed)
	}
	now := float64(time.Now().Unix())
	if math.Abs(now-tsSeconds) > ReplayWindow.Seconds() {
		return fmt.Errorf("%w: timestamp outside replay window", ErrMalformed)
	}

	pubBytes, err := hex.DecodeString(knownPublicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: invalid known public key", ErrMalformed)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("%w: invalid known public key", ErrMalformed)
	}

	sigBytes, err := b64Decode(h.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding", ErrMalformed)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: invalid signature", ErrMalformed)
	}

	msg := canonicalMessage(h.NodeID, h.Timestamp, h.BodyHash)
	digest := sha256.Sum256(msg)
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("%w: signature verification failed", ErrMalformed)
	}
	return nil
}
