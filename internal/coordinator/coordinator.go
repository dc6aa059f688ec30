// Package coordinator implements the client coordinator (spec §4.1 CC): the
// facade an application calls to send and receive end-to-end encrypted
// direct messages and group messages, wiring together identity, the
// pairwise ratchet, the group ratchet, the local keystore, and the transport
// contract. It never persists plaintext and never hands ciphertext to a
// caller without first authenticating it.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log"

	"golang.org/x/crypto/curve25519"

	"github.com/efsecnet/efsec/internal/crypto"
	e2eerrors "github.com/efsecnet/efsec/internal/errors"
	"github.com/efsecnet/efsec/internal/identity"
	"github.com/efsecnet/efsec/internal/keystore"
	"github.com/efsecnet/efsec/internal/megolm"
	"github.com/efsecnet/efsec/internal/metrics"
	"github.com/efsecnet/efsec/internal/ratchet"
	"github.com/efsecnet/efsec/internal/relay"
	"github.com/efsecnet/efsec/internal/transport"
	"github.com/efsecnet/efsec/internal/wire"
)

var logger = log.New(log.Writer(), "[coordinator] ", log.LstdFlags|log.LUTC)

// primaryDevice is the fixed device identifier this build uses for every
// account. Real multi-device fan-out (one ratchet session per peer device)
// is scoped out per spec §1 Non-goals; SPEC_FULL's identifiers stay
// device-aware so a future build can widen this without a wire-format
// change, but this coordinator only ever addresses a peer's primary device.
const primaryDevice = "primary"

// OneTimeKeyLowWater is the replenishment threshold (spec §4.2 policy).
const OneTimeKeyLowWater = 10

// Coordinator is the facade driving identity, PWS, GRP, and KS on behalf of
// one local account.
type Coordinator struct {
	account   *identity.Account
	store     *keystore.Store
	bundles   transport.BundleFetcher
	envelopes transport.EnvelopeSender
	groups    transport.GroupClient
}

// New builds a coordinator over an already-provisioned account.
func New(account *identity.Account, store *keystore.Store, bundles transport.BundleFetcher, envelopes transport.EnvelopeSender, groups transport.GroupClient) *Coordinator {
	return &Coordinator{account: account, store: store, bundles: bundles, envelopes: envelopes, groups: groups}
}

// Init publishes the account's identity, signed prekey, and a fresh one-time
// prekey pool to the server key registry. Call once per account lifetime
// (idempotent server-side beyond the identity row).
func (c *Coordinator) Init(ctx context.Context) error {
	bundle, err := c.account.PublishBundle(0)
	if err != nil {
		return err
	}
	return c.uploadBundle(ctx, bundle)
}

func (c *Coordinator) uploadBundle(ctx context.Context, bundle identity.Bundle) error {
	oneTime := make([]transport.OneTimeUpload, 0, len(bundle.OneTimeKeys))
	for _, k := range bundle.OneTimeKeys {
		oneTime = append(oneTime, transport.OneTimeUpload{KeyID: k.KeyID, Public: k.PublicKey})
	}
	return c.bundles.UploadBundle(ctx, bundle.IdentityEdPub, bundle.IdentityX25519, bundle.SignedPreKeyID, bundle.SignedPreKeyPub, bundle.SignedPreKeySig, oneTime)
}

// MaintainOneTimeKeys checks the server's remaining one-time prekey count and
// tops up the pool if it has run low (spec §4.2 policy, §4.7 replenish).
func (c *Coordinator) MaintainOneTimeKeys(ctx context.Context) error {
	n, err := c.bundles.KeyStatus(ctx)
	if err != nil {
		return err
	}
	if n >= OneTimeKeyLowWater {
		return nil
	}
	fresh, err := c.account.ReplenishOneTimeKeys(identity.DefaultOneTimeKeyPoolSize)
	if err != nil {
		return err
	}
	oneTime := make([]transport.OneTimeUpload, 0, len(fresh))
	for _, k := range fresh {
		oneTime = append(oneTime, transport.OneTimeUpload{KeyID: k.KeyID, Public: k.PublicKey})
	}
	return c.bundles.Replenish(ctx, oneTime)
}

func sessionHint(peerUserID string) [16]byte {
	sum := sha256.Sum256([]byte(peerUserID))
	var hint [16]byte
	copy(hint[:], sum[:16])
	return hint
}

func associatedData(initiatorIdentity, responderIdentity [crypto.KeySize]byte) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiatorIdentity[:]...)
	ad = append(ad, responderIdentity[:]...)
	return ad
}

// SendDM encrypts plaintext for peerUserID over a pairwise session,
// establishing one via X3DH on first contact, and hands the wire envelope to
// the ephemeral relay.
func (c *Coordinator) SendDM(ctx context.Context, peerUserID string, plaintext []byte) error {
	sess, err := c.store.LoadSession(peerUserID, primaryDevice)
	var preKeyHeader *wire.PreKeyHeader

	if err != nil {
		sess, preKeyHeader, err = c.establishOutboundDM(ctx, peerUserID)
		if err != nil {
			return err
		}
	}

	header, ciphertext, err := sess.Encrypt(plaintext)
	if err != nil {
		return err
	}
	if err := c.store.SaveSession(peerUserID, primaryDevice, sess); err != nil {
		return err
	}

	env := wire.DMEnvelope{
		SessionHint: sessionHint(peerUserID),
		PreKey:      preKeyHeader,
		Ratchet:     wire.RatchetHeader{DHRPub: header.DHRatchetPub, PN: header.PN, N: header.N},
		CiphertextWithTag: ciphertext,
	}
	body := wire.EncodeDM(env)
	_, err = c.envelopes.Send(ctx, []string{peerUserID}, relay.KindDM, body)
	if err == nil {
		metrics.RecordMessageSent("direct")
	}
	return err
}

func (c *Coordinator) establishOutboundDM(ctx context.Context, peerUserID string) (sess *ratchet.Session, header *wire.PreKeyHeader, err error) {
	defer func() { metrics.RecordX3DHHandshake("initiator", err == nil) }()

	peerBundle, err := c.bundles.FetchBundle(ctx, peerUserID)
	if err != nil {
		return nil, nil, err
	}

	local := ratchet.LocalIdentity{
		IdentityEdPub:  c.account.IdentitySigningKeyPair().Public,
		IdentityEdPriv: c.account.IdentitySigningKeyPair().Private,
		IdentityX25519: c.account.IdentityKeyPair(),
	}
	init, ephemeral, err := ratchet.InitiateX3DH(local, peerBundle)
	crypto.ZeroizeArray(&ephemeral.Private)
	if err != nil {
		return nil, nil, err
	}

	ad := associatedData(c.account.IdentityKeyPair().Public, peerBundle.IdentityX25519)
	sess, err = ratchet.NewOutboundSession(init.SharedSecret, peerBundle.SignedPreKeyPub, ad)
	crypto.ZeroizeArray(&init.SharedSecret)
	if err != nil {
		return nil, nil, err
	}

	var oneTimeID uint32
	if init.OneTimePreKeyID != nil {
		oneTimeID = *init.OneTimePreKeyID
	}
	header = &wire.PreKeyHeader{
		IdentityPub:     c.account.IdentityKeyPair().Public,
		EphemeralPub:    ephemeral.Public,
		SignedPreKeyID:  init.SignedPreKeyID,
		OneTimePreKeyID: oneTimeID,
	}
	return sess, header, nil
}

// RecvDM decrypts a pairwise-session envelope from senderUserID, establishing
// an inbound session from its embedded prekey header on first contact.
func (c *Coordinator) RecvDM(ctx context.Context, senderUserID string, envelopeBytes []byte) ([]byte, error) {
	env, err := wire.DecodeDM(envelopeBytes)
	if err != nil {
		return nil, err
	}

	sess, err := c.store.LoadSession(senderUserID, primaryDevice)
	if err != nil {
		if env.PreKey == nil {
			return nil, e2eerrors.New(e2eerrors.UnknownSession, "no local session and envelope carries no prekey header")
		}
		sess, err = c.establishInboundDM(*env.PreKey)
		if err != nil {
			return nil, err
		}
	}

	header := ratchet.Header{DHRatchetPub: env.Ratchet.DHRPub, PN: env.Ratchet.PN, N: env.Ratchet.N}
	plaintext, err := sess.Decrypt(header, env.CiphertextWithTag)
	if err != nil {
		metrics.RecordDecryptFailure("direct", string(e2eerrors.KindOf(err)))
		return nil, err
	}
	if err := c.store.SaveSession(senderUserID, primaryDevice, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (c *Coordinator) establishInboundDM(pk wire.PreKeyHeader) (sess *ratchet.Session, err error) {
	defer func() { metrics.RecordX3DHHandshake("responder", err == nil) }()

	spkID := pk.SignedPreKeyID
	spkPriv, err := c.account.SignedPreKeyPrivate(spkID)
	if err != nil {
		return nil, err
	}
	spkPubRaw, err := curve25519.X25519(spkPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, e2eerrors.Wrap(e2eerrors.KeystoreIo, err, "derive signed prekey public")
	}
	var spkPub [crypto.KeySize]byte
	copy(spkPub[:], spkPubRaw)

	material := ratchet.InboundMaterial{
		IdentityX25519Priv: c.account.IdentityKeyPair().Private,
		SignedPreKeyPriv:   spkPriv,
	}
	var otID *uint32
	if pk.OneTimePreKeyID != 0 {
		otPriv, err := c.account.ConsumeOneTimePrivate(pk.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		material.OneTimePreKeyPriv = &otPriv
		id := pk.OneTimePreKeyID
		otID = &id
	}

	hdr := ratchet.InboundHeader{
		InitiatorIdentityX25519: pk.IdentityPub,
		InitiatorEphemeralPub:   pk.EphemeralPub,
		SignedPreKeyID:          spkID,
		OneTimePreKeyID:         otID,
	}
	sk, err := ratchet.RespondX3DH(material, hdr)
	if err != nil {
		return nil, err
	}

	ad := associatedData(pk.IdentityPub, c.account.IdentityKeyPair().Public)
	signedPreKeyPair := crypto.X25519KeyPair{Private: spkPriv, Public: spkPub}
	sess = ratchet.NewInboundSession(sk, signedPreKeyPair, ad)
	crypto.ZeroizeArray(&sk)
	return sess, nil
}

// CreateGroup registers a new room with the server group registry, seeds its
// own outbound Megolm session, and distributes the initial chain position
// (chain_key@0, sig_pub) to every initial member over PWS (spec §4.6
// create_group). Members distributed to here receive the full message
// history from index 0 onward; anyone admitted later only gets the chain
// position current at admission time (see HandleMemberAdded).
func (c *Coordinator) CreateGroup(ctx context.Context, roomID string, members []string) error {
	if err := c.groups.CreateGroup(ctx, roomID); err != nil {
		return err
	}
	sess, err := megolm.NewOutboundSession()
	if err != nil {
		return err
	}
	if err := c.distributeGroupKey(ctx, roomID, sess, members); err != nil {
		return err
	}
	return c.store.SaveOutboundMegolm(roomID, sess)
}

// SendGroup encrypts plaintext under the room's outbound Megolm session,
// creating one if this is the first send, and distributes the key position
// to every current member over pairwise sessions before fanning out the
// ciphertext (spec §4.4 distribution order).
func (c *Coordinator) SendGroup(ctx context.Context, roomID string, plaintext []byte) error {
	sess, err := c.store.LoadOutboundMegolm(roomID)
	isNew := false
	if err != nil {
		sess, err = megolm.NewOutboundSession()
		if err != nil {
			return err
		}
		isNew = true
	}

	members, _, err := c.groups.ListMembers(ctx, roomID)
	if err != nil {
		return err
	}

	if isNew {
		if err := c.distributeGroupKey(ctx, roomID, sess, members); err != nil {
			return err
		}
	}

	index, ciphertext, signature, err := sess.Encrypt([]byte(roomID), plaintext)
	if err != nil {
		return err
	}
	if err := c.store.SaveOutboundMegolm(roomID, sess); err != nil {
		return err
	}

	env := wire.GroupEnvelope{SessionID: sess.SessionID(), MessageIndex: index, CiphertextWithTag: ciphertext}
	copy(env.Signature[:], signature)
	body := wire.EncodeGroup(env)

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		recipients = append(recipients, m)
	}
	_, err = c.envelopes.Send(ctx, recipients, relay.KindGroup, body)
	if err == nil {
		metrics.RecordMessageSent("group")
	}
	return err
}

// distributeGroupKey sends the current chain position of an outbound
// session to every member over their pairwise DM session, so a recipient can
// seed an InboundSession before the first group ciphertext arrives.
func (c *Coordinator) distributeGroupKey(ctx context.Context, roomID string, sess *megolm.OutboundSession, members []string) error {
	kd := sess.Distribute()
	payload, err := wire.EncodeKeyDistribution(roomID, kd.SessionID, kd.ChainKey, kd.SigningPub, kd.ChainIndex)
	if err != nil {
		return err
	}
	for _, member := range members {
		if err := c.SendDM(ctx, member, payload); err != nil {
			logger.Printf("key distribution to %s failed: %v", member, err)
		}
	}
	return nil
}

// RecvGroup decrypts a group envelope from senderUserID, looking up the
// inbound session this sender previously distributed for roomID.
func (c *Coordinator) RecvGroup(ctx context.Context, roomID, senderUserID string, envelopeBytes []byte) ([]byte, error) {
	env, err := wire.DecodeGroup(envelopeBytes)
	if err != nil {
		return nil, err
	}

	sess, err := c.store.LoadInboundMegolm(roomID, senderUserID, primaryDevice, env.SessionID)
	if err != nil {
		if reqErr := c.requestGroupKey(ctx, roomID, senderUserID, env.SessionID); reqErr != nil {
			logger.Printf("key request to %s failed: %v", senderUserID, reqErr)
		}
		return nil, e2eerrors.New(e2eerrors.UnknownSession, "no inbound group session for sender")
	}

	plaintext, err := sess.Decrypt([]byte(roomID), env.MessageIndex, env.CiphertextWithTag, env.Signature[:])
	if err != nil {
		switch {
		case e2eerrors.Is(err, e2eerrors.UnknownMessageIndex):
			metrics.RecordKeyRequest("unknown_index")
		case e2eerrors.Is(err, e2eerrors.UnrecoverableKey):
			metrics.RecordKeyRequest("unrecoverable")
		}
		metrics.RecordDecryptFailure("group", string(e2eerrors.KindOf(err)))
		return nil, err
	}
	if err := c.store.SaveInboundMegolm(roomID, senderUserID, primaryDevice, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// requestGroupKey sends a key-request control message to senderUserID over
// PWS when a group envelope arrives for a session this account never
// received a distribution for (spec §4.6 recovery flow).
func (c *Coordinator) requestGroupKey(ctx context.Context, roomID, senderUserID string, sessionID megolm.SessionID) error {
	payload, err := wire.EncodeKeyRequest(roomID, base64.StdEncoding.EncodeToString(sessionID[:]))
	if err != nil {
		return err
	}
	return c.SendDM(ctx, senderUserID, payload)
}

// HandleIncomingDM inspects a decrypted DM payload for the control-message
// envelopes SendGroup/requestGroupKey embed (key distribution and key
// requests) versus ordinary application plaintext, and applies them.
// Callers should route a DM's decrypted bytes through this before treating
// them as opaque application data.
func (c *Coordinator) HandleIncomingDM(ctx context.Context, senderUserID string, plaintext []byte) (applicationPlaintext []byte, handled bool, err error) {
	if kd, kerr := wire.DecodeKeyDistribution(plaintext); kerr == nil {
		if err := c.applyKeyDistribution(senderUserID, kd); err != nil {
			return nil, true, err
		}
		return nil, true, nil
	}
	if kr, kerr := wire.DecodeKeyRequest(plaintext); kerr == nil {
		if err := c.handleKeyRequest(ctx, senderUserID, kr); err != nil {
			return nil, true, err
		}
		return nil, true, nil
	}
	return plaintext, false, nil
}

func (c *Coordinator) applyKeyDistribution(senderUserID string, kd wire.KeyDistributionInner) error {
	sessionID, err := kd.SessionIDBytes()
	if err != nil {
		return err
	}
	chainKey, err := kd.ChainKeyBytes()
	if err != nil {
		return err
	}
	sigPub, err := kd.SigPubBytes()
	if err != nil {
		return err
	}
	sess := megolm.NewInboundSession(megolm.KeyDistribution{
		SessionID:  sessionID,
		ChainKey:   chainKey,
		ChainIndex: kd.FirstKnownIndex,
		SigningPub: sigPub,
	})
	return c.store.SaveInboundMegolm(kd.GroupID, senderUserID, primaryDevice, sess)
}

// handleKeyRequest re-distributes the current chain position of our
// outbound session for the requested room back to the requester, if we are
// in fact its owner.
func (c *Coordinator) handleKeyRequest(ctx context.Context, requesterUserID string, kr wire.KeyRequest) error {
	sess, err := c.store.LoadOutboundMegolm(kr.GroupID)
	if err != nil {
		return err
	}
	kd := sess.Distribute()
	payload, err := wire.EncodeKeyDistribution(kr.GroupID, kd.SessionID, kd.ChainKey, kd.SigningPub, kd.ChainIndex)
	if err != nil {
		return err
	}
	if err := c.SendDM(ctx, requesterUserID, payload); err != nil {
		return err
	}
	metrics.RecordKeyRequest("served")
	return nil
}

// HandleMemberRemoved rekeys a room's outbound session after SGR reports a
// membership removal, so no future message uses key material the removed
// member could still derive.
func (c *Coordinator) HandleMemberRemoved(ctx context.Context, roomID string) error {
	sess, err := megolm.NewOutboundSession()
	if err != nil {
		return err
	}
	members, _, err := c.groups.ListMembers(ctx, roomID)
	if err != nil {
		return err
	}
	if err := c.distributeGroupKey(ctx, roomID, sess, members); err != nil {
		return err
	}
	if err := c.store.SaveOutboundMegolm(roomID, sess); err != nil {
		return err
	}
	metrics.RecordGroupRekey("member_left")
	return nil
}

// HandleMemberAdded distributes the current (not historical) chain position
// of the room's outbound session to a newly admitted member, so they can
// decrypt future traffic but nothing that predates their join.
func (c *Coordinator) HandleMemberAdded(ctx context.Context, roomID, newMember string) error {
	sess, err := c.store.LoadOutboundMegolm(roomID)
	if err != nil {
		return err
	}
	if err := c.distributeGroupKey(ctx, roomID, sess, []string{newMember}); err != nil {
		return err
	}
	metrics.RecordGroupRekey("member_added")
	return nil
}

// PollInbox drains queued envelopes, routing each through the pairwise or
// group decrypt path by its relay kind, and acks every envelope it
// successfully processes.
func (c *Coordinator) PollInbox(ctx context.Context) ([]InboxMessage, error) {
	envs, err := c.envelopes.Poll(ctx)
	if err != nil {
		return nil, err
	}

	var out []InboxMessage
	for _, e := range envs {
		var msg InboxMessage
		var decryptErr error
		switch e.Kind {
		case relay.KindDM, relay.KindKeyDist:
			var pt []byte
			pt, decryptErr = c.RecvDM(ctx, e.Sender, e.Body)
			if decryptErr == nil {
				pt, handled, herr := c.HandleIncomingDM(ctx, e.Sender, pt)
				if herr != nil {
					decryptErr = herr
				} else if !handled {
					msg = InboxMessage{Sender: e.Sender, Kind: e.Kind, Plaintext: pt}
				}
			}
		case relay.KindGroup:
			logger.Printf("group envelope %s requires a room id; route via RecvGroup directly", e.ID)
			continue
		default:
			decryptErr = e2eerrors.New(e2eerrors.MalformedEnvelope, "unknown envelope kind")
		}

		if decryptErr != nil {
			logger.Printf("failed to process envelope %s from %s: %v", e.ID, e.Sender, decryptErr)
			continue
		}
		if msg.Sender != "" {
			out = append(out, msg)
		}
		if err := c.envelopes.Ack(ctx, e.ID); err != nil {
			logger.Printf("failed to ack envelope %s: %v", e.ID, err)
		}
	}
	return out, nil
}

// InboxMessage is one decrypted, application-level message surfaced by
// PollInbox.
type InboxMessage struct {
	Sender    string
	Kind      relay.Kind
	Plaintext []byte
}
