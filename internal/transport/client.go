package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/efsecnet/efsec/internal/crypto"
	e2eerrors "github.com/efsecnet/efsec/internal/errors"
	"github.com/efsecnet/efsec/internal/ratchet"
	"github.com/efsecnet/efsec/internal/relay"
)

// BundleFetcher is the narrow client-side view of SKR the coordinator needs
// to start X3DH with a peer. It is an interface, not a concrete HTTP client,
// so the coordinator can be tested against an in-process fake.
type BundleFetcher interface {
	FetchBundle(ctx context.Context, userID string) (ratchet.PeerBundle, error)
	UploadBundle(ctx context.Context, identityEdPub ed25519.PublicKey, identityX25519Pub [32]byte, spkID uint32, spkPub [32]byte, spkSig []byte, oneTime []OneTimeUpload) error
	Replenish(ctx context.Context, oneTime []OneTimeUpload) error
	KeyStatus(ctx context.Context) (int, error)
}

// OneTimeUpload is one one-time prekey public half offered to the server.
type OneTimeUpload struct {
	KeyID  uint32
	Public [32]byte
}

// EnvelopeSender is the narrow client-side view of the ECR the coordinator
// uses to hand off ciphertext and to drain its own inbox.
type EnvelopeSender interface {
	Send(ctx context.Context, recipients []string, kind relay.Kind, body []byte) (map[string]string, error)
	Poll(ctx context.Context) ([]relay.Envelope, error)
	Ack(ctx context.Context, id string) error
}

// PushSubscriber is the narrow client-side view of the push channel. Real
// time delivery is an optimization; Poll remains the source of truth.
type PushSubscriber interface {
	Subscribe(ctx context.Context) (<-chan string, func() error, error)
}

// GroupClient is the narrow client-side view of the SGR the coordinator uses
// to manage room membership. It never carries key material — only the
// membership and key_version bookkeeping SGR is responsible for.
type GroupClient interface {
	CreateGroup(ctx context.Context, groupID string) error
	JoinGroup(ctx context.Context, groupID string) error
	LeaveGroup(ctx context.Context, groupID string) (newKeyVersion uint32, err error)
	ListMembers(ctx context.Context, groupID string) (members []string, keyVersion uint32, err error)
}

// HTTPClient implements BundleFetcher, EnvelopeSender, and PushSubscriber
// against the reference transport.Server, the way a real client SDK would.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	token      string
	wsDialer   func(ctx context.Context, url, token string) (<-chan string, func() error, error)
}

// NewHTTPClient builds a client bound to a server base URL and a bearer
// token already issued by whatever authenticates users outside this core.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		token:      token,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return e2eerrors.Wrap(e2eerrors.MalformedEnvelope, err, "encode request body")
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.TransportRefused, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return e2eerrors.Wrap(e2eerrors.TransportTimeout, err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return e2eerrors.New(e2eerrors.Kind(errBody.Error), fmt.Sprintf("server returned %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) FetchBundle(ctx context.Context, userID string) (ratchet.PeerBundle, error) {
	var resp struct {
		IdentityEdPub      string `json:"identity_ed_pub"`
		IdentityX25519Pub  string `json:"identity_x25519_pub"`
		SignedPreKeyID     uint32 `json:"signed_prekey_id"`
		SignedPreKeyPub    string `json:"signed_prekey_pub"`
		SignedPreKeySig    string `json:"signed_prekey_sig"`
		OneTimePreKeyID    *uint32 `json:"one_time_prekey_id"`
		OneTimePreKeyPub   *string `json:"one_time_prekey_pub"`
	}
	if err := c.do(ctx, http.MethodGet, "/e2e/bundle/"+userID, nil, &resp); err != nil {
		return ratchet.PeerBundle{}, err
	}

	var bundle ratchet.PeerBundle
	identityEd, err := base64.StdEncoding.DecodeString(resp.IdentityEdPub)
	if err != nil {
		return ratchet.PeerBundle{}, e2eerrors.New(e2eerrors.MalformedEnvelope, "malformed identity_ed_pub")
	}
	bundle.IdentityEdPub = ed25519.PublicKey(identityEd)

	if err := decodeInto(resp.IdentityX25519Pub, bundle.IdentityX25519[:]); err != nil {
		return ratchet.PeerBundle{}, err
	}
	if err := decodeInto(resp.SignedPreKeyPub, bundle.SignedPreKeyPub[:]); err != nil {
		return ratchet.PeerBundle{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignedPreKeySig)
	if err != nil {
		return ratchet.PeerBundle{}, e2eerrors.New(e2eerrors.MalformedEnvelope, "malformed signed_prekey_sig")
	}
	bundle.SignedPreKeySig = sig
	bundle.SignedPreKeyID = resp.SignedPreKeyID

	if resp.OneTimePreKeyID != nil && resp.OneTimePreKeyPub != nil {
		var pub [crypto.KeySize]byte
		if err := decodeInto(*resp.OneTimePreKeyPub, pub[:]); err != nil {
			return ratchet.PeerBundle{}, err
		}
		id := *resp.OneTimePreKeyID
		bundle.OneTimePreKeyID = &id
		bundle.OneTimePreKeyPub = &pub
	}
	return bundle, nil
}

func (c *HTTPClient) UploadBundle(ctx context.Context, identityEdPub ed25519.PublicKey, identityX25519Pub [32]byte, spkID uint32, spkPub [32]byte, spkSig []byte, oneTime []OneTimeUpload) error {
	req := map[string]interface{}{
		"identity_ed_pub":     base64.StdEncoding.EncodeToString(identityEdPub),
		"identity_x25519_pub": base64.StdEncoding.EncodeToString(identityX25519Pub[:]),
		"signed_prekey": map[string]interface{}{
			"key_id":    spkID,
			"public":    base64.StdEncoding.EncodeToString(spkPub[:]),
			"signature": base64.StdEncoding.EncodeToString(spkSig),
		},
		"one_time_prekeys": encodeOneTime(oneTime),
	}
	return c.do(ctx, http.MethodPost, "/e2e/keys", req, nil)
}

func (c *HTTPClient) Replenish(ctx context.Context, oneTime []OneTimeUpload) error {
	req := map[string]interface{}{"one_time_prekeys": encodeOneTime(oneTime)}
	return c.do(ctx, http.MethodPost, "/e2e/keys/replenish", req, nil)
}

func (c *HTTPClient) KeyStatus(ctx context.Context) (int, error) {
	var resp struct {
		RemainingOneTime int `json:"remaining_one_time"`
	}
	if err := c.do(ctx, http.MethodGet, "/e2e/keys/status", nil, &resp); err != nil {
		return 0, err
	}
	return resp.RemainingOneTime, nil
}

func (c *HTTPClient) Send(ctx context.Context, recipients []string, kind relay.Kind, body []byte) (map[string]string, error) {
	req := map[string]interface{}{
		"recipients": recipients,
		"kind":       string(kind),
		"body":       base64.StdEncoding.EncodeToString(body),
	}
	var resp struct {
		EnvelopeIDs map[string]string `json:"envelope_ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/e2e/messages/ephemeral", req, &resp); err != nil {
		return nil, err
	}
	return resp.EnvelopeIDs, nil
}

func (c *HTTPClient) Poll(ctx context.Context) ([]relay.Envelope, error) {
	var resp struct {
		Envelopes []struct {
			ID     string `json:"id"`
			Sender string `json:"sender"`
			Kind   string `json:"kind"`
			Body   string `json:"body"`
		} `json:"envelopes"`
	}
	if err := c.do(ctx, http.MethodGet, "/e2e/messages/ephemeral", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]relay.Envelope, 0, len(resp.Envelopes))
	for _, e := range resp.Envelopes {
		body, err := base64.StdEncoding.DecodeString(e.Body)
		if err != nil {
			return nil, e2eerrors.New(e2eerrors.MalformedEnvelope, "malformed envelope body")
		}
		out = append(out, relay.Envelope{ID: e.ID, Sender: e.Sender, Kind: relay.Kind(e.Kind), Body: body})
	}
	return out, nil
}

func (c *HTTPClient) Ack(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/e2e/messages/ephemeral/"+id+"/ack", nil, nil)
}

func (c *HTTPClient) CreateGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/e2e/group/create", map[string]string{"group_id": groupID}, nil)
}

func (c *HTTPClient) JoinGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/e2e/group/"+groupID+"/join", nil, nil)
}

func (c *HTTPClient) LeaveGroup(ctx context.Context, groupID string) (uint32, error) {
	var resp struct {
		KeyVersion uint32 `json:"key_version"`
	}
	if err := c.do(ctx, http.MethodPost, "/e2e/group/"+groupID+"/leave", nil, &resp); err != nil {
		return 0, err
	}
	return resp.KeyVersion, nil
}

func (c *HTTPClient) ListMembers(ctx context.Context, groupID string) ([]string, uint32, error) {
	var resp struct {
		Members    []string `json:"members"`
		KeyVersion uint32   `json:"key_version"`
	}
	if err := c.do(ctx, http.MethodGet, "/e2e/group/"+groupID+"/members", nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Members, resp.KeyVersion, nil
}

// Subscribe dials the push WebSocket via the caller-supplied dialer, kept
// pluggable so tests don't need a real network socket. Production wiring
// supplies a gorilla/websocket dialer in cmd/e2eeclient.
func (c *HTTPClient) Subscribe(ctx context.Context) (<-chan string, func() error, error) {
	if c.wsDialer == nil {
		return nil, nil, e2eerrors.New(e2eerrors.TransportRefused, "no websocket dialer configured")
	}
	return c.wsDialer(ctx, c.baseURL, c.token)
}

// SetWebSocketDialer installs the function used by Subscribe to open the
// push channel, decoupling this package from a concrete gorilla/websocket
// dependency at construction time.
func (c *HTTPClient) SetWebSocketDialer(dial func(ctx context.Context, url, token string) (<-chan string, func() error, error)) {
	c.wsDialer = dial
}

func decodeInto(s string, dst []byte) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != len(dst) {
		return e2eerrors.New(e2eerrors.MalformedEnvelope, "malformed fixed-length key field")
	}
	copy(dst, raw)
	return nil
}

func encodeOneTime(oneTime []OneTimeUpload) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(oneTime))
	for _, k := range oneTime {
		out = append(out, map[string]interface{}{
			"key_id": k.KeyID,
			"public": base64.StdEncoding.EncodeToString(k.Public[:]),
		})
	}
	return out
}
