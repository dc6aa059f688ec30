package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	e2eerrors "github.com/efsecnet/efsec/internal/errors"
	"github.com/efsecnet/efsec/internal/grouprouter"
	"github.com/efsecnet/efsec/internal/metrics"
	"github.com/efsecnet/efsec/internal/relay"
	"github.com/efsecnet/efsec/internal/serverkeys"
)

// Server wires the SKR/SGR/ECR surface of spec §6 onto an HTTP mux. All
// routes run behind AuthMiddleware; the principal is read from the request
// context, never from the body.
type Server struct {
	keys   *serverkeys.Registry
	groups *grouprouter.Registry
	relay  *relay.Relay
}

// NewServer builds the HTTP reference transport over the three server-side
// registries.
func NewServer(keys *serverkeys.Registry, groups *grouprouter.Registry, rel *relay.Relay) *Server {
	return &Server{keys: keys, groups: groups, relay: rel}
}

// Router builds the gorilla/mux router for the E2EE HTTP surface, to be
// mounted under AuthMiddleware (and CORS) by the caller, the way the teacher
// assembles router/middleware/cors.Handler in cmd/chatserver/main.go.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/e2e/keys", s.uploadBundle).Methods("POST")
	r.HandleFunc("/e2e/bundle/{user_id}", s.getBundle).Methods("GET")
	r.HandleFunc("/e2e/keys/replenish", s.replenish).Methods("POST")
	r.HandleFunc("/e2e/keys/status", s.keyStatus).Methods("GET")
	r.HandleFunc("/e2e/group/create", s.createGroup).Methods("POST")
	r.HandleFunc("/e2e/group/{id}/join", s.joinGroup).Methods("POST")
	r.HandleFunc("/e2e/group/{id}/leave", s.leaveGroup).Methods("POST")
	r.HandleFunc("/e2e/group/{id}/members", s.listMembers).Methods("GET")
	r.HandleFunc("/e2e/group/{id}/rekey", s.rekeyStatus).Methods("POST")
	r.HandleFunc("/e2e/messages/ephemeral", s.enqueueEnvelope).Methods("POST")
	r.HandleFunc("/e2e/messages/ephemeral", s.listEnvelopes).Methods("GET")
	r.HandleFunc("/e2e/messages/ephemeral/{id}/ack", s.ackEnvelope).Methods("POST")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case e2eerrors.Is(err, e2eerrors.UnknownSession), e2eerrors.Is(err, e2eerrors.UnknownPreKey):
		status = http.StatusNotFound
	case e2eerrors.Is(err, e2eerrors.MalformedEnvelope), e2eerrors.Is(err, e2eerrors.UnknownVersion):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": string(e2eerrors.KindOf(err))})
}

type signedPreKeyUploadDTO struct {
	KeyID     uint32 `json:"key_id"`
	Public    string `json:"public"`
	Signature string `json:"signature"`
}

type oneTimeKeyUploadDTO struct {
	KeyID  uint32 `json:"key_id"`
	Public string `json:"public"`
}

type uploadBundleRequest struct {
	IdentityEdPub      string                `json:"identity_ed_pub"`
	IdentityX25519Pub  string                `json:"identity_x25519_pub"`
	SignedPreKey       signedPreKeyUploadDTO `json:"signed_prekey"`
	OneTimePreKeys     []oneTimeKeyUploadDTO `json:"one_time_prekeys"`
}

func (s *Server) uploadBundle(w http.ResponseWriter, r *http.Request) {
	principal, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	var req uploadBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	identityEdPub, err1 := decode32(req.IdentityEdPub)
	identityX25519Pub, err2 := decode32(req.IdentityX25519Pub)
	spkPub, err3 := decode32(req.SignedPreKey.Public)
	spkSig, err4 := base64.StdEncoding.DecodeString(req.SignedPreKey.Signature)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed key encoding"})
		return
	}

	oneTime := make([]serverkeys.OneTimeKeyUpload, 0, len(req.OneTimePreKeys))
	for _, k := range req.OneTimePreKeys {
		pub, err := decode32(k.Public)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed one-time key encoding"})
			return
		}
		oneTime = append(oneTime, serverkeys.OneTimeKeyUpload{KeyID: k.KeyID, Public: pub})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	err := s.keys.UploadBundle(ctx, principal.UserID, identityEdPub, identityX25519Pub, serverkeys.SignedPreKeyUpload{
		KeyID: req.SignedPreKey.KeyID, Public: spkPub, Signature: spkSig,
	}, oneTime, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getBundle(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	b, err := s.keys.GetBundle(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"user_id":            b.UserID,
		"identity_ed_pub":    base64.StdEncoding.EncodeToString(b.IdentityEdPub),
		"identity_x25519_pub": base64.StdEncoding.EncodeToString(b.IdentityX25519[:]),
		"signed_prekey_id":   b.SignedPreKeyID,
		"signed_prekey_pub":  base64.StdEncoding.EncodeToString(b.SignedPreKeyPub[:]),
		"signed_prekey_sig":  base64.StdEncoding.EncodeToString(b.SignedPreKeySig),
	}
	if b.OneTimePreKeyID != nil {
		resp["one_time_prekey_id"] = *b.OneTimePreKeyID
		resp["one_time_prekey_pub"] = base64.StdEncoding.EncodeToString(b.OneTimePreKeyPub[:])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) replenish(w http.ResponseWriter, r *http.Request) {
	principal, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	var req struct {
		OneTimePreKeys []oneTimeKeyUploadDTO `json:"one_time_prekeys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	keys := make([]serverkeys.OneTimeKeyUpload, 0, len(req.OneTimePreKeys))
	for _, k := range req.OneTimePreKeys {
		pub, err := decode32(k.Public)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed one-time key encoding"})
			return
		}
		keys = append(keys, serverkeys.OneTimeKeyUpload{KeyID: k.KeyID, Public: pub})
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.keys.ReplenishOneTime(ctx, principal.UserID, keys); err != nil {
		writeError(w, err)
		return
	}
	metrics.PreKeysReplenished.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) keyStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	n, err := s.keys.KeyStatus(ctx, principal.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.PreKeysRemaining.WithLabelValues(principal.UserID).Set(float64(n))
	writeJSON(w, http.StatusOK, map[string]int{"remaining_one_time": n})
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	principal, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	var req struct {
		GroupID string `json:"group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.groups.CreateGroup(r.Context(), req.GroupID, principal.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) joinGroup(w http.ResponseWriter, r *http.Request) {
	principal, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	groupID := mux.Vars(r)["id"]
	if err := s.groups.AddMember(r.Context(), groupID, principal.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) leaveGroup(w http.ResponseWriter, r *http.Request) {
	principal, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	groupID := mux.Vars(r)["id"]
	newVersion, err := s.groups.RemoveMember(r.Context(), groupID, principal.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notifyRekey(r.Context(), groupID, newVersion)
	writeJSON(w, http.StatusOK, map[string]interface{}{"key_version": newVersion})
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]
	members, err := s.groups.ListMembers(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := s.groups.KeyVersion(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": members, "key_version": version})
}

func (s *Server) rekeyStatus(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]
	version, err := s.groups.KeyVersion(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"key_version": version})
}

// notifyRekey pushes a lightweight rekey notification to every remaining
// member so their coordinators lazily create a new outbound Megolm session
// on next send (spec §4.4 rekey-on-leave). The push payload carries no key
// material — only the bump itself.
func (s *Server) notifyRekey(ctx context.Context, groupID string, newVersion uint32) {
	start := time.Now()
	members, err := s.groups.ListMembers(ctx, groupID)
	if err != nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"kind": "rekey", "group_id": groupID, "key_version": newVersion,
	})
	for _, m := range members {
		_, _ = s.relay.Put(ctx, "server", m, relay.KindKeyDist, payload)
	}
	metrics.RecordGroupRekey("member_left")
	metrics.RecordGroupKeyFanOut(time.Since(start))
}

type enqueueRequest struct {
	Recipients []string `json:"recipients"`
	Kind       string   `json:"kind"`
	Body       string   `json:"body"`
}

func (s *Server) enqueueEnvelope(w http.ResponseWriter, r *http.Request) {
	principal, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body encoding"})
		return
	}
	ids := make(map[string]string, len(req.Recipients))
	for _, recipient := range req.Recipients {
		id, err := s.relay.Put(r.Context(), principal.UserID, recipient, relay.Kind(req.Kind), body)
		if err != nil {
			writeError(w, err)
			return
		}
		ids[recipient] = id
		metrics.RecordEnvelopeRelayed(req.Kind)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"envelope_ids": ids})
}

func (s *Server) listEnvelopes(w http.ResponseWriter, r *http.Request) {
	principal, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	envs, err := s.relay.List(r.Context(), principal.UserID, time.Time{})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(envs))
	for _, e := range envs {
		out = append(out, map[string]interface{}{
			"id":     e.ID,
			"sender": e.Sender,
			"kind":   string(e.Kind),
			"body":   base64.StdEncoding.EncodeToString(e.Body),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"envelopes": out})
}

func (s *Server) ackEnvelope(w http.ResponseWriter, r *http.Request) {
	principal, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.relay.Ack(r.Context(), principal.UserID, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, e2eerrors.New(e2eerrors.MalformedEnvelope, "expected 32-byte base64 field")
	}
	copy(out[:], raw)
	return out, nil
}
