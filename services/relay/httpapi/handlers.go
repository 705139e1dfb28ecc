package httpapi

import (
	"encoding/hex"
	"errors"
	"math/big"
	"math/rand"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/confidential_sequencer/internal/httputil"
	"github.com/R3E-Network/confidential_sequencer/services/relay/enclaveclient"
	"github.com/R3E-Network/confidential_sequencer/services/relay/journal"
	"github.com/R3E-Network/confidential_sequencer/tee/attestation"
	"github.com/R3E-Network/confidential_sequencer/tee/envelope"
	"github.com/R3E-Network/confidential_sequencer/tee/intent"
)

const (
	minNonceHexLen = 32
	maxNonceHexLen = 128
)

// envelopeFields must be non-empty strings in a swap body.
var envelopeFields = []string{"ephPub", "iv", "tag", "data"}

type InfoResponse struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
}

type SwapResponse struct {
	Accepted bool `json:"accepted"`
}

type TestSwapResponse struct {
	Success           bool               `json:"success"`
	Message           string             `json:"message"`
	EncryptedEnvelope *envelope.Envelope `json:"encryptedEnvelope,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.enclave.Heartbeat(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ok"))
		return
	}
	_, _ = w.Write([]byte("ok"))
}

// handleInfo returns the identity cached at startup.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, InfoResponse{
		Address:   s.address,
		PublicKey: s.publicKeyHex,
	})
}

// handlePublicKey asks the enclave for its current key.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pub, err := s.enclave.PublicKey(r.Context())
	if err != nil {
		s.log.Error(r.Context(), "public key request failed", map[string]interface{}{"error": err.Error()})
		httputil.WriteErrorResponse(w, r, http.StatusBadGateway, "ENCLAVE_UNAVAILABLE", "failed to fetch public key from sequencer", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(pub))
}

func validNonceHex(nonce string) bool {
	if len(nonce) < minNonceHexLen || len(nonce) > maxNonceHexLen || len(nonce)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(nonce)
	return err == nil
}

// handleAttest returns the raw CBOR document, or its decoded form with
// decode=1.
func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	nonce := r.URL.Query().Get("nonce")
	if nonce == "" {
		httputil.BadRequest(w, "nonce query parameter is required")
		return
	}
	if !validNonceHex(nonce) {
		httputil.BadRequest(w, "nonce must be an even-length hex string of 32-128 characters")
		return
	}

	doc, err := s.enclave.Attest(r.Context(), nonce)
	if err != nil {
		s.log.Error(r.Context(), "attestation request failed", map[string]interface{}{"error": err.Error()})
		status, code := http.StatusInternalServerError, "ATTESTATION_FAILED"
		if errors.Is(err, enclaveclient.ErrTransport) {
			status, code = http.StatusBadGateway, "ENCLAVE_UNAVAILABLE"
		}
		httputil.WriteErrorResponse(w, r, status, code, "failed to get attestation document from sequencer", nil)
		return
	}

	if r.URL.Query().Get("decode") == "1" {
		parsed, err := attestation.ParseDocument(doc)
		if err != nil {
			httputil.WriteErrorResponse(w, r, http.StatusBadGateway, "INVALID_DOCUMENT", err.Error(), nil)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, parsed)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	w.Header().Set("Content-Disposition", `attachment; filename="attestation.cbor"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// handleSwap checks the envelope shape and forwards the body unchanged.
func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadAllStrict(r.Body, maxBodySize)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		httputil.WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error(), nil)
		return
	}
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if !gjson.ValidBytes(body) {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "INVALID_ENVELOPE", "body is not valid JSON", nil)
		return
	}
	for i, field := range gjson.GetManyBytes(body, envelopeFields...) {
		if field.Type != gjson.String || field.Str == "" {
			httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "INVALID_ENVELOPE", "invalid swap request envelope structure",
				map[string]any{"field": envelopeFields[i]})
			return
		}
	}

	if err := s.enclave.SubmitSwap(r.Context(), body); err != nil {
		s.writeSwapError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SwapResponse{Accepted: true})
}

func (s *Server) writeSwapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, enclaveclient.ErrSwapRejected):
		httputil.WriteErrorResponse(w, r, http.StatusUnprocessableEntity, "SWAP_REJECTED", "sequencer rejected the swap request", nil)
	case errors.Is(err, enclaveclient.ErrTransport):
		s.log.Error(r.Context(), "swap forwarding failed", map[string]interface{}{"error": err.Error()})
		httputil.WriteErrorResponse(w, r, http.StatusBadGateway, "ENCLAVE_UNAVAILABLE", "failed to process swap request", nil)
	default:
		s.log.Error(r.Context(), "swap forwarding failed", map[string]interface{}{"error": err.Error()})
		httputil.InternalError(w, "failed to process swap request")
	}
}

// handleTestSwap encrypts a sample intent to the cached key and submits it.
func (s *Server) handleTestSwap(w http.ResponseWriter, r *http.Request) {
	pub, err := envelope.ParsePublicKeyHex(s.publicKeyHex)
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusServiceUnavailable, "PUBKEY_UNAVAILABLE", "sequencer pubkey unavailable", nil)
		return
	}

	amountIn, _ := new(big.Int).SetString("1000000000000000000", 10)
	minOut, _ := new(big.Int).SetString("990000000000000000", 10)
	sample := &intent.SwapIntent{
		User:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		TokenIn:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		TokenOut: common.HexToAddress("0x3333333333333333333333333333333333333333"),
		AmountIn: amountIn,
		MinOut:   minOut,
		Nonce:    uint64(rand.Intn(10000)),
		Deadline: uint64(time.Now().Add(5 * time.Minute).Unix()),
	}

	env, err := envelope.Encrypt(sample, pub)
	if err != nil {
		httputil.InternalError(w, "test swap encryption failed")
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		httputil.InternalError(w, "test swap encoding failed")
		return
	}

	if err := s.enclave.SubmitSwap(r.Context(), raw); err != nil {
		s.log.Warn(r.Context(), "test swap not acknowledged", map[string]interface{}{"error": err.Error()})
		httputil.WriteJSON(w, http.StatusInternalServerError, TestSwapResponse{
			Success:           false,
			Message:           "test swap failed: sequencer did not acknowledge receipt",
			EncryptedEnvelope: env,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, TestSwapResponse{
		Success:           true,
		Message:           "test swap sent and acknowledged by sequencer",
		EncryptedEnvelope: env,
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		httputil.NotFound(w, "batch journal disabled")
		return
	}
	hash := mux.Vars(r)["hash"]
	entry, err := s.journal.Get(r.Context(), hash)
	if errors.Is(err, journal.ErrNotFound) {
		httputil.NotFound(w, "batch not found")
		return
	}
	if err != nil {
		s.log.Error(r.Context(), "journal lookup failed", map[string]interface{}{"error": err.Error()})
		httputil.InternalError(w, "journal lookup failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}
