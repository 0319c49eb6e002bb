// Package controllers holds the HTTP handlers of the demo server: register
// an identity, then encrypt/decrypt bytes against the running session.
package controllers

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/synnergy/trustchain/core"
	"github.com/synnergy/trustchain/walletserver/services"
)

// SessionController exposes the session's core operations over HTTP.
type SessionController struct {
	svc *services.SessionService
}

func NewSessionController(svc *services.SessionService) *SessionController {
	return &SessionController{svc: svc}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Register creates a new identity and returns its verification key.
func (sc *SessionController) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID            string `json:"user_id"`
		TrustchainSignKey string `json:"trustchain_sign_key_hex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	userIDBytes, err := hex.DecodeString(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var userID core.Hash
	copy(userID[:], userIDBytes)

	keyBytes, err := hex.DecodeString(req.TrustchainSignKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s, err := sc.svc.Open(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	vk, err := s.RegisterIdentity(r.Context(), userID, ed25519.PrivateKey(keyBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	encoded, err := vk.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"verification_key": encoded})
}

// Encrypt seals the request body under a fresh resource key.
func (sc *SessionController) Encrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DataBase64 string `json:"data_base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.DataBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s, err := sc.svc.Open(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	framed, resourceID, err := s.EncryptData(r.Context(), data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"resource_id":   hex.EncodeToString(resourceID[:]),
		"cipher_base64": base64.StdEncoding.EncodeToString(framed),
	})
}

// Decrypt opens a ciphertext produced by Encrypt.
func (sc *SessionController) Decrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CipherBase64 string `json:"cipher_base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	framed, err := base64.StdEncoding.DecodeString(req.CipherBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s, err := sc.svc.Open(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	plaintext, err := s.DecryptData(framed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data_base64": base64.StdEncoding.EncodeToString(plaintext)})
}
