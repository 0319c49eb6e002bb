// Package services wires the HTTP demo server to one running session.
package services

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/synnergy/trustchain/core"
	"github.com/synnergy/trustchain/internal/store/badgerstore"
	"github.com/synnergy/trustchain/internal/transport"
	"github.com/synnergy/trustchain/pkg/config"
	"github.com/synnergy/trustchain/session"
)

// SessionService owns the one session this demo server exposes over HTTP.
// A real multi-tenant deployment would key a pool of sessions by caller, but
// this harness is single-app (spec §1 names the CLI/test surface as out of
// scope for deep implementation).
type SessionService struct {
	cfg *config.Config

	mu sync.Mutex
	s  *session.Session
}

func NewSessionService(cfg *config.Config) *SessionService {
	return &SessionService{cfg: cfg}
}

// Open lazily starts the underlying session on first use.
func (svc *SessionService) Open(ctx context.Context) (*session.Session, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.s != nil {
		return svc.s, nil
	}

	backend, err := badgerstore.Open(svc.cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("services: open store: %w", err)
	}
	var userSecret [core.ResourceKeySize]byte
	copy(userSecret[:], []byte(svc.cfg.AppID))
	store, err := core.NewKeyStore(backend, userSecret)
	if err != nil {
		return nil, fmt.Errorf("services: open key store: %w", err)
	}

	tr := transport.NewWebSocketTransport(svc.cfg.TrustchainURL, svc.cfg.AppID)
	trustchainID := core.BlakeHash([]byte(svc.cfg.AppID))
	_, trustchainPub, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("services: generate trustchain key: %w", err)
	}

	s := session.New(svc.cfg, store, tr, trustchainID, trustchainPub)
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("services: start session: %w", err)
	}
	svc.s = s
	return s, nil
}

// Close stops the session if one was opened.
func (svc *SessionService) Close() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.s == nil {
		return nil
	}
	err := svc.s.Stop()
	svc.s = nil
	return err
}
