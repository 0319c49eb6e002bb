// Package config loads the HTTP demo server's own settings (the port it
// listens on) on top of the shared trustchain session config.
package config

import (
	"os"

	"github.com/synnergy/trustchain/pkg/config"
)

// ServerConfig bundles the HTTP listen port with the session config every
// request handler needs to open a session.
type ServerConfig struct {
	Port    string
	Session *config.Config
}

// Load reads TRUSTCHAIN_* variables for the session and WALLET_PORT for the
// HTTP listener.
func Load() (*ServerConfig, error) {
	sessionCfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	port := os.Getenv("WALLET_PORT")
	if port == "" {
		port = "8081"
	}
	return &ServerConfig{Port: port, Session: sessionCfg}, nil
}
