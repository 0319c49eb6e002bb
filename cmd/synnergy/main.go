// Command trustchain-cli is a thin operator CLI over the session package:
// register a device, then encrypt/decrypt files against a running
// trustchain server. It is a manual-exercise harness, not a full client
// (spec §1 names CLI/test tooling out of scope for deep implementation).
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synnergy/trustchain/core"
	"github.com/synnergy/trustchain/internal/store/badgerstore"
	"github.com/synnergy/trustchain/internal/transport"
	"github.com/synnergy/trustchain/pkg/config"
	"github.com/synnergy/trustchain/session"
)

func main() {
	root := &cobra.Command{Use: "trustchain-cli"}
	root.AddCommand(registerCmd(), encryptCmd(), decryptCmd())
	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func openSession(cfg *config.Config) (*session.Session, error) {
	backend, err := badgerstore.Open(cfg.StoragePath)
	if err != nil {
		return nil, err
	}
	var userSecret [core.ResourceKeySize]byte
	copy(userSecret[:], []byte(cfg.AppID))
	store, err := core.NewKeyStore(backend, userSecret)
	if err != nil {
		return nil, err
	}

	tr := transport.NewWebSocketTransport(cfg.TrustchainURL, cfg.AppID)

	trustchainID := core.BlakeHash([]byte(cfg.AppID))
	_, trustchainPub, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return session.New(cfg, store, tr, trustchainID, trustchainPub), nil
}

func registerCmd() *cobra.Command {
	var userIDHex string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "register a new identity and print its verification key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := s.Start(ctx); err != nil {
				return err
			}

			userIDBytes, err := hex.DecodeString(userIDHex)
			if err != nil {
				return fmt.Errorf("invalid --user-id: %w", err)
			}
			var userID core.Hash
			copy(userID[:], userIDBytes)

			trustchainKey, _, err := ed25519.GenerateKey(nil)
			if err != nil {
				return err
			}
			vk, err := s.RegisterIdentity(ctx, userID, trustchainKey)
			if err != nil {
				return err
			}
			encoded, err := vk.Encode()
			if err != nil {
				return err
			}
			fmt.Println(encoded)
			return s.Stop()
		},
	}
	cmd.Flags().StringVar(&userIDHex, "user-id", "", "hex-encoded user id")
	return cmd
}

func encryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt [file]",
		Short: "encrypt a file and print its resource id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			ctx := context.Background()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			framed, resourceID, err := s.EncryptData(ctx, data)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0]+".enc", framed, 0o600); err != nil {
				return err
			}
			fmt.Printf("resource_id=%s\n", hex.EncodeToString(resourceID[:]))
			return s.Stop()
		},
	}
	return cmd
}

func decryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrypt [file]",
		Short: "decrypt a file produced by encrypt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			framed, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			plaintext, err := s.DecryptData(framed)
			if err != nil {
				return err
			}
			out := args[0] + ".dec"
			if err := os.WriteFile(out, plaintext, 0o600); err != nil {
				return err
			}
			fmt.Println(out)
			return s.Stop()
		},
	}
	return cmd
}
