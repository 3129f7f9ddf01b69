package main

import (
	"encoding/hex"
	"fmt"

	"github.com/bsv-blockchain/go-overlay/hostengine"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node identity for a libp2p host",
	Long:  "keygen prints a hex encoded ed25519 private key, as accepted by the host private_key setting, and the peer id it yields.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, id, err := generateIdentity()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "private_key: %s\npeer_id: %s\n", key, id.String())

		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func generateIdentity() (string, peer.ID, error) {
	key, err := hostengine.GenerateHexKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}

	raw, err := hex.DecodeString(key)
	if err != nil {
		return "", "", err
	}

	priv, err := crypto.UnmarshalEd25519PrivateKey(raw)
	if err != nil {
		return "", "", err
	}

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", "", err
	}

	return key, id, nil
}
