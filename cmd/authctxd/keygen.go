package main

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"

	"github.com/chimerakang/authctx-go/issuer"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key in PEM form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := issuer.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			pemBytes := issuer.EncodeKey(key)
			if out == "" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote signing key to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write the key to (default stdout)")
	return cmd
}

// loadSigningKey reads the PEM key at path. An empty path yields an ephemeral
// key, so sessions do not survive a restart.
func loadSigningKey(path string, logger *slog.Logger) (*rsa.PrivateKey, error) {
	if path == "" {
		logger.Warn("no issuer key file configured, generating an ephemeral signing key")
		return issuer.GenerateKey()
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return issuer.ParseKey(pemBytes)
}
