// Package main is the entry point for the ansa-keygen utility. Key
// management in the fabric is a deploy-time concern: each agent signs with
// its own RSA private key, and every verifier resolves public keys from a
// shared directory by the issuer's logical name. This tool produces both
// halves in the expected locations and naming convention.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ansa-io/ansa/internal/token"
)

const rsaKeyBits = 2048

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		issuer  string
		keysDir string
		privDir string
	)

	root := &cobra.Command{
		Use:   "ansa-keygen",
		Short: "Generate an RSA key pair for an Ansa agent",
		Long: `ansa-keygen creates the RSA-2048 key pair an agent signs envelopes
with. The private key is written to <private-dir>/<issuer>.pem and the
public key to <public-keys-dir>/<issuer>_public.pem — the first filename
verifiers probe for that issuer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if issuer == "" {
				return fmt.Errorf("issuer is required — set --issuer to the agent's logical name")
			}
			return generate(issuer, privDir, keysDir)
		},
	}

	root.Flags().StringVar(&issuer, "issuer", "", "Agent logical name (e.g. llm_agent)")
	root.Flags().StringVar(&privDir, "private-dir", ".", "Directory to write the private key into")
	root.Flags().StringVar(&keysDir, "public-keys-dir", ".", "Directory to write the public key into")

	return root
}

func generate(issuer, privDir, keysDir string) error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generating RSA key pair: %w", err)
	}

	if err := os.MkdirAll(privDir, 0o700); err != nil {
		return fmt.Errorf("creating private key directory: %w", err)
	}
	if err := os.MkdirAll(keysDir, 0o755); err != nil {
		return fmt.Errorf("creating public keys directory: %w", err)
	}

	privPath := filepath.Join(privDir, issuer+".pem")
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	pubPath := filepath.Join(keysDir, issuer+"_public.pem")
	pubPEM, err := token.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	fmt.Printf("private key: %s\npublic key:  %s\n", privPath, pubPath)
	return nil
}
