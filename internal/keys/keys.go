// Package keys creates the ed25519 key pairs hosts are provisioned with
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"sshpool/internal/logging"
)

// KeyPair represents an SSH key pair
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	// PrivateKey is the OpenSSH PEM encoding, possibly encrypted
	PrivateKey []byte
	// PublicKey is in authorized_keys format
	PublicKey string
}

// Generate creates a key pair in memory. A non-empty passphrase encrypts
// the private key.
func Generate(comment, passphrase string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, comment)
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	publicKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: pem.EncodeToMemory(block),
		PublicKey:  string(ssh.MarshalAuthorizedKey(publicKey)),
	}, nil
}

// GetOrGenerate returns the key pair stored as <dir>/<name> and
// <dir>/<name>.pub, generating it when the private key does not exist yet
func GetOrGenerate(dir, name, passphrase string) (*KeyPair, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	privateKeyPath := filepath.Join(dir, name)
	publicKeyPath := privateKeyPath + ".pub"

	if privateKey, err := os.ReadFile(privateKeyPath); err == nil {
		kp, err := fromPrivate(privateKey, passphrase)
		if err != nil {
			return nil, err
		}
		kp.PrivateKeyPath = privateKeyPath
		kp.PublicKeyPath = publicKeyPath

		// the public half is derived, rewrite it if it went missing
		if _, err := os.Stat(publicKeyPath); os.IsNotExist(err) {
			if err := os.WriteFile(publicKeyPath, []byte(kp.PublicKey), 0644); err != nil {
				return nil, fmt.Errorf("failed to write public key: %w", err)
			}
		}
		return kp, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	kp, err := Generate(name, passphrase)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(privateKeyPath, kp.PrivateKey, 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(publicKeyPath, []byte(kp.PublicKey), 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}
	kp.PrivateKeyPath = privateKeyPath
	kp.PublicKeyPath = publicKeyPath

	logging.Logger().Info("SSH key pair generated",
		zap.String("private_key", privateKeyPath),
		zap.String("public_key", publicKeyPath))
	return kp, nil
}

func fromPrivate(privateKey []byte, passphrase string) (*KeyPair, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase == "" {
		signer, err = ssh.ParsePrivateKey(privateKey)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKey, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  string(ssh.MarshalAuthorizedKey(signer.PublicKey())),
	}, nil
}

// Cleanup removes the key files
func (kp *KeyPair) Cleanup() error {
	for _, p := range []string{kp.PrivateKeyPath, kp.PublicKeyPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}
