package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"sshpool/internal/host"
	"sshpool/internal/logging"
)

// authMethods builds the client auth chain for one identity
func authMethods(a host.Auth) ([]ssh.AuthMethod, error) {
	switch a.Kind {
	case host.AuthPassword:
		password := string(a.Password)
		// Servers with PasswordAuthentication off often still allow
		// keyboard-interactive with a single password prompt
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(password), ssh.KeyboardInteractive(answer)}, nil

	case host.AuthPrivateKey:
		signer, err := loadSigner(a)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("unsupported authentication type: %s", a.Kind)
	}
}

// loadSigner parses the inline key or reads it from disk
func loadSigner(a host.Auth) (ssh.Signer, error) {
	pemBytes := a.PrivateKey
	if len(pemBytes) == 0 {
		keyBytes, err := os.ReadFile(a.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		defer func() { clear(keyBytes) }()
		pemBytes = keyBytes
	}

	if len(a.Passphrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, a.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to parse encrypted private key: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errors.New("private key is encrypted and no passphrase was given")
		}
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// hostKeyCallback selects host key verification for the configured mode
func hostKeyCallback(kh host.KnownHosts) (ssh.HostKeyCallback, error) {
	path := kh.Path
	if path == "" {
		path = host.DefaultKnownHostsPath()
	}

	switch kh.Mode {
	case host.KnownHostsOff:
		return ssh.InsecureIgnoreHostKey(), nil
	case host.KnownHostsAcceptNew:
		return acceptNewHostKey(path), nil
	default:
		callback, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", path, err)
		}
		return callback, nil
	}
}

// knownHostsMu serializes read-verify-append on known_hosts files
var knownHostsMu sync.Mutex

// acceptNewHostKey trusts keys of hosts missing from the file and records
// them; a changed key for a recorded host is still rejected
func acceptNewHostKey(path string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		knownHostsMu.Lock()
		defer knownHostsMu.Unlock()

		if err := ensureKnownHostsFile(path); err != nil {
			return err
		}

		callback, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("failed to load known hosts %s: %w", path, err)
		}

		err = callback(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			logging.Logger().Info("Recording new host key",
				zap.String("host", hostname),
				zap.String("fingerprint", ssh.FingerprintSHA256(key)),
				zap.String("known_hosts", path))
			return appendKnownHost(path, hostname, key)
		}
		return err
	}
}

func ensureKnownHostsFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create known hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create known hosts file: %w", err)
	}
	return f.Close()
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known hosts file: %w", err)
	}
	defer SafeClose("known hosts file", f.Close)

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write known hosts entry: %w", err)
	}
	return nil
}
