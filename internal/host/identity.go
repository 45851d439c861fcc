package host

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// AuthKind selects the authentication strategy
type AuthKind string

const (
	AuthPassword   AuthKind = "password"
	AuthPrivateKey AuthKind = "private_key"
)

// Auth carries the secret material for one login.
// Exactly one of Password or PrivateKeyPath/PrivateKey is used, depending on Kind.
type Auth struct {
	Kind           AuthKind
	Password       []byte
	PrivateKeyPath string
	PrivateKey     []byte
	Passphrase     []byte
}

// PasswordAuth builds password authentication
func PasswordAuth(password string) Auth {
	return Auth{Kind: AuthPassword, Password: []byte(password)}
}

// KeyFileAuth builds public key authentication from a key file
func KeyFileAuth(path, passphrase string) Auth {
	a := Auth{Kind: AuthPrivateKey, PrivateKeyPath: path}
	if passphrase != "" {
		a.Passphrase = []byte(passphrase)
	}
	return a
}

// InlineKeyAuth builds public key authentication from PEM bytes
func InlineKeyAuth(pem []byte, passphrase string) Auth {
	a := Auth{Kind: AuthPrivateKey, PrivateKey: append([]byte(nil), pem...)}
	if passphrase != "" {
		a.Passphrase = []byte(passphrase)
	}
	return a
}

func (a Auth) validate() error {
	switch a.Kind {
	case AuthPassword:
		if len(a.Password) == 0 {
			return errors.New("password authentication requires a password")
		}
	case AuthPrivateKey:
		if a.PrivateKeyPath == "" && len(a.PrivateKey) == 0 {
			return errors.New("private key authentication requires a key path or inline key")
		}
	case "":
		return errors.New("authentication type is required")
	default:
		return fmt.Errorf("unsupported authentication type: %s", a.Kind)
	}
	return nil
}

func (a Auth) clone() Auth {
	return Auth{
		Kind:           a.Kind,
		Password:       cloneBytes(a.Password),
		PrivateKeyPath: a.PrivateKeyPath,
		PrivateKey:     cloneBytes(a.PrivateKey),
		Passphrase:     cloneBytes(a.Passphrase),
	}
}

// KnownHostsMode selects host key verification
type KnownHostsMode string

const (
	KnownHostsStrict    KnownHostsMode = "strict"
	KnownHostsAcceptNew KnownHostsMode = "accept-new"
	KnownHostsOff       KnownHostsMode = "off"
)

// KnownHosts configures host key verification
type KnownHosts struct {
	Mode KnownHostsMode
	Path string
}

// DefaultKnownHostsPath returns ~/.ssh/known_hosts
func DefaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh", "known_hosts")
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// Identity is the resolved connection target for one host.
// It is consumed by the session layer, which clears the secrets once a
// connection factory has been built from it.
type Identity struct {
	Host           string
	Port           int
	Username       string
	Auth           Auth
	KnownHosts     KnownHosts
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// Version changes when the host's credentials or settings change.
	// Nil means the source does not track versions.
	Version *int64

	cleared bool
}

// StableKey identifies the connection target without secrets
func (i *Identity) StableKey() string {
	return i.Host + ":" + strconv.Itoa(i.Port) + ":" + i.Username
}

// Address returns host:port for dialing
func (i *Identity) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// WithVersion returns a copy of i carrying version v
func (i *Identity) WithVersion(v int64) *Identity {
	out := i.Clone()
	out.Version = &v
	return out
}

// Validate checks that the identity can be used to connect
func (i *Identity) Validate() error {
	if i.Host == "" {
		return errors.New("host is required")
	}
	if i.Port < 1 || i.Port > 65535 {
		return fmt.Errorf("port %d out of range", i.Port)
	}
	if i.Username == "" {
		return errors.New("username is required")
	}
	if i.cleared {
		return errors.New("identity secrets already cleared")
	}
	if err := i.Auth.validate(); err != nil {
		return err
	}
	switch i.KnownHosts.Mode {
	case "", KnownHostsStrict, KnownHostsAcceptNew, KnownHostsOff:
	default:
		return fmt.Errorf("unsupported known hosts mode: %s", i.KnownHosts.Mode)
	}
	return nil
}

// Clone deep-copies the identity including secrets
func (i *Identity) Clone() *Identity {
	out := *i
	out.Auth = i.Auth.clone()
	if i.Version != nil {
		v := *i.Version
		out.Version = &v
	}
	return &out
}

// ClearSensitive overwrites the secret bytes with zeros.
// Copies made by the Go runtime or by auth libraries are out of reach,
// so this narrows the exposure window rather than closing it.
func (i *Identity) ClearSensitive() {
	clear(i.Auth.Password)
	clear(i.Auth.Passphrase)
	clear(i.Auth.PrivateKey)
	i.Auth.Password = nil
	i.Auth.Passphrase = nil
	i.Auth.PrivateKey = nil
	i.cleared = true
}

// Cleared reports whether ClearSensitive has run
func (i *Identity) Cleared() bool {
	return i.cleared
}

// VersionString formats the version for logs
func (i *Identity) VersionString() string {
	if i.Version == nil {
		return "none"
	}
	return strconv.FormatInt(*i.Version, 10)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
