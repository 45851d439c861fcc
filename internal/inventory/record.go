package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"sshpool/internal/host"
)

// Record is a host entry as stored in etcd or served over HTTP.
// JSON documents decode as well, being valid YAML.
type Record struct {
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"password"`
	PrivateKey     string `yaml:"private_key" json:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path" json:"private_key_path"`
	Passphrase     string `yaml:"passphrase" json:"passphrase"`
	KnownHosts     string `yaml:"known_hosts" json:"known_hosts"`
	KnownHostsPath string `yaml:"known_hosts_path" json:"known_hosts_path"`
	ConnectTimeout string `yaml:"connect_timeout" json:"connect_timeout"`
	ReadTimeout    string `yaml:"read_timeout" json:"read_timeout"`
	Version        *int64 `yaml:"version" json:"version"`
}

// DecodeRecord parses one record, rejecting unknown fields
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty host record")
		}
		return nil, fmt.Errorf("failed to decode host record: %w", err)
	}
	return &rec, nil
}

// Identity lays the record over template. Credentials in the record
// replace the template's entirely.
func (r *Record) Identity(template *host.Identity) (*host.Identity, error) {
	id := &host.Identity{Port: 22}
	if template != nil {
		id = template.Clone()
		id.Version = nil
	}

	if r.Host != "" {
		id.Host = r.Host
	}
	if r.Port != 0 {
		id.Port = r.Port
	}
	if r.Username != "" {
		id.Username = r.Username
	}

	switch {
	case r.PrivateKey != "":
		id.Auth = host.InlineKeyAuth([]byte(r.PrivateKey), r.Passphrase)
	case r.PrivateKeyPath != "":
		id.Auth = host.KeyFileAuth(r.PrivateKeyPath, r.Passphrase)
	case r.Password != "":
		id.Auth = host.PasswordAuth(r.Password)
	}

	if r.KnownHosts != "" {
		id.KnownHosts.Mode = host.KnownHostsMode(r.KnownHosts)
	}
	if r.KnownHostsPath != "" {
		id.KnownHosts.Path = r.KnownHostsPath
	}

	var err error
	if id.ConnectTimeout, err = parseTimeout(r.ConnectTimeout, id.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connect_timeout: %w", err)
	}
	if id.ReadTimeout, err = parseTimeout(r.ReadTimeout, id.ReadTimeout); err != nil {
		return nil, fmt.Errorf("read_timeout: %w", err)
	}

	if r.Version != nil {
		v := *r.Version
		id.Version = &v
	}
	return id, nil
}

func parseTimeout(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// addressed clones template for a cloud instance at addr
func addressed(template *host.Identity, addr string) *host.Identity {
	id := &host.Identity{Port: 22}
	if template != nil {
		id = template.Clone()
	}
	id.Host = addr
	id.Version = nil
	return id
}

func pickAddress(public, private string, usePrivate bool) string {
	if usePrivate || public == "" {
		return private
	}
	return public
}
