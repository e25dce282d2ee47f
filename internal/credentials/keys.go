package credentials

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// KeyHandle points at the locally persisted key pair.
type KeyHandle struct {
	PrivateKeyPath string
	PublicKeyPath  string
	AuthorizedKey  string
}

// InstallError is returned when the public key could not be installed
// on the target host. Remediation is the exact manual command the
// operator can run instead; the run must not retry past this.
type InstallError struct {
	Host        string
	User        string
	Reason      string
	Remediation string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("key installation failed on %s@%s: %s (run manually: %s)",
		e.User, e.Host, e.Reason, e.Remediation)
}

// KeyManager owns the dedicated deployment key pair. The pair lives at
// a fixed local path, is created lazily, and is never rotated
// automatically.
type KeyManager struct {
	path   string
	logger *zap.Logger
}

// NewKeyManager creates a key manager for the given private key path.
func NewKeyManager(path string, logger *zap.Logger) *KeyManager {
	return &KeyManager{path: path, logger: logger}
}

// EnsureKey returns the existing key pair or generates one on first
// use. An existing key that fails to parse is an error, never a silent
// regeneration: overwriting it would lock the operator out of every
// host the old key was installed on.
func (m *KeyManager) EnsureKey() (*KeyHandle, error) {
	pubPath := m.path + ".pub"

	if data, err := os.ReadFile(m.path); err == nil {
		signer, perr := ssh.ParsePrivateKey(data)
		if perr != nil {
			return nil, fmt.Errorf("existing key at %s is unreadable: %w", m.path, perr)
		}
		authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
		if _, err := os.Stat(pubPath); os.IsNotExist(err) {
			_ = os.WriteFile(pubPath, []byte(authorized+"\n"), 0o644)
		}
		return &KeyHandle{PrivateKeyPath: m.path, PublicKeyPath: pubPath, AuthorizedKey: authorized}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "deployd deployment key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(m.path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if err := os.WriteFile(pubPath, []byte(authorized+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	m.logger.Info("generated new deployment key pair", zap.String("path", m.path))
	return &KeyHandle{PrivateKeyPath: m.path, PublicKeyPath: pubPath, AuthorizedKey: authorized}, nil
}

// VerifyOrInstall checks that the key pair is accepted by the target
// host. On authentication failure with a password supplied, it installs
// the public key via password auth once, then re-verifies. Install
// failure is terminal and carries the manual remediation command.
func (m *KeyManager) VerifyOrInstall(host string, port int, user, password string, key *KeyHandle, timeout time.Duration) error {
	if err := m.verify(host, port, user, key, timeout); err == nil {
		return nil
	}

	remediation := fmt.Sprintf("ssh-copy-id -i %s %s@%s", key.PublicKeyPath, user, host)

	if password == "" {
		return &InstallError{
			Host:        host,
			User:        user,
			Reason:      "key not authorized and no password supplied",
			Remediation: remediation,
		}
	}

	client, err := dial(host, port, user, []ssh.AuthMethod{ssh.Password(password)}, timeout)
	if err != nil {
		return &InstallError{
			Host:        host,
			User:        user,
			Reason:      fmt.Sprintf("password authentication failed: %v", err),
			Remediation: remediation,
		}
	}
	defer client.Close()

	installCmd := fmt.Sprintf(
		"mkdir -p ~/.ssh && chmod 700 ~/.ssh && grep -qF '%s' ~/.ssh/authorized_keys 2>/dev/null || echo '%s' >> ~/.ssh/authorized_keys; chmod 600 ~/.ssh/authorized_keys",
		key.AuthorizedKey, key.AuthorizedKey,
	)

	session, err := client.NewSession()
	if err != nil {
		return &InstallError{Host: host, User: user, Reason: err.Error(), Remediation: remediation}
	}
	runErr := session.Run(installCmd)
	session.Close()
	if runErr != nil {
		return &InstallError{
			Host:        host,
			User:        user,
			Reason:      fmt.Sprintf("authorized_keys update failed: %v", runErr),
			Remediation: remediation,
		}
	}

	if err := m.verify(host, port, user, key, timeout); err != nil {
		return &InstallError{
			Host:        host,
			User:        user,
			Reason:      fmt.Sprintf("key still rejected after installation: %v", err),
			Remediation: remediation,
		}
	}

	m.logger.Info("installed deployment key on host",
		zap.String("host", host),
		zap.String("user", user),
	)
	return nil
}

// verify attempts one non-interactive key-auth connection.
func (m *KeyManager) verify(host string, port int, user string, key *KeyHandle, timeout time.Duration) error {
	data, err := os.ReadFile(key.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	client, err := dial(host, port, user, []ssh.AuthMethod{ssh.PublicKeys(signer)}, timeout)
	if err != nil {
		return err
	}
	return client.Close()
}

func dial(host string, port int, user string, auth []ssh.AuthMethod, timeout time.Duration) (*ssh.Client, error) {
	if port == 0 {
		port = 22
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return ssh.Dial("tcp", fmt.Sprintf("%s:%d", host, port), &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	})
}
