package sshx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"golang.org/x/crypto/ssh"
)

// Credential carries the authentication material for one device.
type Credential struct {
	User     string
	Password string
	KeyPath  string // optional private key file; password may be empty when set
}

// Legacy-friendly algorithm lists. Old switch firmware often negotiates only
// the first few entries; the modern set follows.
var (
	keyExchanges = []string{
		"diffie-hellman-group1-sha1",
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group-exchange-sha256",
		"ecdh-sha2-nistp256",
		"ecdh-sha2-nistp384",
		"ecdh-sha2-nistp521",
		"curve25519-sha256",
		"curve25519-sha256@libssh.org",
		"diffie-hellman-group16-sha512",
	}
	ciphers = []string{
		"aes128-cbc",
		"aes256-cbc",
		"3des-cbc",
		"aes128-ctr",
		"aes192-ctr",
		"aes256-ctr",
		"aes128-gcm@openssh.com",
		"aes256-gcm@openssh.com",
		"chacha20-poly1305@openssh.com",
	}
	hostKeyAlgorithms = []string{
		"ssh-rsa",
		"rsa-sha2-256",
		"rsa-sha2-512",
		"ecdsa-sha2-nistp256",
		"ecdsa-sha2-nistp384",
		"ecdsa-sha2-nistp521",
		"ssh-ed25519",
	}
)

// Dial opens an SSH transport and an interactive shell session on it.
func Dial(ctx context.Context, host string, port int, cred Credential, connectTimeout time.Duration) (*Session, error) {
	start := time.Now()

	auth, err := authMethods(cred)
	if err != nil {
		return nil, &fleeterrors.ConnectError{Kind: fleeterrors.ConnectAuth, Host: host, Elapsed: time.Since(start), Err: err}
	}

	config := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // fleet devices are not in known_hosts
		Timeout:         connectTimeout,
		Config: ssh.Config{
			KeyExchanges: keyExchanges,
			Ciphers:      ciphers,
		},
		HostKeyAlgorithms: hostKeyAlgorithms,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{Timeout: connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDial(host, start, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else {
		_ = netConn.SetDeadline(time.Now().Add(connectTimeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		kind := fleeterrors.ConnectHandshake
		if strings.Contains(err.Error(), "unable to authenticate") || strings.Contains(err.Error(), "no supported methods") {
			kind = fleeterrors.ConnectAuth
		}
		return nil, &fleeterrors.ConnectError{Kind: kind, Host: host, Elapsed: time.Since(start), Err: err}
	}
	_ = netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	session, err := newShellSession(host, client)
	if err != nil {
		_ = client.Close()
		return nil, &fleeterrors.ConnectError{Kind: fleeterrors.ConnectHandshake, Host: host, Elapsed: time.Since(start), Err: err}
	}
	return session, nil
}

func authMethods(cred Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cred.KeyPath != "" {
		keyBytes, err := os.ReadFile(cred.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key %q: %w", cred.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key %q: %w", cred.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
		// Some devices only offer keyboard-interactive.
		password := cred.Password
		methods = append(methods, ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication methods available")
	}
	return methods, nil
}

func classifyDial(host string, start time.Time, err error) error {
	kind := fleeterrors.ConnectHandshake
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		kind = fleeterrors.ConnectDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = fleeterrors.ConnectRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = fleeterrors.ConnectTimeout
	case errors.Is(err, context.DeadlineExceeded):
		kind = fleeterrors.ConnectTimeout
	}
	return &fleeterrors.ConnectError{Kind: kind, Host: host, Elapsed: time.Since(start), Err: err}
}
