package spawn

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHLauncher starts agents on a remote host. The remote PID is not visible,
// so processes report PID 0 until the agent's session-started report.
type SSHLauncher struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
	// Command is the remote agent binary; defaults to "edgesession".
	Command  string
	BaseArgs []string
}

func (l SSHLauncher) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := sess.Start(l.remoteCommand(spec)); err != nil {
		sess.Close()
		client.Close()
		return nil, err
	}
	return &sshProcess{client: client, session: sess, done: make(chan struct{})}, nil
}

// remoteCommand renders one shell line: optional cd, env assignments, exec.
func (l SSHLauncher) remoteCommand(spec Spec) string {
	command := strings.TrimSpace(l.Command)
	if command == "" {
		command = "edgesession"
	}
	base := l.BaseArgs
	if base == nil {
		base = []string{"agent"}
	}
	args := append(append([]string{}, base...), spec.Args...)

	var b strings.Builder
	if dir := strings.TrimSpace(spec.Directory); dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellEscape(dir))
		b.WriteString(" && ")
	}
	for _, kv := range spec.Env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(shellEscape(value))
		b.WriteByte(' ')
	}
	b.WriteString("exec ")
	b.WriteString(joinCommand(command, args))
	return b.String()
}

type sshProcess struct {
	client  *ssh.Client
	session *ssh.Session
	once    sync.Once
	err     error
	done    chan struct{}
}

func (p *sshProcess) PID() int { return 0 }

func (p *sshProcess) Wait() error {
	p.once.Do(func() {
		p.err = p.session.Wait()
		p.session.Close()
		p.client.Close()
		close(p.done)
	})
	<-p.done
	return p.err
}

func (p *sshProcess) Stop() error {
	// Many sshd builds ignore signal requests; closing the session hangs
	// up the remote shell instead.
	if err := p.session.Signal(ssh.SIGTERM); err != nil {
		return p.session.Close()
	}
	return nil
}

func joinCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return shellEscape(cmd)
	}

	var builder strings.Builder
	builder.WriteString(shellEscape(cmd))
	for _, arg := range args {
		builder.WriteByte(' ')
		builder.WriteString(shellEscape(arg))
	}

	return builder.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func (l SSHLauncher) dial(ctx context.Context) (*ssh.Client, error) {
	address, err := l.address()
	if err != nil {
		return nil, err
	}

	config, err := l.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: l.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (l SSHLauncher) address() (string, error) {
	host := strings.TrimSpace(l.Host)
	if host == "" {
		return "", fmt.Errorf("%w: ssh host is required", ErrInvalidConfig)
	}

	if l.Port != "" {
		return net.JoinHostPort(host, l.Port), nil
	}

	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}

	return net.JoinHostPort(host, "22"), nil
}

func (l SSHLauncher) clientConfig() (*ssh.ClientConfig, error) {
	if l.User == "" {
		return nil, fmt.Errorf("%w: ssh user is required", ErrInvalidConfig)
	}

	signer, err := l.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if l.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := l.knownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            l.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         l.Timeout,
	}, nil
}

func (l SSHLauncher) signer() (ssh.Signer, error) {
	if l.KeyPath == "" {
		return nil, fmt.Errorf("%w: ssh key path is required", ErrInvalidConfig)
	}

	privateKey, err := os.ReadFile(l.KeyPath)
	if err != nil {
		return nil, err
	}

	if len(l.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, l.Passphrase)
	}

	return ssh.ParsePrivateKey(privateKey)
}

func (l SSHLauncher) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(l.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	return knownhosts.New(path)
}
