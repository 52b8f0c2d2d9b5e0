// Package tunnel forwards a frontend connection through an SSH server, so a
// client can reach a pool whose frontend is only reachable from that host.
//
// A Tunnel listens on a loopback port and opens one direct-tcpip channel per
// accepted connection. The zmq socket then connects to the loopback endpoint.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/drblury/zmqflow/internal/runtime/logging"
)

const (
	DefaultPort    = "22"
	DefaultTimeout = 60 * time.Second
)

// ErrUnsupportedEndpoint is returned for endpoints other than tcp://host:port.
var ErrUnsupportedEndpoint = errors.New("tunnel: only tcp endpoints can be tunnelled")

// Config describes the SSH server. Host is "user@host[:port]".
type Config struct {
	Host     string `toml:"host" yaml:"host" json:"host"`
	KeyFile  string `toml:"key_file" yaml:"key_file" json:"key_file"`
	Password string `toml:"password" yaml:"password" json:"password"`
	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts string `toml:"known_hosts" yaml:"known_hosts" json:"known_hosts"`
	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool          `toml:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`
	Timeout               time.Duration `toml:"timeout" yaml:"timeout" json:"timeout"`
}

// Enabled reports whether a tunnel is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

// Validate checks a configured tunnel. A disabled one is always valid.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if _, _, err := c.target(); err != nil {
		return err
	}
	if c.KeyFile == "" && c.Password == "" {
		return errors.New("ssh: key_file or password is required")
	}
	if c.Timeout < 0 {
		return errors.New("ssh: timeout cannot be negative")
	}
	return nil
}

// target splits Host into the user and the dial address.
func (c Config) target() (user, addr string, err error) {
	host := strings.TrimSpace(c.Host)
	if at := strings.LastIndex(host, "@"); at >= 0 {
		user, host = host[:at], host[at+1:]
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return "", "", fmt.Errorf("ssh: no user in host %q", c.Host)
	}
	if host == "" {
		return "", "", fmt.Errorf("ssh: host is required")
	}
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, DefaultPort)
	}
	return user, host, nil
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// ClientConfig builds the SSH client settings. A key file is tried first and
// the password doubles as its passphrase when the key is encrypted.
func (c Config) ClientConfig() (*ssh.ClientConfig, string, error) {
	user, addr, err := c.target()
	if err != nil {
		return nil, "", err
	}

	var methods []ssh.AuthMethod
	if c.KeyFile != "" {
		signer, err := c.signer()
		if err != nil {
			return nil, "", err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}

	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, "", err
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         c.timeout(),
	}, addr, nil
}

func (c Config) signer() (ssh.Signer, error) {
	raw, err := os.ReadFile(expandHome(c.KeyFile))
	if err != nil {
		return nil, fmt.Errorf("ssh: read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && c.Password != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(c.Password))
	}
	if err != nil {
		return nil, fmt.Errorf("ssh: parse key file: %w", err)
	}
	return signer, nil
}

func (c Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := c.KnownHosts
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("ssh: known hosts: %w", err)
	}
	return cb, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// RemoteAddr turns a zmq tcp endpoint into the host:port the SSH server
// dials.
func RemoteAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "tcp" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, endpoint)
	}
	if _, port, err := net.SplitHostPort(u.Host); err != nil || port == "" || port == "*" {
		return "", fmt.Errorf("%w: %q needs a fixed port", ErrUnsupportedEndpoint, endpoint)
	}
	return u.Host, nil
}

// dial opens the SSH connection and honours ctx while the TCP connect runs.
func dial(ctx context.Context, network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Tunnel is one forwarded endpoint. Close releases the listener, the SSH
// connection and every forwarded connection.
type Tunnel struct {
	client   *ssh.Client
	listener net.Listener
	remote   string
	log      logging.ServiceLogger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.Mutex
	conns     map[net.Conn]struct{}
}

// Open connects to the SSH server and starts forwarding a loopback port to
// endpoint as seen from that server.
func Open(ctx context.Context, cfg Config, endpoint string, logger logging.ServiceLogger) (*Tunnel, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	remote, err := RemoteAddr(endpoint)
	if err != nil {
		return nil, err
	}
	clientCfg, addr, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	client, err := dial(ctx, "tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh: connect %s: %w", addr, err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ssh: listen: %w", err)
	}

	t := &Tunnel{
		client:   client,
		listener: listener,
		remote:   remote,
		log:      logger.With(logging.LogFields{"ssh": addr, "remote": remote}),
		conns:    make(map[net.Conn]struct{}),
	}
	t.wg.Add(1)
	go t.accept()
	t.log.Debug("SSH tunnel open", logging.LogFields{"local": listener.Addr().String()})
	return t, nil
}

// Endpoint is the loopback zmq endpoint that reaches the remote one.
func (t *Tunnel) Endpoint() string {
	return "tcp://" + t.listener.Addr().String()
}

func (t *Tunnel) accept() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		t.log.Error("SSH forward failed", err, nil)
		_ = local.Close()
		return
	}
	if !t.track(local, remote) {
		return
	}
	defer t.untrack(local, remote)

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go pipe(remote, local)
	go pipe(local, remote)
	<-done
	_ = local.Close()
	_ = remote.Close()
	<-done
}

func (t *Tunnel) track(conns ...net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		for _, c := range conns {
			_ = c.Close()
		}
		return false
	}
	for _, c := range conns {
		t.conns[c] = struct{}{}
	}
	return true
}

func (t *Tunnel) untrack(conns ...net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		delete(t.conns, c)
	}
}

// Close stops forwarding and waits for the forwarding goroutines.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.listener.Close()
		t.mu.Lock()
		for c := range t.conns {
			_ = c.Close()
		}
		t.conns = nil
		t.mu.Unlock()
		if cerr := t.client.Close(); err == nil {
			err = cerr
		}
		t.wg.Wait()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
