// Package tunneltest runs an in-process SSH server that serves direct-tcpip
// channels, for tests that exercise tunnelled connections.
package tunneltest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	User     = "zmq"
	Password = "secret"
)

// Server accepts User with Password. Every forwarded address is reported on
// Dialed.
type Server struct {
	Addr    string
	HostKey ssh.Signer
	Dialed  chan string
}

// Start serves until the test ends.
func Start(t testing.TB) *Server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &Server{Addr: ln.Addr().String(), HostKey: hostKey, Dialed: make(chan string, 64)}

	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg)
		}
	}()
	return srv
}

// Host is the user@host:port form tunnel.Config expects.
func (s *Server) Host() string { return User + "@" + s.Addr }

func (s *Server) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		var target struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(nc.ExtraData(), &target); err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		addr := net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port)))
		upstream, err := net.Dial("tcp", addr)
		if err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			_ = upstream.Close()
			continue
		}
		select {
		case s.Dialed <- addr:
		default:
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			_, _ = io.Copy(ch, upstream)
			_ = ch.CloseWrite()
		}()
		go func() {
			_, _ = io.Copy(upstream, ch)
			_ = upstream.Close()
			_ = ch.Close()
		}()
	}
}
