// Package auth installs CURVE credentials on sockets before they bind or
// connect. A credential set that is incomplete for a role leaves the socket
// in plaintext.
package auth

import (
	"fmt"
	"strings"

	zmq "github.com/pebbe/zmq4"
)

// CurveSocket is the subset of socket options needed to enable CURVE.
// *zmq4.Socket satisfies it.
type CurveSocket interface {
	SetCurvePublickey(key string) error
	SetCurveSecretkey(key string) error
	SetCurveServerkey(key string) error
	SetCurveServer(value int) error
}

// Credentials are Z85 encoded CURVE keys. The server key is the public key
// of the peer a client connects to.
type Credentials struct {
	PublicKey string `json:"public_key,omitempty" toml:"public_key" yaml:"public_key"`
	SecretKey string `json:"secret_key,omitempty" toml:"secret_key" yaml:"secret_key"`
	ServerKey string `json:"server_key,omitempty" toml:"server_key" yaml:"server_key"`
}

// HasKeypair reports whether the server side keys are present.
func (c Credentials) HasKeypair() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// Complete reports whether the full client triple is present.
func (c Credentials) Complete() bool {
	return c.HasKeypair() && c.ServerKey != ""
}

// Empty reports whether no key at all is configured.
func (c Credentials) Empty() bool {
	return c.PublicKey == "" && c.SecretKey == "" && c.ServerKey == ""
}

// Validate checks key lengths for the keys that are present.
func (c Credentials) Validate() error {
	for name, key := range map[string]string{
		"public_key": c.PublicKey,
		"secret_key": c.SecretKey,
		"server_key": c.ServerKey,
	} {
		if key != "" && len(key) != KeyLength {
			return fmt.Errorf("auth: %s must be %d Z85 characters, got %d", name, KeyLength, len(key))
		}
	}
	return nil
}

// String never prints the secret key.
func (c Credentials) String() string {
	secret := ""
	if c.SecretKey != "" {
		secret = "***REDACTED***"
	}
	return fmt.Sprintf("{public_key:%s secret_key:%s server_key:%s}", c.PublicKey, secret, c.ServerKey)
}

// KeyLength is the length of a Z85 encoded 32 byte key.
const KeyLength = 40

// ApplyServer turns socket into a CURVE server when a keypair is present.
// Backends that bind and proxy devices use it.
func ApplyServer(socket CurveSocket, c Credentials) (bool, error) {
	if !c.HasKeypair() {
		return false, nil
	}
	if err := socket.SetCurvePublickey(c.PublicKey); err != nil {
		return false, fmt.Errorf("auth: set public key: %w", err)
	}
	if err := socket.SetCurveSecretkey(c.SecretKey); err != nil {
		return false, fmt.Errorf("auth: set secret key: %w", err)
	}
	if err := socket.SetCurveServer(1); err != nil {
		return false, fmt.Errorf("auth: enable curve server: %w", err)
	}
	return true, nil
}

// ApplyClient installs the full triple on a connecting socket. Frontends and
// attached backends use it.
func ApplyClient(socket CurveSocket, c Credentials) (bool, error) {
	if !c.Complete() {
		return false, nil
	}
	if err := socket.SetCurvePublickey(c.PublicKey); err != nil {
		return false, fmt.Errorf("auth: set public key: %w", err)
	}
	if err := socket.SetCurveSecretkey(c.SecretKey); err != nil {
		return false, fmt.Errorf("auth: set secret key: %w", err)
	}
	if err := socket.SetCurveServerkey(c.ServerKey); err != nil {
		return false, fmt.Errorf("auth: set server key: %w", err)
	}
	return true, nil
}

// Keypair is a freshly generated CURVE keypair.
type Keypair struct {
	PublicKey string
	SecretKey string
}

// KeypairGenerator is swapped in tests.
var KeypairGenerator = zmq.NewCurveKeypair

// NewKeypair generates a keypair. It fails when libzmq was built without
// CURVE support.
func NewKeypair() (Keypair, error) {
	if !zmq.HasCurve() {
		return Keypair{}, fmt.Errorf("auth: libzmq was built without CURVE support")
	}
	public, secret, err := KeypairGenerator()
	if err != nil {
		return Keypair{}, fmt.Errorf("auth: generate keypair: %w", err)
	}
	return Keypair{PublicKey: public, SecretKey: secret}, nil
}

// Format renders a keypair inside a box of '#', ready to paste into a
// configuration file.
func (k Keypair) Format() string {
	divider := strings.Repeat("#", 80)
	var b strings.Builder
	b.WriteString(divider + "\n")
	b.WriteString("# CURVE keypair\n")
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "public_key = %q\n", k.PublicKey)
	fmt.Fprintf(&b, "secret_key = %q\n", k.SecretKey)
	b.WriteString(divider + "\n")
	return b.String()
}
