package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
)

// Auth modes.
const (
	ModeToken    = "token"
	ModePassword = "password"
	ModeMesh     = "mesh"
	ModeDevice   = "device"
)

// Header names used by /v1/rpc for the non-bearer modes.
const (
	headerPassword    = "X-Clawgate-Password"
	headerDeviceID    = "X-Clawgate-Device-ID"
	headerDeviceToken = "X-Clawgate-Device-Token"
)

// Credential is what a caller presents.
type Credential struct {
	Mode        string `json:"mode"`
	Token       string `json:"token,omitempty"`
	Password    string `json:"password,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

// Identity is an authenticated caller. Name is the rate-limit key and the
// actor recorded in audit records.
type Identity struct {
	Mode string `json:"mode"`
	Name string `json:"name"`
}

// Authenticator checks credentials against the configured modes.
type Authenticator struct {
	token        string
	passwordHash string
	meshHeader   string
	meshIDs      map[string]bool
	devices      map[string][]byte
	dummy        [sha256.Size]byte
}

// NewAuthenticator prepares cfg for constant-time checks.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		token:        cfg.Token,
		passwordHash: cfg.PasswordHash,
		meshHeader:   cfg.Mesh.Header,
		meshIDs:      make(map[string]bool, len(cfg.Mesh.Identities)),
		devices:      make(map[string][]byte, len(cfg.Devices)),
		dummy:        sha256.Sum256([]byte("clawgate-unknown-device")),
	}
	if a.meshHeader == "" {
		a.meshHeader = DefaultConfig().Auth.Mesh.Header
	}
	for _, id := range cfg.Mesh.Identities {
		if id = strings.TrimSpace(id); id != "" {
			a.meshIDs[id] = true
		}
	}
	for id, sum := range cfg.Devices {
		b, err := hex.DecodeString(sum)
		if err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("gateway: device %q: invalid token hash", id)
		}
		a.devices[id] = b
	}
	return a, nil
}

// Modes lists the enabled modes.
func (a *Authenticator) Modes() []string {
	var out []string
	if a.token != "" {
		out = append(out, ModeToken)
	}
	if a.passwordHash != "" {
		out = append(out, ModePassword)
	}
	if len(a.meshIDs) > 0 {
		out = append(out, ModeMesh)
	}
	if len(a.devices) > 0 {
		out = append(out, ModeDevice)
	}
	return out
}

// Authenticate checks cred. r supplies the peer address and the mesh
// header. Failures are AuthErrors whose cause names the reason; the cause
// never reaches the client.
func (a *Authenticator) Authenticate(cred Credential, r *http.Request) (Identity, error) {
	switch cred.Mode {
	case ModeToken:
		if a.token == "" {
			return Identity{}, authFailure("token auth not enabled")
		}
		if cred.Token == "" || !compareTokens(cred.Token, a.token) {
			return Identity{}, authFailure("invalid token")
		}
		return Identity{Mode: ModeToken, Name: "token"}, nil

	case ModePassword:
		if a.passwordHash == "" {
			return Identity{}, authFailure("password auth not enabled")
		}
		ok, err := VerifyPassword(a.passwordHash, cred.Password)
		if err != nil || !ok {
			return Identity{}, authFailure("invalid password")
		}
		return Identity{Mode: ModePassword, Name: "password"}, nil

	case ModeMesh:
		if len(a.meshIDs) == 0 {
			return Identity{}, authFailure("mesh auth not enabled")
		}
		if !loopbackPeer(r.RemoteAddr) {
			return Identity{}, authFailure("mesh identity from non-loopback peer " + r.RemoteAddr)
		}
		id := strings.TrimSpace(r.Header.Get(a.meshHeader))
		if id == "" || !a.meshIDs[id] {
			return Identity{}, authFailure(fmt.Sprintf("mesh identity %q not allowed", id))
		}
		return Identity{Mode: ModeMesh, Name: "mesh:" + id}, nil

	case ModeDevice:
		if len(a.devices) == 0 {
			return Identity{}, authFailure("device auth not enabled")
		}
		want, known := a.devices[cred.DeviceID]
		if !known {
			want = a.dummy[:]
		}
		got := sha256.Sum256([]byte(cred.DeviceToken))
		if subtle.ConstantTimeCompare(got[:], want) != 1 || !known {
			return Identity{}, authFailure(fmt.Sprintf("invalid token for device %q", cred.DeviceID))
		}
		return Identity{Mode: ModeDevice, Name: "device:" + cred.DeviceID}, nil

	case "":
		return Identity{}, authFailure("missing credentials")
	default:
		return Identity{}, authFailure(fmt.Sprintf("unknown auth mode %q", cred.Mode))
	}
}

// credentialFromRequest reads /v1/rpc credentials from headers.
func (a *Authenticator) credentialFromRequest(r *http.Request) Credential {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return Credential{Mode: ModeToken, Token: strings.TrimSpace(token)}
	}
	if pw := r.Header.Get(headerPassword); pw != "" {
		return Credential{Mode: ModePassword, Password: pw}
	}
	if id := r.Header.Get(headerDeviceID); id != "" {
		return Credential{Mode: ModeDevice, DeviceID: id, DeviceToken: r.Header.Get(headerDeviceToken)}
	}
	if r.Header.Get(a.meshHeader) != "" {
		return Credential{Mode: ModeMesh}
	}
	return Credential{}
}

// failureReason extracts the internal reason from an auth error.
func failureReason(err error) string {
	if cause := errors.Unwrap(err); cause != nil {
		return cause.Error()
	}
	return err.Error()
}

func authFailure(reason string) error {
	return apperr.Wrap(apperr.AuthError, errors.New(reason), "authentication failed")
}

// HashDeviceToken returns the value to configure for a device token.
func HashDeviceToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func loopbackPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
