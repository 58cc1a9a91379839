package gateway

import (
	"crypto/subtle"
	"os"

	"github.com/soyeahso/tutorchat/internal/config"
)

// AuthResult is the outcome of a connect handshake credential check.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"` // "token" | "password"
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth holds the credentials the gateway accepts.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
}

// ResolveAuth resolves credentials from config, falling back to
// TUTORCHAT_GATEWAY_TOKEN and TUTORCHAT_GATEWAY_PASSWORD.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{
		Mode:     cfg.Mode,
		Token:    cfg.Token,
		Password: cfg.Password,
	}
	if auth.Token == "" {
		auth.Token = os.Getenv("TUTORCHAT_GATEWAY_TOKEN")
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("TUTORCHAT_GATEWAY_PASSWORD")
	}
	if auth.Mode == "" {
		auth.Mode = "token"
		if auth.Password != "" {
			auth.Mode = "password"
		}
	}
	return auth
}

// Authorize checks connect credentials against the resolved server auth.
func Authorize(server ResolvedAuth, client *ConnectAuth) AuthResult {
	if client == nil {
		return AuthResult{Reason: "no credentials provided"}
	}

	var want, got string
	switch server.Mode {
	case "token":
		want, got = server.Token, client.Token
	case "password":
		want, got = server.Password, client.Password
	default:
		return AuthResult{Reason: "unknown auth mode: " + server.Mode}
	}

	switch {
	case want == "":
		return AuthResult{Reason: "server " + server.Mode + " not configured"}
	case got == "":
		return AuthResult{Reason: server.Mode + " required"}
	case !safeEqual(got, want):
		return AuthResult{Reason: server.Mode + "_mismatch"}
	}
	return AuthResult{OK: true, Method: server.Mode}
}

// safeEqual compares in constant time, including when lengths differ.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}
