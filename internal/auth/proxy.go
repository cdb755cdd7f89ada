package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Headers supplied by a trusted fronting proxy.
const (
	HeaderInternalAuth = "X-BH-Auth"
	HeaderActorID      = "X-Aweb-Actor-ID"
)

// ProxyContext is the authenticated identity asserted by a fronting proxy.
// The proxy terminates end-user auth and forwards a signed context; aweb
// verifies the signature and trusts the fields as-is.
type ProxyContext struct {
	ProjectID     string
	PrincipalType string // "agent" or "project"
	PrincipalID   string
	ActorID       string
}

// SignProxyContext produces the X-BH-Auth header value for pc:
// v2:{project_id}:{principal_type}:{principal_id}:{actor_id}:{hmac}.
func SignProxyContext(pc ProxyContext, secret string) string {
	payload := fmt.Sprintf("v2:%s:%s:%s:%s", pc.ProjectID, pc.PrincipalType, pc.PrincipalID, pc.ActorID)
	return payload + ":" + signPayload(payload, secret)
}

// ParseProxyContext verifies and decodes an X-BH-Auth header value. Any
// malformation or signature mismatch is an error; callers must treat that
// as a terminal authentication failure, never as grounds to retry bearer
// auth.
func ParseProxyContext(value, secret string) (*ProxyContext, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 6 || parts[0] != "v2" {
		return nil, fmt.Errorf("malformed proxy auth header")
	}
	payload := strings.Join(parts[:5], ":")
	want := signPayload(payload, secret)
	if !hmac.Equal([]byte(want), []byte(parts[5])) {
		return nil, fmt.Errorf("proxy auth signature mismatch")
	}
	pc := &ProxyContext{
		ProjectID:     parts[1],
		PrincipalType: parts[2],
		PrincipalID:   parts[3],
		ActorID:       parts[4],
	}
	if pc.ProjectID == "" || pc.PrincipalType == "" {
		return nil, fmt.Errorf("proxy auth header missing fields")
	}
	return pc, nil
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
