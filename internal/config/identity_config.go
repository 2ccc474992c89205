package config

import (
	"strconv"
	"strings"
	"time"
)

type IdentityConfig interface {
	GetIssuerURL() string
	GetClientID() string
	GetClientSecret() string
	GetScopes() []string
	GetRequestTimeout() time.Duration
	GetRequestsPerSecond() float64
}

type Identity struct {
	file *fileValues
}

var _ IdentityConfig = Identity{}

func (i Identity) GetIssuerURL() string {
	return GetEnv("IDENTITY_ISSUER_URL", orString(i.file.Identity.IssuerURL, "http://localhost:8080"))
}

func (i Identity) GetClientID() string {
	return GetEnv("IDENTITY_CLIENT_ID", i.file.Identity.ClientID)
}

func (i Identity) GetClientSecret() string {
	return GetEnv("IDENTITY_CLIENT_SECRET", i.file.Identity.ClientSecret)
}

func (i Identity) GetScopes() []string {
	if scopes := GetEnv("IDENTITY_SCOPES", ""); scopes != "" {
		return strings.Fields(scopes)
	}
	if len(i.file.Identity.Scopes) > 0 {
		return i.file.Identity.Scopes
	}
	return []string{"openid", "profile", "email", "offline_access"}
}

// GetRequestTimeout bounds every call to the identity provider.
func (i Identity) GetRequestTimeout() time.Duration {
	return GetEnvDuration("IDENTITY_REQUEST_TIMEOUT", orDuration(i.file.Identity.RequestTimeout, 10*time.Second))
}

// GetRequestsPerSecond caps outbound calls to the identity provider.
func (i Identity) GetRequestsPerSecond() float64 {
	if rps, err := strconv.ParseFloat(GetEnv("IDENTITY_REQUESTS_PER_SECOND", ""), 64); err == nil && rps > 0 {
		return rps
	}
	if i.file.Identity.RequestsPerSecond > 0 {
		return i.file.Identity.RequestsPerSecond
	}
	return 5
}
