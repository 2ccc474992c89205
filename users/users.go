package users

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jrsteele09/go-auth-session/internal/utils"
)

// RoleType is an application role granted to the signed-in user.
type RoleType string

const (
	RoleAdmin     RoleType = "admin"     // Can manage users and reference data
	RoleManager   RoleType = "manager"   // Can manage customers and equipment
	RoleInspector RoleType = "inspector" // Can record inspections
	RoleViewer    RoleType = "viewer"    // Read-only access
)

// MFAuthType is the second factor a user has enrolled.
type MFAuthType string

const (
	MFNone          MFAuthType = "none"
	MFAuthenticator MFAuthType = "authenticator"
	MFEmail         MFAuthType = "email"
	MFTSms          MFAuthType = "sms"
)

// Profile is the user profile returned by the identity provider and
// embedded in the session. ID is the identity provider subject.
type Profile struct {
	ID        string     `json:"id" cbor:"id"`
	Email     string     `json:"email,omitempty" cbor:"email,omitempty"`
	FirstName string     `json:"first_name,omitempty" cbor:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty" cbor:"last_name,omitempty"`
	Roles     []RoleType `json:"roles,omitempty" cbor:"roles,omitempty"`
	MFType    MFAuthType `json:"mfType,omitempty" cbor:"mf_type,omitempty"`
}

// Validate checks the profile carries an identity.
func (p *Profile) Validate() error {
	if p == nil {
		return fmt.Errorf("profile is missing")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("profile has no id")
	}
	return nil
}

// HasRole reports whether role was granted to the user. It is a plain set
// membership test; no role is implicitly granted.
func (p *Profile) HasRole(role RoleType) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Roles, role)
}

// DisplayName returns "First Last", falling back to the email address.
func (p *Profile) DisplayName() string {
	if p == nil {
		return ""
	}
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.Email
	}
	return name
}

// MFAAuth reports whether the user has a second factor enrolled.
func (p *Profile) MFAAuth() bool {
	return p != nil && p.MFType != "" && p.MFType != MFNone
}

// Clone returns a deep copy so callers cannot mutate session state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Roles = utils.CloneSlice(p.Roles)
	return &c
}

// ParseRoles converts raw role names, dropping empty entries.
func ParseRoles(names []string) []RoleType {
	roles := make([]RoleType, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			roles = append(roles, RoleType(name))
		}
	}
	return roles
}
