// Package auth answers capability questions for requesters from a static role table.
package auth

import (
	"strings"

	"github.com/aliskhannn/media-service/internal/model"
)

// Capability is a named permission a role may grant.
type Capability string

const (
	ManageMedia Capability = "manage_media"
	UploadMedia Capability = "upload_media"
	View        Capability = "view"
)

// Table maps a role name to the capabilities it grants.
type Table map[string][]Capability

// DefaultTable is used when no roles are configured.
func DefaultTable() Table {
	return Table{
		"admin":  {ManageMedia, UploadMedia, View},
		"editor": {UploadMedia, View},
		"viewer": {View},
	}
}

// Authorizer is a pure lookup against an injected role table.
type Authorizer struct {
	roles map[string]map[Capability]struct{}
}

// New builds an Authorizer. Role names are case-insensitive.
func New(t Table) *Authorizer {
	if len(t) == 0 {
		t = DefaultTable()
	}

	roles := make(map[string]map[Capability]struct{}, len(t))
	for role, caps := range t {
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		roles[strings.ToLower(role)] = set
	}

	return &Authorizer{roles: roles}
}

// Authorize reports whether r holds capability c. Anonymous requesters hold nothing.
func (a *Authorizer) Authorize(r model.Requester, c Capability) bool {
	if r.UserID == 0 {
		return false
	}

	_, ok := a.roles[strings.ToLower(r.Role)][c]
	return ok
}

// CanManage reports whether r owns the resource or may manage all media.
func (a *Authorizer) CanManage(r model.Requester, ownerID int64) bool {
	if r.UserID != 0 && r.UserID == ownerID {
		return true
	}

	return a.Authorize(r, ManageMedia)
}
