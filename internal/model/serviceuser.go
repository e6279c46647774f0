// Package model defines the data structures shared by the registry, the
// directory adapter and the audit/policy services.
package model

import (
	"fmt"
	"time"
)

// CreatedAtLayout is the RFC 2822 layout used for ServiceUser.CreatedAt and
// the Date header of audit notes.
const CreatedAtLayout = time.RFC1123Z

// ServiceUser is the registry record for one bot account.
//
// Username is the registry key and never changes once written. CreatorID and
// CreatedAt are write-once; CreatorName is a denormalized copy of the
// creator's display name at registration time and may go stale.
type ServiceUser struct {
	Username    string `json:"username"`
	CreatorID   int64  `json:"creatorId"`
	CreatorName string `json:"createdBy,omitempty"`
	CreatedAt   string `json:"createdAt"`
	Owner       string `json:"owner,omitempty"` // group ref; empty = creator-owned
}

// HasOwner reports whether an owner group is configured.
func (u ServiceUser) HasOwner() bool {
	return u.Owner != ""
}

// Account is a directory account as seen by this subsystem.
type Account struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
	Active   bool   `json:"active"`
}

// DisplayIdentity renders the account the way audit notes show people.
func (a Account) DisplayIdentity() string {
	switch {
	case a.FullName != "" && a.Email != "":
		return fmt.Sprintf("%s <%s>", a.FullName, a.Email)
	case a.FullName != "":
		return a.FullName
	case a.Email != "":
		return fmt.Sprintf("<%s>", a.Email)
	default:
		return fmt.Sprintf("Anonymous Coward #%d", a.ID)
	}
}

// Group is a directory group. UUID is the opaque ref stored as a service
// user's owner.
type Group struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}
