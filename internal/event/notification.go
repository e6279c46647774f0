package event

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
)

// Notification is the JSON form of a RefUpdate exchanged between
// instances. Object ids are hex; an empty id means the zero id.
type Notification struct {
	ID      string `json:"id,omitempty"`
	Origin  string `json:"origin,omitempty"`
	Project string `json:"project"`
	RefName string `json:"refName"`
	OldID   string `json:"oldId,omitempty"`
	NewID   string `json:"newId,omitempty"`
}

func NewNotification(ev model.RefUpdate) Notification {
	return Notification{
		ID:      ev.ID,
		Origin:  ev.Origin,
		Project: ev.Project,
		RefName: ev.RefName,
		OldID:   ev.OldID.String(),
		NewID:   ev.NewID.String(),
	}
}

// RefUpdate validates n and converts it.
func (n Notification) RefUpdate() (model.RefUpdate, error) {
	if strings.TrimSpace(n.Project) == "" {
		return model.RefUpdate{}, apperror.ValidationFailed("project", "project is required")
	}
	if !strings.HasPrefix(n.RefName, "refs/") {
		return model.RefUpdate{}, apperror.ValidationFailed("refName", "refName must start with refs/")
	}
	oldID, err := parseID("oldId", n.OldID)
	if err != nil {
		return model.RefUpdate{}, err
	}
	newID, err := parseID("newId", n.NewID)
	if err != nil {
		return model.RefUpdate{}, err
	}
	if oldID.IsZero() && newID.IsZero() {
		return model.RefUpdate{}, apperror.ValidationFailed("newId", "oldId and newId cannot both be zero")
	}

	return model.RefUpdate{
		ID:      n.ID,
		Origin:  n.Origin,
		Project: n.Project,
		RefName: n.RefName,
		OldID:   oldID,
		NewID:   newID,
	}, nil
}

func parseID(field, s string) (model.ObjectID, error) {
	if s == "" {
		return model.ZeroID, nil
	}
	if !plumbing.IsHash(s) {
		return model.ZeroID, apperror.ValidationFailed(field, field+" must be a 40 character hex object id")
	}
	return plumbing.NewHash(s), nil
}
