package model

// RefUpdate reports that RefName in Project moved from OldID to NewID.
//
// Delivery is at-least-once and unordered across projects, so consumers
// must tolerate duplicates.
type RefUpdate struct {
	ID      string   `json:"id,omitempty"`
	Origin  string   `json:"origin,omitempty"`
	Project string   `json:"project"`
	RefName string   `json:"refName"`
	OldID   ObjectID `json:"-"`
	NewID   ObjectID `json:"-"`
}

// IsDelete reports whether the update removed the ref.
func (e RefUpdate) IsDelete() bool {
	return e.NewID.IsZero()
}

// IsCreate reports whether the update created the ref.
func (e RefUpdate) IsCreate() bool {
	return e.OldID.IsZero()
}
