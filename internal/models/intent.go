package models

import "time"

// Operation тип мутации
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpToggle Operation = "toggle"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpToggle:
		return true
	}
	return false
}

// MutationIntent describes a local change together with what is needed to undo it.
// ID doubles as the idempotency key for the server call.
type MutationIntent struct {
	CreatedAt time.Time `json:"created_at"`
	// PreviousSnapshot holds the touched fields before the change.
	// For delete it is the full payload, for create it is nil.
	PreviousSnapshot Payload   `json:"previous_snapshot,omitempty"`
	ProposedValue    Payload   `json:"proposed_value,omitempty"`
	ID               string    `json:"id"`
	Collection       string    `json:"collection"`
	TargetID         string    `json:"target_id"`
	Field            string    `json:"field,omitempty"` // только для toggle
	Operation        Operation `json:"operation"`
}

// Fields возвращает список полей, которые меняет мутация.
// Для delete возвращается nil: удаление затрагивает запись целиком.
func (i *MutationIntent) Fields() []string {
	switch i.Operation {
	case OpToggle:
		return []string{i.Field}
	case OpCreate, OpUpdate:
		return i.ProposedValue.Keys()
	default:
		return nil
	}
}

// Touches reports whether the intent masks field against remote updates.
func (i *MutationIntent) Touches(field string) bool {
	if i.Operation == OpDelete {
		return true
	}
	for _, f := range i.Fields() {
		if f == field {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the intent.
func (i *MutationIntent) Clone() *MutationIntent {
	c := *i
	c.PreviousSnapshot = i.PreviousSnapshot.Clone()
	c.ProposedValue = i.ProposedValue.Clone()
	return &c
}
