package party

import (
	"fmt"
	"time"
)

// Type enumerates the kinds of entities the platform settles with.
type Type string

const (
	TypeSeller   Type = "seller"
	TypeSupplier Type = "supplier"
	TypePartner  Type = "partner"
	TypePlatform Type = "platform"
)

// Valid reports whether t is one of the known party types.
func (t Type) Valid() bool {
	switch t {
	case TypeSeller, TypeSupplier, TypePartner, TypePlatform:
		return true
	}
	return false
}

// Party mirrors the parties table columns touched by the engine.
type Party struct {
	ID             string
	Type           Type
	Name           string
	Active         bool
	CommissionTier string
	CreatedAt      time.Time
}

// Context describes one party to be processed in a settlement run. It is
// transient input, never persisted on its own.
type Context struct {
	Type       Type
	ID         string
	Attributes map[string]string
}

// Key renders the canonical "type:id" identifier used across diagnostics.
func (c Context) Key() string {
	return fmt.Sprintf("%s:%s", c.Type, c.ID)
}

// ContextOf builds a settlement context from a registered party.
func ContextOf(p Party) Context {
	attrs := map[string]string{}
	if p.CommissionTier != "" {
		attrs["commission_tier"] = p.CommissionTier
	}
	return Context{Type: p.Type, ID: p.ID, Attributes: attrs}
}
