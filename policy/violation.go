package policy

import (
	"fmt"

	"github.com/caffeineduck/partybox/internal/fault"
)

// Kind is the category of a blocked access.
type Kind string

const (
	KindModule   Kind = "Module"
	KindGlobal   Kind = "Global"
	KindFunction Kind = "Function"
)

// Violation is raised when payload code touches something the policy blocks.
type Violation struct {
	Kind Kind
	Name string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("SECURITY: %s '%s' is blocked in game sandbox", v.Kind, v.Name)
}

func (v *Violation) FaultCode() fault.Code {
	return fault.CodeSecurity
}
