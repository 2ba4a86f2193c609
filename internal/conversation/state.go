package conversation

import "fmt"

// State is a session's position in the dialog. The concrete types are
// AwaitingPassword, Pending, ConfirmForget and ConfirmCommand.
type State interface {
	// Name is a short label for logs and metrics.
	Name() string
	isState()
}

// AwaitingPassword is the initial state. Only the shared secret leaves it.
type AwaitingPassword struct{}

// Pending is the steady state. Any message is classified and routed.
type Pending struct{}

// ConfirmForget holds the fact proposed for deletion until the next turn.
type ConfirmForget struct {
	ID   int32
	Info string
}

// ConfirmCommand holds a proposed shell command and the request text it
// was synthesized from.
type ConfirmCommand struct {
	Command string
	Message string
}

func (AwaitingPassword) Name() string { return "awaiting_password" }
func (Pending) Name() string          { return "pending" }
func (ConfirmForget) Name() string    { return "confirm_forget" }
func (ConfirmCommand) Name() string   { return "confirm_command" }

func (AwaitingPassword) isState() {}
func (Pending) isState()          {}
func (ConfirmForget) isState()    {}
func (ConfirmCommand) isState()   {}

// Initial returns the state every new session starts in.
func Initial() State { return AwaitingPassword{} }

// Describe renders s with its data for diagnostics.
func Describe(s State) string {
	switch st := s.(type) {
	case ConfirmForget:
		return fmt.Sprintf("%s(id=%d, info=%q)", st.Name(), st.ID, st.Info)
	case ConfirmCommand:
		return fmt.Sprintf("%s(command=%q)", st.Name(), st.Command)
	case nil:
		return "<nil>"
	default:
		return s.Name()
	}
}
