package participant

// Role names with conventional capability implications.
const (
	RoleDriver    = "driver"
	RoleNavigator = "navigator"
	RoleApprover  = "approver"
	RoleObserver  = "observer"
	RoleAdmin     = "admin"
)

// Explicit capability names. A capability grants its action regardless of
// role; roles imply the capabilities listed in the predicates below.
const (
	CapApprove            = "approve"
	CapPrompt             = "prompt"
	CapInterrupt          = "interrupt"
	CapFork               = "fork"
	CapAddContext         = "add_context"
	CapManageParticipants = "manage_participants"
	CapEndSession         = "end_session"
)

func hasRole(info Info, roles ...string) bool {
	for _, have := range info.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

func hasCapability(info Info, cap string) bool {
	for _, c := range info.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// CanPrompt reports whether a participant may submit prompts to agents.
func CanPrompt(info Info) bool {
	return hasRole(info, RoleDriver, RoleNavigator, RoleAdmin) || hasCapability(info, CapPrompt)
}

// CanApprove reports whether a participant may approve or reject gates.
// Agents never approve their own kind's proposals.
func CanApprove(info Info) bool {
	if info.Type == TypeAgent {
		return false
	}
	return hasRole(info, RoleApprover, RoleAdmin) || hasCapability(info, CapApprove)
}

// CanInterrupt reports whether a participant may raise interrupts.
func CanInterrupt(info Info) bool {
	return hasRole(info, RoleDriver, RoleNavigator, RoleAdmin) || hasCapability(info, CapInterrupt)
}

// CanFork reports whether a participant may branch session history.
func CanFork(info Info) bool {
	return hasRole(info, RoleDriver, RoleAdmin) || hasCapability(info, CapFork)
}

// CanAddContext reports whether a participant may mutate shared context.
func CanAddContext(info Info) bool {
	return hasRole(info, RoleDriver, RoleNavigator, RoleAdmin) || hasCapability(info, CapAddContext) || info.Type == TypeAgent
}

// CanManageParticipants reports whether a participant may change other
// participants' roles or the session config.
func CanManageParticipants(info Info) bool {
	return hasRole(info, RoleAdmin) || hasCapability(info, CapManageParticipants)
}

// CanEndSession reports whether a participant may terminate the session.
func CanEndSession(info Info) bool {
	return hasRole(info, RoleAdmin) || hasCapability(info, CapEndSession)
}

// ChangeRoles replaces the participant's role set wholesale and returns the
// old and new sets for audit logging.
func ChangeRoles(info *Info, roles []string) (old, updated []string) {
	old = info.Roles
	info.Roles = append([]string(nil), roles...)
	return old, info.Roles
}
