package relaysync

type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Actor is the caller together with the shares it may see, either as a
// recipient or as the share owner.
type Actor struct {
	ID     string
	Shares map[string]struct{}
}

func (a Actor) InShare(shareID string) bool {
	if shareID == "" {
		return false
	}
	_, ok := a.Shares[shareID]
	return ok
}

// Target holds the ACL-relevant fields of an item.
type Target struct {
	OwnerID     string
	ShareID     string
	IsShareRoot bool
}

func (it Item) Target(isShareRoot bool) Target {
	return Target{OwnerID: it.OwnerID, ShareID: it.ShareID, IsShareRoot: isShareRoot}
}

type Decision struct {
	Allowed bool
	Reason  string
}

func (d Decision) Err(action Action) error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Action: action, Reason: d.Reason}
}

// Policy decides whether an actor may perform an action on a target. It must
// not touch the store.
type Policy interface {
	Check(actor Actor, action Action, target Target) Decision
}

type DefaultPolicy struct{}

func (DefaultPolicy) Check(actor Actor, action Action, target Target) Decision {
	if actor.ID == "" {
		return Decision{Reason: "anonymous actor"}
	}
	if actor.ID == target.OwnerID {
		return Decision{Allowed: true, Reason: "owner"}
	}
	if actor.InShare(target.ShareID) {
		if action == ActionDelete && target.IsShareRoot {
			return Decision{Reason: "only the owner may delete a share root"}
		}
		switch action {
		case ActionRead, ActionCreate, ActionUpdate, ActionDelete:
			return Decision{Allowed: true, Reason: "share member"}
		}
		return Decision{Reason: "unknown action"}
	}
	return Decision{Reason: "no access"}
}

func Check(actor Actor, action Action, target Target) Decision {
	return DefaultPolicy{}.Check(actor, action, target)
}
