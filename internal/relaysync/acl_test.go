package relaysync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicyMatrix(t *testing.T) {
	owner := Actor{ID: "alice", Shares: map[string]struct{}{"sh1": {}}}
	member := Actor{ID: "bob", Shares: map[string]struct{}{"sh1": {}}}
	stranger := Actor{ID: "carol", Shares: map[string]struct{}{"sh2": {}}}
	anonymous := Actor{}

	plain := Target{OwnerID: "alice"}
	shared := Target{OwnerID: "alice", ShareID: "sh1"}
	shareRoot := Target{OwnerID: "alice", ShareID: "sh1", IsShareRoot: true}

	actions := []Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete}
	tests := []struct {
		name   string
		actor  Actor
		target Target
		allow  map[Action]bool
	}{
		{"owner plain", owner, plain, map[Action]bool{ActionRead: true, ActionCreate: true, ActionUpdate: true, ActionDelete: true}},
		{"owner share root", owner, shareRoot, map[Action]bool{ActionRead: true, ActionCreate: true, ActionUpdate: true, ActionDelete: true}},
		{"member plain", member, plain, map[Action]bool{}},
		{"member shared", member, shared, map[Action]bool{ActionRead: true, ActionCreate: true, ActionUpdate: true, ActionDelete: true}},
		{"member share root", member, shareRoot, map[Action]bool{ActionRead: true, ActionCreate: true, ActionUpdate: true}},
		{"stranger shared", stranger, shared, map[Action]bool{}},
		{"stranger share root", stranger, shareRoot, map[Action]bool{}},
		{"anonymous", anonymous, plain, map[Action]bool{}},
	}
	for _, tc := range tests {
		for _, action := range actions {
			d := Check(tc.actor, action, tc.target)
			assert.Equal(t, tc.allow[action], d.Allowed, "%s: %s", tc.name, action)
			assert.NotEmpty(t, d.Reason, "%s: %s", tc.name, action)
		}
	}
}

func TestDecisionErrIsPermissionDenied(t *testing.T) {
	d := Check(Actor{ID: "bob"}, ActionDelete, Target{OwnerID: "alice"})
	err := d.Err(ActionDelete)
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	var denied *DeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, ActionDelete, denied.Action)

	assert.NoError(t, Check(Actor{ID: "alice"}, ActionDelete, Target{OwnerID: "alice"}).Err(ActionDelete))
}

func TestActorInShareIgnoresEmptyShare(t *testing.T) {
	actor := Actor{ID: "bob", Shares: map[string]struct{}{"": {}}}
	assert.False(t, actor.InShare(""))
}
