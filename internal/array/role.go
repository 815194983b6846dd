package array

import (
	"context"
	"errors"
	"sort"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/duke-git/lancet/v2/slice"

	"yqhp/sysarray/internal/system"
	"yqhp/sysarray/pkg/types"
)

// Role is a named capability resolved through the array on every use, so it
// stays valid while systems join and leave.
type Role struct {
	name  string
	array *Array
}

// Name returns the role name.
func (r *Role) Name() string { return r.name }

// Systems returns the systems currently implementing the role.
func (r *Role) Systems() []*system.System {
	systems, _ := r.array.RoleSystems(r.name)
	return systems
}

// SendData sends inv to every system currently implementing the role.
func (r *Role) SendData(inv *types.Invoke) error {
	systems, err := r.array.RoleSystems(r.name)
	if err != nil {
		return err
	}
	return sendAll(systems, inv)
}

// GetRole resolves name. It fails with ROLE_NOT_FOUND when no system ever
// registered the role.
func (a *Array) GetRole(name string) (*Role, error) {
	a.mu.RLock()
	_, ok := a.known[name]
	a.mu.RUnlock()
	if !ok {
		return nil, types.NewRoleNotFoundError(name)
	}
	return &Role{name: name, array: a}, nil
}

// RoleSystems returns the systems implementing name, in insertion order.
// A known role that currently has no system yields NO_AVAILABLE_PEER.
func (a *Array) RoleSystems(name string) ([]*system.System, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, ok := a.known[name]; !ok {
		return nil, types.NewRoleNotFoundError(name)
	}
	ids := a.roles[name]
	if len(ids) == 0 {
		return nil, types.NewNoAvailablePeerError(name)
	}

	systems := make([]*system.System, 0, len(ids))
	for _, id := range ids {
		if s, ok := a.byID[id]; ok {
			systems = append(systems, s)
		}
	}
	return systems, nil
}

// RoleNames returns the roles that currently have at least one system, sorted.
func (a *Array) RoleNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activeRoles()
}

// KnownRoles returns every role ever registered, sorted.
func (a *Array) KnownRoles() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := maputil.Keys(a.known)
	sort.Strings(names)
	return names
}

func (a *Array) activeRoles() []string {
	names := maputil.Keys(maputil.Filter(a.roles, func(_ string, ids []string) bool {
		return len(ids) > 0
	}))
	sort.Strings(names)
	return names
}

// rebuildRoles recomputes the role table from the current system set and
// returns the roles that became active and the ones that became empty.
// Callers hold a.mu.
func (a *Array) rebuildRoles() (inserted, erased []string) {
	before := a.activeRoles()

	table := make(map[string][]string, len(a.roles))
	for name := range a.known {
		table[name] = nil
	}
	for _, s := range a.systems {
		for _, name := range s.Roles() {
			a.known[name] = struct{}{}
			table[name] = append(table[name], s.ID())
		}
	}
	a.roles = table

	after := a.activeRoles()
	return slice.Difference(after, before), slice.Difference(before, after)
}

func roleEvents(inserted, erased []string) []Event {
	events := make([]Event, 0, len(inserted)+len(erased))
	for _, name := range inserted {
		events = append(events, Event{Kind: EventRoleInserted, Role: name})
	}
	for _, name := range erased {
		events = append(events, Event{Kind: EventRoleErased, Role: name})
	}
	return events
}

// Dispatcher selects the systems an Invoke is sent to.
type Dispatcher interface {
	Targets(a *Array, inv *types.Invoke) ([]*system.System, error)
}

type broadcast struct{}

func (broadcast) Targets(a *Array, _ *types.Invoke) ([]*system.System, error) {
	systems := a.Systems()
	if len(systems) == 0 {
		return nil, types.NewNoAvailablePeerError("")
	}
	return systems, nil
}

// Broadcast targets every system in the array.
var Broadcast Dispatcher = broadcast{}

type byRole string

func (r byRole) Targets(a *Array, _ *types.Invoke) ([]*system.System, error) {
	return a.RoleSystems(string(r))
}

// ByRole targets the systems implementing name.
func ByRole(name string) Dispatcher { return byRole(name) }

// Dispatch sends inv to the systems selected by d.
func (a *Array) Dispatch(ctx context.Context, d Dispatcher, inv *types.Invoke) error {
	targets, err := d.Targets(a, inv)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sendAll(targets, inv)
}

// SendData broadcasts inv to every system.
func (a *Array) SendData(inv *types.Invoke) error {
	return a.Dispatch(context.Background(), Broadcast, inv)
}

func sendAll(systems []*system.System, inv *types.Invoke) error {
	var errs []error
	for _, s := range systems {
		if err := s.Send(inv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
