package registry

import (
	"github.com/agentfabric/fabric/internal/authn"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/store"
)

// ForceDeregister is the operator-gated variant of Deregister: it requires
// PermServicesManage on the request context and records an audit entry
// naming the acting operator, the way destructive dashboard actions are
// gated before every irreversible change.
func (r *Registry) ForceDeregister(rc *authn.RequestContext, id, reason string) error {
	if rc.AuthEnabled && !rc.HasPermission(authn.PermServicesManage) {
		return ferrors.New(ferrors.Forbidden, "services.manage permission required")
	}
	if err := r.Deregister(id, reason); err != nil {
		return err
	}
	r.audit(rc, "force_deregister", id, reason)
	return nil
}

// SetDependencies is the operator-gated variant of dependency-edge edits.
func (r *Registry) SetDependencies(rc *authn.RequestContext, id string, dependencies []string) error {
	if rc.AuthEnabled && !rc.HasPermission(authn.PermServicesManage) {
		return ferrors.New(ferrors.Forbidden, "services.manage permission required")
	}
	r.mu.RLock()
	_, ok := r.registrations[id]
	r.mu.RUnlock()
	if !ok {
		return ferrors.New(ferrors.NotFound, "service not registered")
	}

	r.deps.setDependencies(id, dependencies)
	if r.store != nil {
		_ = r.store.SaveDependencies(id, dependencies)
	}
	r.audit(rc, "set_dependencies", id, "")
	return nil
}

func (r *Registry) audit(rc *authn.RequestContext, action, target, detail string) {
	if r.store == nil {
		return
	}
	actor := "anonymous"
	if rc != nil && rc.User != nil {
		actor = rc.User.Username
	} else if rc != nil && rc.APIToken != nil {
		actor = "token:" + rc.APIToken.ID
	}
	_ = r.store.AppendAudit(store.AuditEntry{
		Actor:  actor,
		Action: action,
		Target: target,
		Detail: detail,
	})
}
