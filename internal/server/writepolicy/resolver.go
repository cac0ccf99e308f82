// Package writepolicy resolves operations against group repositories into
// operations against their members. It never touches storage: callers pass
// the per-member operation.
package writepolicy

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
)

const (
	MsgReadOnly             = "Group is read-only"
	MsgPreferredUnset       = "Preferred writer not configured"
	MsgPreferredUnavailable = "Preferred writer unavailable"
	MsgMirrorFailed         = "Mirror write failed on all members"
	MsgUnknownPolicy        = "Unknown write policy"
	MsgNoWritableMember     = "No hosted member available for write"
	MsgNotFoundInGroup      = "Not found in group"
)

// Lookup resolves a repository by id or name. repos.Repository satisfies it.
type Lookup interface {
	Get(ctx context.Context, idOrName string) (*models.Repository, error)
}

// Op is a single-member operation.
type Op[T any] func(ctx context.Context, member *models.Repository) (T, error)

type Resolver struct {
	lookup Lookup
	logger logging.Logger
}

func NewResolver(lookup Lookup, logger logging.Logger) *Resolver {
	return &Resolver{lookup: lookup, logger: logger.With("module", "writepolicy")}
}

// members resolves the group's member list in order. Members that cannot be
// resolved are skipped.
func (r *Resolver) members(ctx context.Context, group *models.Repository) []*models.Repository {
	out := make([]*models.Repository, 0, len(group.Config.Members))
	for _, ref := range group.Config.Members {
		m, err := r.lookup.Get(ctx, ref)
		if err != nil {
			r.logger.Warn(ctx, "skipping unresolved group member", "group", group.Ref(), "member", ref, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}

func hostedOnly(members []*models.Repository) []*models.Repository {
	out := members[:0:0]
	for _, m := range members {
		if m.Type == models.RepositoryHosted {
			out = append(out, m)
		}
	}
	return out
}

// Targets returns the hosted members a write to group would reach under its
// policy, without running anything. Non-group repositories are their own
// single target.
func (r *Resolver) Targets(ctx context.Context, group *models.Repository) ([]*models.Repository, error) {
	if group.Type != models.RepositoryGroup {
		return []*models.Repository{group}, nil
	}

	switch policy(group) {
	case models.WritePolicyNone:
		return nil, common.PolicyViolation(MsgReadOnly)
	case models.WritePolicyPreferred:
		m, err := r.preferred(ctx, group)
		if err != nil {
			return nil, err
		}
		return []*models.Repository{m}, nil
	case models.WritePolicyFirst, models.WritePolicyMirror, models.WritePolicyBroadcast:
		hosted := hostedOnly(r.members(ctx, group))
		if len(hosted) == 0 {
			return nil, common.PolicyViolation(MsgNoWritableMember)
		}
		return hosted, nil
	default:
		return nil, common.PolicyViolation(MsgUnknownPolicy)
	}
}

func policy(group *models.Repository) models.WritePolicy {
	if group.Config.WritePolicy == "" {
		return models.WritePolicyNone
	}
	return group.Config.WritePolicy
}

func (r *Resolver) preferred(ctx context.Context, group *models.Repository) (*models.Repository, error) {
	name := group.Config.PreferredWriter
	if name == "" {
		return nil, common.PolicyViolation(MsgPreferredUnset)
	}
	for _, m := range hostedOnly(r.members(ctx, group)) {
		if m.Name == name || m.ID == name {
			return m, nil
		}
	}
	return nil, common.PolicyViolation(MsgPreferredUnavailable)
}

// Write runs op against the member(s) of group selected by its write
// policy. A non-group repository is passed to op unchanged.
func Write[T any](ctx context.Context, r *Resolver, group *models.Repository, op Op[T]) (T, error) {
	var zero T
	if group.Type != models.RepositoryGroup {
		return op(ctx, group)
	}

	switch policy(group) {
	case models.WritePolicyNone:
		return zero, common.PolicyViolation(MsgReadOnly)

	case models.WritePolicyPreferred:
		m, err := r.preferred(ctx, group)
		if err != nil {
			return zero, err
		}
		return op(ctx, m)

	case models.WritePolicyFirst:
		var lastErr error
		for _, m := range hostedOnly(r.members(ctx, group)) {
			res, err := op(ctx, m)
			if err == nil {
				return res, nil
			}
			r.logger.Warn(ctx, "group write failed on member", "group", group.Ref(), "member", m.Ref(), "error", err)
			lastErr = err
		}
		if lastErr == nil {
			return zero, common.PolicyViolation(MsgNoWritableMember)
		}
		return zero, lastErr

	case models.WritePolicyMirror, models.WritePolicyBroadcast:
		return mirror(ctx, r, group, op)

	default:
		return zero, common.PolicyViolation(MsgUnknownPolicy)
	}
}

// mirror runs op against every hosted member concurrently and waits for all
// of them. The first success in member order is returned.
func mirror[T any](ctx context.Context, r *Resolver, group *models.Repository, op Op[T]) (T, error) {
	var zero T
	hosted := hostedOnly(r.members(ctx, group))
	results := make([]T, len(hosted))
	errs := make([]error, len(hosted))

	var g errgroup.Group
	for i, m := range hosted {
		g.Go(func() error {
			results[i], errs[i] = op(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err == nil {
			return results[i], nil
		}
	}
	for i, err := range errs {
		r.logger.Warn(ctx, "mirror write failed on member", "group", group.Ref(), "member", hosted[i].Ref(), "error", err)
	}
	return zero, common.PolicyViolation(MsgMirrorFailed)
}

// Read fans op out over the members of group in listed order and returns
// the first success. Nested groups are searched depth first; cycles are
// ignored. A non-group repository is passed to op unchanged.
func Read[T any](ctx context.Context, r *Resolver, group *models.Repository, op Op[T]) (T, error) {
	if group.Type != models.RepositoryGroup {
		return op(ctx, group)
	}
	return read(ctx, r, group, op, map[string]bool{group.ID: true})
}

func read[T any](ctx context.Context, r *Resolver, group *models.Repository, op Op[T], seen map[string]bool) (T, error) {
	var zero T
	for _, m := range r.members(ctx, group) {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true

		var (
			res T
			err error
		)
		if m.Type == models.RepositoryGroup {
			res, err = read(ctx, r, m, op, seen)
		} else {
			res, err = op(ctx, m)
		}
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !errors.Is(err, common.ErrNotFound) {
			r.logger.Warn(ctx, "group read failed on member", "group", group.Ref(), "member", m.Ref(), "error", err)
		}
	}
	return zero, common.NotFound(MsgNotFoundInGroup)
}
