package pix

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n3health/pix/internal/platform/fault"
)

// InMemoryRepository is a thread-safe in-memory implementation of Repository.
// It backs tests and development mode.
type InMemoryRepository struct {
	mu         sync.RWMutex
	identities map[uuid.UUID]*Identity
	aliases    map[uuid.UUID]*Alias
	aliasByKey map[string]uuid.UUID // org + "\x00" + source id -> alias id
}

// NewInMemoryRepository creates an empty in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		identities: make(map[uuid.UUID]*Identity),
		aliases:    make(map[uuid.UUID]*Alias),
		aliasByKey: make(map[string]uuid.UUID),
	}
}

func aliasKey(orgID, sourceID string) string {
	return orgID + "\x00" + sourceID
}

// CreateIdentity implements Repository.
func (r *InMemoryRepository) CreateIdentity(_ context.Context, identity *Identity, alias *Alias) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.identities[identity.ID] = copyIdentity(identity)
	cp := copyAlias(alias)
	r.aliases[cp.ID] = cp
	r.aliasByKey[aliasKey(cp.OrgID, cp.SourceID)] = cp.ID
	return nil
}

// AttachAlias implements Repository.
func (r *InMemoryRepository) AttachAlias(_ context.Context, alias *Alias) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.identities[alias.IdentityID]; !ok {
		return fault.ErrNotFound
	}
	cp := copyAlias(alias)
	r.aliases[cp.ID] = cp
	r.aliasByKey[aliasKey(cp.OrgID, cp.SourceID)] = cp.ID
	return nil
}

// FindByAlias implements Repository.
func (r *InMemoryRepository) FindByAlias(_ context.Context, orgID, sourceID string) (*Alias, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.aliasByKey[aliasKey(orgID, sourceID)]
	if !ok {
		return nil, fault.ErrNotFound
	}
	a, ok := r.aliases[id]
	if !ok {
		return nil, fault.ErrNotFound
	}
	return copyAlias(a), nil
}

// FindByFingerprint implements Repository.
func (r *InMemoryRepository) FindByFingerprint(_ context.Context, familyNorm, givenNorm string, birthDate time.Time) ([]*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Identity
	for _, id := range r.identities {
		if !id.Active {
			continue
		}
		if NormalizeName(id.FamilyName) != familyNorm || NormalizeName(id.GivenName) != givenNorm {
			continue
		}
		if !sameDay(id.BirthDate, birthDate) {
			continue
		}
		result = append(result, copyIdentity(id))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}

// GetIdentity implements Repository.
func (r *InMemoryRepository) GetIdentity(_ context.Context, id uuid.UUID) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.identities[id]
	if !ok {
		return nil, fault.ErrNotFound
	}
	return copyIdentity(identity), nil
}

// UpdateIdentity implements Repository.
func (r *InMemoryRepository) UpdateIdentity(_ context.Context, identity *Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.identities[identity.ID]; !ok {
		return fault.ErrNotFound
	}
	r.identities[identity.ID] = copyIdentity(identity)
	return nil
}

// UpdateAlias implements Repository.
func (r *InMemoryRepository) UpdateAlias(_ context.Context, alias *Alias) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.aliases[alias.ID]
	if !ok {
		return fault.ErrNotFound
	}
	// The (org, source id) key is immutable; keep the index consistent.
	delete(r.aliasByKey, aliasKey(existing.OrgID, existing.SourceID))
	cp := copyAlias(alias)
	r.aliases[cp.ID] = cp
	r.aliasByKey[aliasKey(cp.OrgID, cp.SourceID)] = cp.ID
	return nil
}

// AliasesForIdentity implements Repository.
func (r *InMemoryRepository) AliasesForIdentity(_ context.Context, identityID uuid.UUID) ([]*Alias, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Alias
	for _, a := range r.aliases {
		if a.IdentityID == identityID {
			result = append(result, copyAlias(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OrgID != result[j].OrgID {
			return result[i].OrgID < result[j].OrgID
		}
		return result[i].SourceID < result[j].SourceID
	})
	return result, nil
}

// Search implements Repository.
func (r *InMemoryRepository) Search(_ context.Context, q SearchQuery) ([]*PatientView, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var views []*PatientView
	if q.SourceType == SourceTypeRegistry {
		// One row per org alias: golden demographics, the caller's own ids.
		for _, a := range r.aliases {
			if a.OrgID != q.OrgID {
				continue
			}
			if q.Criteria.SourceID != "" && a.SourceID != q.Criteria.SourceID {
				continue
			}
			identity, ok := r.identities[a.IdentityID]
			if !ok || !identity.Active {
				continue
			}
			if !matchesIdentity(identity, q.Criteria) {
				continue
			}
			views = append(views, identityView(identity, a))
		}
	} else {
		// Visibility: identities reachable through the calling organization's
		// aliases. The MIS view then exposes every system's records for them.
		reachable := make(map[uuid.UUID]bool)
		for _, a := range r.aliases {
			if a.OrgID == q.OrgID {
				reachable[a.IdentityID] = true
			}
		}
		for _, a := range r.aliases {
			if !reachable[a.IdentityID] {
				continue
			}
			if !matchesAlias(a, q.Criteria) {
				continue
			}
			views = append(views, aliasView(a))
		}
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].IdentityID != views[j].IdentityID {
			return views[i].IdentityID.String() < views[j].IdentityID.String()
		}
		if views[i].OrgID != views[j].OrgID {
			return views[i].OrgID < views[j].OrgID
		}
		return views[i].SourceID < views[j].SourceID
	})

	total := len(views)
	if q.Offset > len(views) {
		q.Offset = len(views)
	}
	views = views[q.Offset:]
	if q.Limit > 0 && q.Limit < len(views) {
		views = views[:q.Limit]
	}
	return views, total, nil
}

// Merge implements Repository.
func (r *InMemoryRepository) Merge(_ context.Context, sourceID, targetID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	source, ok := r.identities[sourceID]
	if !ok {
		return fault.ErrNotFound
	}
	target, ok := r.identities[targetID]
	if !ok {
		return fault.ErrNotFound
	}

	for _, a := range r.aliases {
		if a.IdentityID == sourceID {
			a.IdentityID = targetID
		}
	}
	source.Active = false
	merged := target.ID
	source.MergedInto = &merged
	source.UpdatedAt = time.Now()
	target.UpdatedAt = time.Now()
	return nil
}

func matchesIdentity(id *Identity, c SearchCriteria) bool {
	if c.FamilyName != "" && NormalizeName(id.FamilyName) != NormalizeName(c.FamilyName) {
		return false
	}
	if c.GivenName != "" && NormalizeName(id.GivenName) != NormalizeName(c.GivenName) {
		return false
	}
	if c.BirthDate != nil && !sameDay(id.BirthDate, *c.BirthDate) {
		return false
	}
	if c.Sex != 0 && id.Sex != c.Sex {
		return false
	}
	return true
}

func matchesAlias(a *Alias, c SearchCriteria) bool {
	if c.SourceID != "" && a.SourceID != c.SourceID {
		return false
	}
	if c.FamilyName != "" && NormalizeName(a.FamilyName) != NormalizeName(c.FamilyName) {
		return false
	}
	if c.GivenName != "" && NormalizeName(a.GivenName) != NormalizeName(c.GivenName) {
		return false
	}
	if c.BirthDate != nil && !sameDay(a.BirthDate, *c.BirthDate) {
		return false
	}
	if c.Sex != 0 && a.Sex != c.Sex {
		return false
	}
	return true
}

// sameDay compares two timestamps at calendar-day precision in UTC.
func sameDay(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.Month() == bu.Month() && au.Day() == bu.Day()
}

func copyIdentity(id *Identity) *Identity {
	cp := *id
	if id.DeathTime != nil {
		t := *id.DeathTime
		cp.DeathTime = &t
	}
	if id.MergedInto != nil {
		m := *id.MergedInto
		cp.MergedInto = &m
	}
	return &cp
}

func copyAlias(a *Alias) *Alias {
	cp := *a
	if a.DeathTime != nil {
		t := *a.DeathTime
		cp.DeathTime = &t
	}
	return &cp
}
