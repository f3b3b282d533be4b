package pix

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SearchQuery is a fully-resolved query against the store: the caller's
// organization bounds visibility, the source type picks the view, and the
// criteria filter within it.
type SearchQuery struct {
	OrgID      string
	SourceType string
	Criteria   SearchCriteria
	Limit      int
	Offset     int
}

// Repository is the persistence contract for the identity store. An empty
// result is never an error; lookups that name a missing row return
// fault.ErrNotFound (possibly wrapped).
type Repository interface {
	// CreateIdentity persists a new identity together with its first alias
	// in a single atomic step.
	CreateIdentity(ctx context.Context, identity *Identity, alias *Alias) error

	// AttachAlias links a new alias to an existing identity.
	AttachAlias(ctx context.Context, alias *Alias) error

	// FindByAlias looks up the alias for (org, source id). Returns
	// fault.ErrNotFound when the pair is unknown.
	FindByAlias(ctx context.Context, orgID, sourceID string) (*Alias, error)

	// FindByFingerprint returns active identities whose normalized names and
	// birth date match the fingerprint. Sex is deliberately not part of the
	// key; the matcher inspects it on the candidates.
	FindByFingerprint(ctx context.Context, familyNorm, givenNorm string, birthDate time.Time) ([]*Identity, error)

	// GetIdentity retrieves an identity by id.
	GetIdentity(ctx context.Context, id uuid.UUID) (*Identity, error)

	// UpdateIdentity persists changes to an identity's facts.
	UpdateIdentity(ctx context.Context, identity *Identity) error

	// UpdateAlias persists changes to an alias record.
	UpdateAlias(ctx context.Context, alias *Alias) error

	// AliasesForIdentity returns all aliases linked to an identity.
	AliasesForIdentity(ctx context.Context, identityID uuid.UUID) ([]*Alias, error)

	// Search evaluates a query and returns matching views plus the total
	// count before pagination.
	Search(ctx context.Context, q SearchQuery) ([]*PatientView, int, error)

	// Merge repoints every alias of source onto target and retires source
	// (Active=false, MergedInto=target) atomically. Either id unknown
	// returns fault.ErrNotFound and changes nothing.
	Merge(ctx context.Context, sourceID, targetID uuid.UUID) error
}
