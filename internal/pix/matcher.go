package pix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/n3health/pix/internal/platform/fault"
)

// ResolutionKind classifies the outcome of matching a submitted record
// against the store.
type ResolutionKind int

const (
	// MatchedAlias: the (org, source id) pair is already registered and the
	// submitted demographics agree with the stored alias.
	MatchedAlias ResolutionKind = iota
	// MatchedIdentity: no alias exists but exactly one identity agrees on
	// every demographic field; the record cross-references that identity.
	MatchedIdentity
	// NewIdentity: nothing in the store corresponds to the record.
	NewIdentity
	// Ambiguous: the evidence is contradictory or spread over several
	// identities; an operator must decide.
	Ambiguous
)

func (k ResolutionKind) String() string {
	switch k {
	case MatchedAlias:
		return "matched-alias"
	case MatchedIdentity:
		return "matched-identity"
	case NewIdentity:
		return "new-identity"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Resolution is the matcher's verdict for one submitted record.
type Resolution struct {
	Kind       ResolutionKind
	Alias      *Alias      // set for MatchedAlias
	Identity   *Identity   // set for MatchedAlias and MatchedIdentity
	Candidates []*Identity // set for Ambiguous when several identities collide
	Reason     string
}

// Policy tunes the matcher's agreement thresholds.
type Policy struct {
	// BirthDateTolerance is the maximum distance between a submitted and a
	// stored birth date that still counts as agreement. Dates are kept at
	// calendar-day precision, so the default of 24h means "same day".
	BirthDateTolerance time.Duration
}

// DefaultPolicy returns the production matching policy.
func DefaultPolicy() Policy {
	return Policy{BirthDateTolerance: 24 * time.Hour}
}

// Matcher decides whether a submitted record is a re-registration, a
// cross-reference to an existing identity, a brand-new person, or an
// ambiguity. It is deliberately conservative: linking two records wrongly is
// worse than holding two records for one person, so contradictory evidence
// always surfaces as Ambiguous instead of a guess.
type Matcher struct {
	repo   Repository
	policy Policy
}

// NewMatcher creates a matcher with the default policy.
func NewMatcher(repo Repository) *Matcher {
	return &Matcher{repo: repo, policy: DefaultPolicy()}
}

// NewMatcherWithPolicy creates a matcher with a custom policy.
func NewMatcherWithPolicy(repo Repository, policy Policy) *Matcher {
	return &Matcher{repo: repo, policy: policy}
}

// Resolve matches rec, submitted by orgID, against the store. It never
// mutates anything. Death time is never used as match evidence.
func (m *Matcher) Resolve(ctx context.Context, rec *PatientRecord, orgID string) (*Resolution, error) {
	// Step 1: the source-local identifier is the strongest key.
	alias, err := m.repo.FindByAlias(ctx, orgID, rec.SourceID)
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return nil, fmt.Errorf("alias lookup: %w", err)
	}
	if alias != nil {
		if !m.birthDatesAgree(alias.BirthDate, *rec.BirthDate) {
			return &Resolution{
				Kind:   Ambiguous,
				Alias:  alias,
				Reason: "registered source id resubmitted with a different birth date",
			}, nil
		}
		if sexConflict(alias.Sex, rec.Sex) {
			return &Resolution{
				Kind:   Ambiguous,
				Alias:  alias,
				Reason: "registered source id resubmitted with a different sex",
			}, nil
		}
		identity, err := m.repo.GetIdentity(ctx, alias.IdentityID)
		if err != nil {
			return nil, fmt.Errorf("identity for alias %s: %w", alias.ID, err)
		}
		return &Resolution{Kind: MatchedAlias, Alias: alias, Identity: identity}, nil
	}

	// Step 2: demographic fingerprint.
	candidates, err := m.repo.FindByFingerprint(ctx,
		NormalizeName(rec.FamilyName), NormalizeName(rec.GivenName), *rec.BirthDate)
	if err != nil {
		return nil, fmt.Errorf("fingerprint lookup: %w", err)
	}

	switch len(candidates) {
	case 0:
		return &Resolution{Kind: NewIdentity}, nil
	case 1:
		candidate := candidates[0]
		if sexConflict(candidate.Sex, rec.Sex) {
			return &Resolution{
				Kind:       Ambiguous,
				Candidates: candidates,
				Reason:     "name and birth date collide with an identity of a different sex",
			}, nil
		}
		return &Resolution{Kind: MatchedIdentity, Identity: candidate}, nil
	default:
		return &Resolution{
			Kind:       Ambiguous,
			Candidates: candidates,
			Reason:     "several identities share this name and birth date",
		}, nil
	}
}

func (m *Matcher) birthDatesAgree(stored, submitted time.Time) bool {
	d := stored.Sub(submitted)
	if d < 0 {
		d = -d
	}
	return d <= m.policy.BirthDateTolerance
}

// sexConflict reports a hard disagreement; an undetermined value on either
// side is compatible with anything.
func sexConflict(a, b int) bool {
	return a != b && a != SexUndetermined && b != SexUndetermined
}
