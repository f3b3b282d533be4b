package pix

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/n3health/pix/internal/platform/auth"
	"github.com/n3health/pix/internal/platform/fault"
)

// Authorizer validates the system credential carried in each request.
type Authorizer interface {
	Authorize(ctx context.Context, rawToken, orgID string) (*auth.Caller, error)
}

// Service implements the cross-reference operations. Every operation follows
// the same order: authorize, validate, resolve, persist. Failures surface as
// fault values.
type Service struct {
	repo    Repository
	matcher *Matcher
	authz   Authorizer
	log     zerolog.Logger

	// aliasLocks serializes writers of the same (org, source id) pair.
	aliasLocks keyedLocks
	// identityLocks serializes merges touching the same identity.
	identityLocks keyedLocks
}

// NewService creates the cross-reference service.
func NewService(repo Repository, matcher *Matcher, authz Authorizer, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		matcher: matcher,
		authz:   authz,
		log:     log,
	}
}

// keyedLocks hands out one mutex per key. Entries are created on demand and
// kept for the life of the process, like the rate limiter's buckets.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

// AddPatient registers a patient record submitted by a MIS. Re-submitting the
// same (org, source id) pair with agreeing demographics is idempotent; it
// refreshes the stored record and returns the same identity.
func (s *Service) AddPatient(ctx context.Context, token, orgID string, rec *PatientRecord) (*PatientView, error) {
	caller, err := s.authz.Authorize(ctx, token, orgID)
	if err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, fault.Validation("idLpu", "is required")
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	lock := s.aliasLocks.get(aliasKey(orgID, rec.SourceID))
	lock.Lock()
	defer lock.Unlock()

	res, err := s.matcher.Resolve(ctx, rec, orgID)
	if err != nil {
		return nil, err
	}

	switch res.Kind {
	case Ambiguous:
		return nil, fault.Ambiguous(res.Reason)

	case MatchedAlias:
		a := res.Alias
		applyRecordToAlias(a, rec)
		if err := s.repo.UpdateAlias(ctx, a); err != nil {
			return nil, err
		}
		s.log.Info().
			Str("org_id", orgID).
			Str("source_id", rec.SourceID).
			Str("identity_id", a.IdentityID.String()).
			Str("system", caller.Name).
			Msg("patient re-registered")
		return aliasView(a), nil

	case MatchedIdentity:
		a := newAlias(res.Identity.ID, orgID, rec)
		if err := s.repo.AttachAlias(ctx, a); err != nil {
			return nil, err
		}
		s.log.Info().
			Str("org_id", orgID).
			Str("source_id", rec.SourceID).
			Str("identity_id", res.Identity.ID.String()).
			Str("system", caller.Name).
			Msg("patient cross-referenced")
		return aliasView(a), nil

	case NewIdentity:
		identity := newIdentity(rec)
		a := newAlias(identity.ID, orgID, rec)
		if err := s.repo.CreateIdentity(ctx, identity, a); err != nil {
			return nil, err
		}
		s.log.Info().
			Str("org_id", orgID).
			Str("source_id", rec.SourceID).
			Str("identity_id", identity.ID.String()).
			Str("system", caller.Name).
			Msg("patient registered")
		return aliasView(a), nil

	default:
		return nil, fault.Storage()
	}
}

// GetPatient queries the registry. Absent criteria fields are wildcards;
// present fields must all agree. sourceType selects golden records
// ("registry", the default) or per-system submitted records ("mis").
// No match is an empty result, never a fault.
func (s *Service) GetPatient(ctx context.Context, token, orgID string, criteria SearchCriteria, sourceType string, limit, offset int) ([]*PatientView, int, error) {
	if _, err := s.authz.Authorize(ctx, token, orgID); err != nil {
		return nil, 0, err
	}
	if orgID == "" {
		return nil, 0, fault.Validation("idLpu", "is required")
	}
	if sourceType == "" {
		sourceType = SourceTypeRegistry
	}
	if sourceType != SourceTypeRegistry && sourceType != SourceTypeMIS {
		return nil, 0, fault.Validation("sourceType", "must be registry or mis")
	}

	views, total, err := s.repo.Search(ctx, SearchQuery{
		OrgID:      orgID,
		SourceType: sourceType,
		Criteria:   criteria,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, 0, err
	}
	if views == nil {
		views = []*PatientView{}
	}
	return views, total, nil
}

// UpdatePatient is the explicit correction operation. The (org, source id)
// pair must already be registered; the submitted record replaces the stored
// alias record and deliberately corrects the identity's facts.
func (s *Service) UpdatePatient(ctx context.Context, token, orgID string, rec *PatientRecord) (*PatientView, error) {
	if _, err := s.authz.Authorize(ctx, token, orgID); err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, fault.Validation("idLpu", "is required")
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	lock := s.aliasLocks.get(aliasKey(orgID, rec.SourceID))
	lock.Lock()
	defer lock.Unlock()

	a, err := s.repo.FindByAlias(ctx, orgID, rec.SourceID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, fault.NotFound("no patient registered for this source id")
		}
		return nil, err
	}

	applyRecordToAlias(a, rec)
	if err := s.repo.UpdateAlias(ctx, a); err != nil {
		return nil, err
	}

	identity, err := s.repo.GetIdentity(ctx, a.IdentityID)
	if err != nil {
		return nil, err
	}
	identity.FamilyName = rec.FamilyName
	identity.GivenName = rec.GivenName
	identity.MiddleName = rec.MiddleName
	identity.BirthDate = *rec.BirthDate
	identity.Sex = rec.Sex
	identity.DeathTime = rec.DeathTime
	identity.UpdatedAt = time.Now()
	if err := s.repo.UpdateIdentity(ctx, identity); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("org_id", orgID).
		Str("source_id", rec.SourceID).
		Str("identity_id", identity.ID.String()).
		Msg("patient corrected")
	return aliasView(a), nil
}

// Merge is the administrative resolution of an ambiguity: every alias of
// source is repointed onto target and source is retired. It is never
// triggered automatically.
func (s *Service) Merge(ctx context.Context, sourceID, targetID uuid.UUID) error {
	if sourceID == targetID {
		return fault.Validation("targetId", "must differ from sourceId")
	}

	// Lock the pair in a deterministic order so two concurrent merges of the
	// same identities cannot deadlock.
	first, second := sourceID.String(), targetID.String()
	if second < first {
		first, second = second, first
	}
	l1 := s.identityLocks.get(first)
	l2 := s.identityLocks.get(second)
	l1.Lock()
	defer l1.Unlock()
	l2.Lock()
	defer l2.Unlock()

	source, err := s.repo.GetIdentity(ctx, sourceID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return fault.NotFound("source identity not found")
		}
		return err
	}
	target, err := s.repo.GetIdentity(ctx, targetID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return fault.NotFound("target identity not found")
		}
		return err
	}
	if !source.Active {
		return fault.Validation("sourceId", "identity already merged")
	}
	if !target.Active {
		return fault.Validation("targetId", "identity already merged")
	}

	if err := s.repo.Merge(ctx, sourceID, targetID); err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return fault.NotFound("identity not found")
		}
		return err
	}

	s.log.Warn().
		Str("source_id", sourceID.String()).
		Str("target_id", targetID.String()).
		Msg("identities merged")
	return nil
}

func newIdentity(rec *PatientRecord) *Identity {
	now := time.Now()
	return &Identity{
		ID:         uuid.New(),
		FamilyName: rec.FamilyName,
		GivenName:  rec.GivenName,
		MiddleName: rec.MiddleName,
		BirthDate:  *rec.BirthDate,
		Sex:        rec.Sex,
		DeathTime:  rec.DeathTime,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func newAlias(identityID uuid.UUID, orgID string, rec *PatientRecord) *Alias {
	now := time.Now()
	return &Alias{
		ID:         uuid.New(),
		IdentityID: identityID,
		OrgID:      orgID,
		SourceID:   rec.SourceID,
		FamilyName: rec.FamilyName,
		GivenName:  rec.GivenName,
		MiddleName: rec.MiddleName,
		BirthDate:  *rec.BirthDate,
		Sex:        rec.Sex,
		DeathTime:  rec.DeathTime,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func applyRecordToAlias(a *Alias, rec *PatientRecord) {
	a.FamilyName = rec.FamilyName
	a.GivenName = rec.GivenName
	a.MiddleName = rec.MiddleName
	a.BirthDate = *rec.BirthDate
	a.Sex = rec.Sex
	a.DeathTime = rec.DeathTime
	a.UpdatedAt = time.Now()
}
