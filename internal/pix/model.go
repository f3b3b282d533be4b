package pix

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/n3health/pix/internal/platform/fault"
)

// Sex codes follow the regional registry coding.
const (
	SexMale         = 1
	SexFemale       = 2
	SexUndetermined = 3
)

// Source types select which view of a patient a search returns.
const (
	// SourceTypeRegistry returns golden identity records.
	SourceTypeRegistry = "registry"
	// SourceTypeMIS returns the records exactly as submitted by each
	// medical information system.
	SourceTypeMIS = "mis"
)

// Identity is the golden record for one real person. Its demographic facts
// change only through the explicit correction operation or a merge; matching
// never rewrites them silently.
type Identity struct {
	ID         uuid.UUID  `json:"id"`
	FamilyName string     `json:"familyName"`
	GivenName  string     `json:"givenName"`
	MiddleName string     `json:"middleName,omitempty"`
	BirthDate  time.Time  `json:"birthDate"`
	Sex        int        `json:"sex"`
	DeathTime  *time.Time `json:"deathTime,omitempty"`
	Active     bool       `json:"active"`
	MergedInto *uuid.UUID `json:"mergedInto,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Alias links a MIS-local patient identifier to an identity. There is at most
// one alias per (organization, source id) pair. The alias keeps the
// demographics exactly as that system submitted them.
type Alias struct {
	ID         uuid.UUID  `json:"id"`
	IdentityID uuid.UUID  `json:"identityId"`
	OrgID      string     `json:"idLpu"`
	SourceID   string     `json:"idPatientMis"`
	FamilyName string     `json:"familyName"`
	GivenName  string     `json:"givenName"`
	MiddleName string     `json:"middleName,omitempty"`
	BirthDate  time.Time  `json:"birthDate"`
	Sex        int        `json:"sex"`
	DeathTime  *time.Time `json:"deathTime,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// PatientRecord is the demographic payload a MIS submits when registering or
// correcting a patient.
type PatientRecord struct {
	SourceID   string     `json:"idPatientMis"`
	FamilyName string     `json:"familyName"`
	GivenName  string     `json:"givenName"`
	MiddleName string     `json:"middleName,omitempty"`
	BirthDate  *time.Time `json:"birthDate"`
	Sex        int        `json:"sex"`
	DeathTime  *time.Time `json:"deathTime,omitempty"`
}

// Validate checks the fields required for registration. The first missing or
// malformed field is reported as a validation fault.
func (r *PatientRecord) Validate() error {
	if strings.TrimSpace(r.SourceID) == "" {
		return fault.Validation("idPatientMis", "is required")
	}
	if strings.TrimSpace(r.FamilyName) == "" {
		return fault.Validation("familyName", "is required")
	}
	if strings.TrimSpace(r.GivenName) == "" {
		return fault.Validation("givenName", "is required")
	}
	if r.BirthDate == nil || r.BirthDate.IsZero() {
		return fault.Validation("birthDate", "is required")
	}
	if r.Sex != SexMale && r.Sex != SexFemale && r.Sex != SexUndetermined {
		return fault.Validation("sex", "must be 1, 2 or 3")
	}
	if r.DeathTime != nil && r.DeathTime.Before(*r.BirthDate) {
		return fault.Validation("deathTime", "precedes birth date")
	}
	return nil
}

// SearchCriteria carries partial demographic criteria for a query. Absent
// fields are wildcards; present fields must all agree (AND semantics).
type SearchCriteria struct {
	SourceID   string     `json:"idPatientMis,omitempty"`
	FamilyName string     `json:"familyName,omitempty"`
	GivenName  string     `json:"givenName,omitempty"`
	BirthDate  *time.Time `json:"birthDate,omitempty"`
	Sex        int        `json:"sex,omitempty"`
}

// PatientView is one row of a query result: either a golden identity record
// or one system's submitted record, depending on the requested source type.
type PatientView struct {
	IdentityID uuid.UUID  `json:"identityId"`
	OrgID      string     `json:"idLpu,omitempty"`
	SourceID   string     `json:"idPatientMis,omitempty"`
	FamilyName string     `json:"familyName"`
	GivenName  string     `json:"givenName"`
	MiddleName string     `json:"middleName,omitempty"`
	BirthDate  time.Time  `json:"birthDate"`
	Sex        int        `json:"sex"`
	DeathTime  *time.Time `json:"deathTime,omitempty"`
}

// NormalizeName canonicalizes a name component for matching: trim, collapse
// inner whitespace, uppercase, and strip punctuation. The stored record keeps
// the submitted spelling; only the match key is normalized.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		switch {
		case r == ' ' || r == '\t':
			pendingSpace = b.Len() > 0
		case r == '-' || r == '\'' || r == '.' || r == ',':
			// punctuation never distinguishes two spellings of one name
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// identityView renders the golden record for one of the calling
// organization's aliases. The registry view keeps the golden demographics but
// echoes the caller's own identifiers, so a MIS can correlate the result with
// the patient it asked about.
func identityView(id *Identity, a *Alias) *PatientView {
	return &PatientView{
		IdentityID: id.ID,
		OrgID:      a.OrgID,
		SourceID:   a.SourceID,
		FamilyName: id.FamilyName,
		GivenName:  id.GivenName,
		MiddleName: id.MiddleName,
		BirthDate:  id.BirthDate,
		Sex:        id.Sex,
		DeathTime:  id.DeathTime,
	}
}

// aliasView renders one system's submitted record.
func aliasView(a *Alias) *PatientView {
	return &PatientView{
		IdentityID: a.IdentityID,
		OrgID:      a.OrgID,
		SourceID:   a.SourceID,
		FamilyName: a.FamilyName,
		GivenName:  a.GivenName,
		MiddleName: a.MiddleName,
		BirthDate:  a.BirthDate,
		Sex:        a.Sex,
		DeathTime:  a.DeathTime,
	}
}
