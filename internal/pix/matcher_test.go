package pix

import (
	"context"
	"testing"
	"time"
)

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func testRecord(sourceID string) *PatientRecord {
	return &PatientRecord{
		SourceID:   sourceID,
		FamilyName: "Smith",
		GivenName:  "Ann",
		BirthDate:  datePtr(1928, time.June, 7),
		Sex:        SexFemale,
	}
}

// seedIdentity creates an identity with one alias directly in the repo.
func seedIdentity(t *testing.T, repo Repository, orgID, sourceID string, rec *PatientRecord) *Identity {
	t.Helper()
	identity := newIdentity(rec)
	alias := newAlias(identity.ID, orgID, rec)
	if err := repo.CreateIdentity(context.Background(), identity, alias); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	return identity
}

func TestResolve_NewIdentity(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)

	res, err := m.Resolve(context.Background(), testRecord("p-1"), "org-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != NewIdentity {
		t.Errorf("kind = %v, want new-identity", res.Kind)
	}
}

func TestResolve_AliasHitIsIdempotent(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)
	seeded := seedIdentity(t, repo, "org-a", "p-1", testRecord("p-1"))

	res, err := m.Resolve(context.Background(), testRecord("p-1"), "org-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != MatchedAlias {
		t.Fatalf("kind = %v, want matched-alias", res.Kind)
	}
	if res.Identity.ID != seeded.ID {
		t.Errorf("identity = %s, want %s", res.Identity.ID, seeded.ID)
	}
}

func TestResolve_AliasBirthDateConflict(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)
	seedIdentity(t, repo, "org-a", "p-1", testRecord("p-1"))

	rec := testRecord("p-1")
	rec.BirthDate = datePtr(1930, time.January, 2)

	res, err := m.Resolve(context.Background(), rec, "org-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != Ambiguous {
		t.Errorf("kind = %v, want ambiguous", res.Kind)
	}
}

func TestResolve_AliasBirthDateWithinTolerance(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)
	seedIdentity(t, repo, "org-a", "p-1", testRecord("p-1"))

	rec := testRecord("p-1")
	// Same date shifted a few hours: still agreement under the 24h policy.
	shifted := rec.BirthDate.Add(10 * time.Hour)
	rec.BirthDate = &shifted

	res, err := m.Resolve(context.Background(), rec, "org-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != MatchedAlias {
		t.Errorf("kind = %v, want matched-alias", res.Kind)
	}
}

func TestResolve_AliasSexConflict(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)
	seedIdentity(t, repo, "org-a", "p-1", testRecord("p-1"))

	rec := testRecord("p-1")
	rec.Sex = SexMale

	res, err := m.Resolve(context.Background(), rec, "org-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != Ambiguous {
		t.Errorf("kind = %v, want ambiguous", res.Kind)
	}
}

func TestResolve_UndeterminedSexIsCompatible(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)
	seedIdentity(t, repo, "org-a", "p-1", testRecord("p-1"))

	rec := testRecord("p-1")
	rec.Sex = SexUndetermined

	res, err := m.Resolve(context.Background(), rec, "org-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != MatchedAlias {
		t.Errorf("kind = %v, want matched-alias", res.Kind)
	}
}

func TestResolve_CrossReferencesExistingIdentity(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)
	seeded := seedIdentity(t, repo, "org-a", "p-1", testRecord("p-1"))

	// A different organization submits the same person under its own id.
	res, err := m.Resolve(context.Background(), testRecord("hosp-77"), "org-b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != MatchedIdentity {
		t.Fatalf("kind = %v, want matched-identity", res.Kind)
	}
	if res.Identity.ID != seeded.ID {
		t.Errorf("identity = %s, want %s", res.Identity.ID, seeded.ID)
	}
}

func TestResolve_NameNormalization(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)
	seedIdentity(t, repo, "org-a", "p-1", testRecord("p-1"))

	rec := testRecord("hosp-77")
	rec.FamilyName = "  SMITH "
	rec.GivenName = "ann"

	res, err := m.Resolve(context.Background(), rec, "org-b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != MatchedIdentity {
		t.Errorf("kind = %v, want matched-identity", res.Kind)
	}
}

func TestResolve_MultipleCandidatesAmbiguous(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)

	// Two distinct people who share name and birth date.
	seedIdentity(t, repo, "org-a", "p-1", testRecord("p-1"))
	seedIdentity(t, repo, "org-b", "p-2", testRecord("p-2"))

	res, err := m.Resolve(context.Background(), testRecord("hosp-77"), "org-c")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != Ambiguous {
		t.Fatalf("kind = %v, want ambiguous", res.Kind)
	}
	if len(res.Candidates) != 2 {
		t.Errorf("candidates = %d, want 2", len(res.Candidates))
	}
}

func TestResolve_FingerprintSexConflict(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)
	seedIdentity(t, repo, "org-a", "p-1", testRecord("p-1"))

	rec := testRecord("hosp-77")
	rec.Sex = SexMale

	res, err := m.Resolve(context.Background(), rec, "org-b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != Ambiguous {
		t.Errorf("kind = %v, want ambiguous", res.Kind)
	}
}

func TestResolve_DeathTimeNeverKeys(t *testing.T) {
	repo := NewInMemoryRepository()
	m := NewMatcher(repo)

	withDeath := testRecord("p-1")
	death := time.Date(2020, time.March, 1, 12, 0, 0, 0, time.UTC)
	withDeath.DeathTime = &death
	seeded := seedIdentity(t, repo, "org-a", "p-1", withDeath)

	// Same person reported from another system without a death time: the
	// difference contributes nothing to the match.
	res, err := m.Resolve(context.Background(), testRecord("hosp-77"), "org-b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != MatchedIdentity {
		t.Fatalf("kind = %v, want matched-identity", res.Kind)
	}
	if res.Identity.ID != seeded.ID {
		t.Errorf("identity = %s, want %s", res.Identity.ID, seeded.ID)
	}
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Smith", "SMITH"},
		{"  smith  ", "SMITH"},
		{"O'Brien", "OBRIEN"},
		{"Garcia-Lopez", "GARCIALOPEZ"},
		{"van  der   Berg", "VAN DER BERG"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
