package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"keyprint/internal/features"
	"keyprint/internal/profile"
	"keyprint/internal/scorer"
	"keyprint/internal/settings"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleVector(dwell float64) features.FeatureVector {
	return features.FeatureVector{
		KeyCount:    8,
		MeanDwell:   dwell,
		MeanLatency: 50,
		TypingSpeed: 7.5,
		Digraphs:    map[string]float64{"a>b": 40},
	}
}

func sampleProfile(t *testing.T, userID string) *profile.Profile {
	t.Helper()
	p, err := profile.New(userID, base)
	if err != nil {
		t.Fatalf("profile.New failed: %v", err)
	}
	p.Version = 1
	return p
}

// =============================================================================
// Open / schema
// =============================================================================

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping on nil db should error")
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestSchemaAfterOpen(t *testing.T) {
	s := openTestStore(t)
	if err := ValidateSchema(s.DB()); err != nil {
		t.Fatalf("ValidateSchema failed: %v", err)
	}

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("CurrentVersion = %d, want %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("Pending = %d, want 0", len(status.Pending))
	}
	if len(status.Applied) != len(migrations) {
		t.Errorf("Applied = %d, want %d", len(status.Applied), len(migrations))
	}
}

func TestMigrationsWithoutAutoMigrate(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "raw.db"), WithoutMigrations())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != 0 || len(status.Pending) != len(migrations) {
		t.Fatalf("fresh db status = %+v", status)
	}

	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	// Idempotent.
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("second MigrateDB failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Fatalf("ValidateSchema failed: %v", err)
	}
}

func TestRollbackMigration(t *testing.T) {
	s := openTestStore(t)

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err == nil {
		t.Error("expected missing security_settings after rollback")
	}

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != len(migrations)-1 {
		t.Errorf("CurrentVersion = %d, want %d", status.CurrentVersion, len(migrations)-1)
	}

	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Fatalf("ValidateSchema after re-migrate: %v", err)
	}
}

// =============================================================================
// Profiles
// =============================================================================

func TestGetProfileMissing(t *testing.T) {
	s := openTestStore(t)
	p, err := s.GetProfile(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil profile, got %+v", p)
	}
}

func TestUpsertAndGetProfile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := sampleProfile(t, "alice")
	p.Absorb(sampleVector(80), 5, base.Add(time.Minute))
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	got, err := s.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got == nil {
		t.Fatal("profile not found")
	}
	if got.PatternCount != 1 || got.Dwell.Mean != 80 {
		t.Errorf("got PatternCount=%d Dwell.Mean=%v", got.PatternCount, got.Dwell.Mean)
	}
	if !got.UpdatedAt.Equal(p.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, p.UpdatedAt)
	}

	// Overwrite.
	got.Status = profile.StatusActive
	got.Version++
	if err := s.UpsertProfile(ctx, got); err != nil {
		t.Fatalf("second UpsertProfile failed: %v", err)
	}
	again, err := s.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if again.Status != profile.StatusActive || again.Version != 2 {
		t.Errorf("status=%s version=%d", again.Status, again.Version)
	}
}

func TestSealSurvivesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sealer, err := profile.NewSealer([]byte("0123456789abcdef0123"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	p := sampleProfile(t, "bob")
	p.Absorb(sampleVector(90), 5, base.Add(1500*time.Millisecond+7))
	if err := sealer.Seal(p); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	got, err := s.GetProfile(ctx, "bob")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if err := sealer.Verify(got); err != nil {
		t.Fatalf("Verify after round trip: %v", err)
	}

	// Change a statistic without resealing.
	got.Dwell.Mean = 10
	if err := s.UpsertProfile(ctx, got); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}
	tampered, err := s.GetProfile(ctx, "bob")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if err := sealer.Verify(tampered); !errors.Is(err, profile.ErrSealMismatch) {
		t.Errorf("Verify tampered = %v, want ErrSealMismatch", err)
	}
}

func TestListAndCountProfiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"carol", "alice", "bob"} {
		p := sampleProfile(t, id)
		if id == "bob" {
			p.Status = profile.StatusActive
		}
		if err := s.UpsertProfile(ctx, p); err != nil {
			t.Fatalf("UpsertProfile %s: %v", id, err)
		}
	}

	list, err := s.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles failed: %v", err)
	}
	if len(list) != 3 || list[0].UserID != "alice" || list[2].UserID != "carol" {
		t.Fatalf("ListProfiles = %+v", list)
	}

	counts, err := s.CountProfiles(ctx)
	if err != nil {
		t.Fatalf("CountProfiles failed: %v", err)
	}
	if counts[profile.StatusLearning] != 2 || counts[profile.StatusActive] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestDeleteProfileCascadesPatterns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, sampleProfile(t, "dave")); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}
	tp := scorer.TrainingPattern{UserID: "dave", Features: sampleVector(70), CreatedAt: base}
	if err := s.AppendTrainingPattern(ctx, tp); err != nil {
		t.Fatalf("AppendTrainingPattern failed: %v", err)
	}

	ok, err := s.DeleteProfile(ctx, "dave")
	if err != nil || !ok {
		t.Fatalf("DeleteProfile = %v, %v", ok, err)
	}
	patterns, err := s.ListPatterns(ctx, "dave", 0)
	if err != nil {
		t.Fatalf("ListPatterns failed: %v", err)
	}
	if len(patterns) != 0 {
		t.Errorf("patterns after delete = %d", len(patterns))
	}

	ok, err = s.DeleteProfile(ctx, "dave")
	if err != nil || ok {
		t.Errorf("second DeleteProfile = %v, %v", ok, err)
	}
}

// =============================================================================
// Training patterns
// =============================================================================

func TestPatternsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, sampleProfile(t, "erin")); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		tp := scorer.TrainingPattern{
			UserID:    "erin",
			Context:   "login",
			Features:  sampleVector(70 + float64(i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendTrainingPattern(ctx, tp); err != nil {
			t.Fatalf("AppendTrainingPattern %d: %v", i, err)
		}
	}

	all, err := s.ListPatterns(ctx, "erin", 0)
	if err != nil {
		t.Fatalf("ListPatterns failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	if all[0].Features.MeanDwell != 70 || all[3].Features.MeanDwell != 73 {
		t.Errorf("order wrong: %v .. %v", all[0].Features.MeanDwell, all[3].Features.MeanDwell)
	}
	if all[0].Features.Digraphs["a>b"] != 40 || all[0].Context != "login" {
		t.Errorf("payload = %+v", all[0])
	}

	two, err := s.ListPatterns(ctx, "erin", 2)
	if err != nil {
		t.Fatalf("ListPatterns failed: %v", err)
	}
	if len(two) != 2 {
		t.Errorf("limited len = %d, want 2", len(two))
	}
}

func TestPatternRequiresProfile(t *testing.T) {
	s := openTestStore(t)
	tp := scorer.TrainingPattern{UserID: "ghost", Features: sampleVector(70), CreatedAt: base}
	if err := s.AppendTrainingPattern(context.Background(), tp); err == nil {
		t.Error("expected foreign key error for unknown profile")
	}
}

// =============================================================================
// Attempts
// =============================================================================

func attempt(id, user string, outcome scorer.Outcome, conf float64, at time.Time) scorer.Attempt {
	return scorer.Attempt{
		ID:              id,
		UserID:          user,
		Context:         "login",
		Success:         outcome == scorer.OutcomeAccepted,
		ConfidenceScore: conf,
		Outcome:         outcome,
		Timestamp:       at,
	}
}

func seedAttempts(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	rows := []scorer.Attempt{
		attempt("a1", "alice", scorer.OutcomeAccepted, 90, base),
		attempt("a2", "alice", scorer.OutcomeRejected, 30, base.Add(time.Minute)),
		attempt("a3", "alice", scorer.OutcomeAccepted, 80, base.Add(2*time.Minute)),
		attempt("b1", "bob", scorer.OutcomeInsufficientTraining, 0, base.Add(3*time.Minute)),
	}
	for _, a := range rows {
		if err := s.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt %s: %v", a.ID, err)
		}
	}
}

func TestListAttempts(t *testing.T) {
	s := openTestStore(t)
	seedAttempts(t, s)
	ctx := context.Background()

	got, err := s.ListAttempts(ctx, AttemptFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "a3" || got[2].ID != "a1" {
		t.Errorf("want newest first, got %s..%s", got[0].ID, got[2].ID)
	}
	if !got[0].Success || got[1].Success {
		t.Errorf("success flags wrong: %+v", got)
	}
	if !got[2].Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got[2].Timestamp, base)
	}

	limited, err := s.ListAttempts(ctx, AttemptFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "b1" {
		t.Errorf("limited = %+v", limited)
	}

	window, err := s.ListAttempts(ctx, AttemptFilter{Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)})
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(window) != 2 {
		t.Errorf("window len = %d, want 2", len(window))
	}
}

func TestAttemptIDsUnique(t *testing.T) {
	s := openTestStore(t)
	seedAttempts(t, s)
	err := s.RecordAttempt(context.Background(), attempt("a1", "alice", scorer.OutcomeAccepted, 1, base))
	if err == nil {
		t.Error("expected duplicate id to fail")
	}
}

func TestSummarizeAttempts(t *testing.T) {
	s := openTestStore(t)
	seedAttempts(t, s)

	sum, err := s.SummarizeAttempts(context.Background(), AttemptFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("SummarizeAttempts failed: %v", err)
	}
	if sum.Total != 3 || sum.Accepted != 2 || sum.Rejected != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.MeanConfidence < 66.6 || sum.MeanConfidence > 66.7 {
		t.Errorf("MeanConfidence = %v", sum.MeanConfidence)
	}

	empty, err := s.SummarizeAttempts(context.Background(), AttemptFilter{UserID: "nobody"})
	if err != nil {
		t.Fatalf("SummarizeAttempts failed: %v", err)
	}
	if empty.Total != 0 || empty.MeanConfidence != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestPruneAttempts(t *testing.T) {
	s := openTestStore(t)
	seedAttempts(t, s)

	n, err := s.PruneAttempts(context.Background(), base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("PruneAttempts failed: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	rest, _ := s.ListAttempts(context.Background(), AttemptFilter{})
	if len(rest) != 2 {
		t.Errorf("remaining = %d, want 2", len(rest))
	}
}

// =============================================================================
// Commit
// =============================================================================

func TestCommitWritesEverything(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := sampleProfile(t, "frank")
	a := attempt("f1", "frank", scorer.OutcomeAccepted, 88, base)
	tp := scorer.TrainingPattern{UserID: "frank", Features: sampleVector(75), CreatedAt: base}

	if err := s.Commit(ctx, scorer.Commit{Attempt: &a, Pattern: &tp, Profile: p}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if got, _ := s.GetProfile(ctx, "frank"); got == nil {
		t.Error("profile not written")
	}
	if got, _ := s.ListAttempts(ctx, AttemptFilter{UserID: "frank"}); len(got) != 1 {
		t.Errorf("attempts = %d, want 1", len(got))
	}
	if got, _ := s.ListPatterns(ctx, "frank", 0); len(got) != 1 {
		t.Errorf("patterns = %d, want 1", len(got))
	}
}

func TestCommitRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAttempts(t, s)

	// Attempt id collides with a seeded row.
	dup := attempt("a1", "grace", scorer.OutcomeAccepted, 70, base)
	err := s.Commit(ctx, scorer.Commit{Attempt: &dup, Profile: sampleProfile(t, "grace")})
	if err == nil {
		t.Fatal("expected commit to fail")
	}
	if got, _ := s.GetProfile(ctx, "grace"); got != nil {
		t.Error("profile written despite failed commit")
	}

	// Pattern for an unknown profile fails after the attempt was inserted.
	a := attempt("h1", "heidi", scorer.OutcomeAccepted, 70, base)
	tp := scorer.TrainingPattern{UserID: "heidi", Features: sampleVector(70), CreatedAt: base}
	if err := s.Commit(ctx, scorer.Commit{Attempt: &a, Pattern: &tp}); err == nil {
		t.Fatal("expected commit to fail")
	}
	if got, _ := s.ListAttempts(ctx, AttemptFilter{UserID: "heidi"}); len(got) != 0 {
		t.Error("attempt written despite failed commit")
	}
}

// =============================================================================
// Settings overrides
// =============================================================================

func TestSettingsProvider(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fallback, err := settings.NewStatic(settings.Default())
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}
	sp := NewSettingsProvider(s, fallback)

	got, err := sp.Settings(ctx, "ivan")
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if got != settings.Default() {
		t.Errorf("fallback = %+v", got)
	}

	override := settings.Default()
	override.MinConfidenceThreshold = 80
	override.AdaptationPolicy = settings.AdaptNever
	if err := s.PutUserSettings(ctx, "ivan", override); err != nil {
		t.Fatalf("PutUserSettings failed: %v", err)
	}
	got, err = sp.Settings(ctx, "ivan")
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if got != override {
		t.Errorf("override = %+v, want %+v", got, override)
	}

	// Other users are unaffected.
	other, _ := sp.Settings(ctx, "judy")
	if other.MinConfidenceThreshold != 65 {
		t.Errorf("other user threshold = %v", other.MinConfidenceThreshold)
	}

	if err := s.DeleteUserSettings(ctx, "ivan"); err != nil {
		t.Fatalf("DeleteUserSettings failed: %v", err)
	}
	got, _ = sp.Settings(ctx, "ivan")
	if got.MinConfidenceThreshold != 65 {
		t.Errorf("after delete threshold = %v", got.MinConfidenceThreshold)
	}
}

func TestPutUserSettingsValidates(t *testing.T) {
	s := openTestStore(t)
	bad := settings.Default()
	bad.MinConfidenceThreshold = 150
	err := s.PutUserSettings(context.Background(), "kim", bad)
	var verrs settings.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("err = %v, want ValidationErrors", err)
	}
}

// =============================================================================
// Export
// =============================================================================

func TestExportAttempts(t *testing.T) {
	s := openTestStore(t)
	seedAttempts(t, s)

	var buf bytes.Buffer
	n, err := s.ExportAttempts(context.Background(), &buf, AttemptFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("ExportAttempts failed: %v", err)
	}
	if n != 3 {
		t.Errorf("exported = %d, want 3", n)
	}
	if bytes.Contains(buf.Bytes(), []byte(`"userId"`)) {
		t.Error("export is not compressed")
	}

	got, err := ReadAttemptExport(&buf)
	if err != nil {
		t.Fatalf("ReadAttemptExport failed: %v", err)
	}
	if len(got) != 3 || got[0].ID != "a1" || got[2].ID != "a3" {
		t.Fatalf("decoded = %+v", got)
	}
	if got[1].Outcome != scorer.OutcomeRejected || got[1].ConfidenceScore != 30 {
		t.Errorf("decoded[1] = %+v", got[1])
	}
}

func TestExportEmpty(t *testing.T) {
	s := openTestStore(t)
	var buf bytes.Buffer
	n, err := s.ExportAttempts(context.Background(), &buf, AttemptFilter{})
	if err != nil {
		t.Fatalf("ExportAttempts failed: %v", err)
	}
	if n != 0 {
		t.Errorf("exported = %d", n)
	}
	got, err := ReadAttemptExport(&buf)
	if err != nil {
		t.Fatalf("ReadAttemptExport failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("decoded = %d", len(got))
	}
}
