package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mindroute/gateway/internal/db"
	"github.com/mindroute/gateway/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(db.DialectSQLite, "file:"+filepath.Join(t.TempDir(), "store.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	return New(conn)
}

func seedProvider(t *testing.T, s *Store) *models.Provider {
	t.Helper()
	p := &models.Provider{Name: "openai-test", Type: models.ProviderTypeOpenAI, EncryptedAPIKey: "aa:bb", Active: true}
	if err := s.CreateProvider(context.Background(), p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	return p
}

func TestSystemConfig_SetAndOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSystemConfig(ctx, "encryption_key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSystemConfig(ctx, "encryption_key", "one"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetSystemConfig(ctx, "encryption_key", "two"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.GetSystemConfig(ctx, "encryption_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "two" {
		t.Errorf("value = %q, want two", got)
	}
}

func TestFindModel_ScopedToProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p1 := seedProvider(t, s)
	p2 := seedProvider(t, s)

	if err := s.CreateModel(ctx, &models.AIModel{ProviderID: p1.ID, ModelID: "gpt-4o", MaxTokens: 4096, Active: true}); err != nil {
		t.Fatalf("create model: %v", err)
	}
	if _, err := s.FindModel(ctx, p1.ID, "gpt-4o"); err != nil {
		t.Fatalf("find under owner: %v", err)
	}
	if _, err := s.FindModel(ctx, p2.ID, "gpt-4o"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound under other provider, got %v", err)
	}
}

func TestFinishLog_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := &models.Log{Model: "gpt-4o", Status: models.LogStatusPending}
	if err := s.CreateLog(ctx, l); err != nil {
		t.Fatalf("create log: %v", err)
	}

	ok, err := s.FinishLog(ctx, l.ID, LogResult{
		Status:           models.LogStatusSuccess,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		Cost:             decimal.RequireFromString("0.0025"),
		CompletedAt:      time.Now(),
	})
	if err != nil || !ok {
		t.Fatalf("first finish: ok=%v err=%v", ok, err)
	}

	ok, err = s.FinishLog(ctx, l.ID, LogResult{Status: models.LogStatusError, Error: "late"})
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if ok {
		t.Fatal("second finish must not apply")
	}

	got, err := s.FindLog(ctx, l.ID)
	if err != nil {
		t.Fatalf("find log: %v", err)
	}
	if got.Status != models.LogStatusSuccess || got.TotalTokens != 15 || got.Error != "" {
		t.Errorf("unexpected log state: %+v", got)
	}
	if !got.Cost.Equal(decimal.RequireFromString("0.0025")) {
		t.Errorf("cost = %s, want 0.0025", got.Cost)
	}
}

func TestListLogs_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProvider(t, s)

	for i, status := range []string{models.LogStatusSuccess, models.LogStatusError, models.LogStatusSuccess} {
		l := &models.Log{ProviderID: &p.ID, Model: "m", Status: status, CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}
		if err := s.CreateLog(ctx, l); err != nil {
			t.Fatalf("create log: %v", err)
		}
	}

	rows, total, err := s.ListLogs(ctx, LogFilter{ProviderID: p.ID, Status: models.LogStatusSuccess})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(rows) != 2 {
		t.Fatalf("total=%d rows=%d, want 2/2", total, len(rows))
	}
	if rows[0].CreatedAt.Before(rows[1].CreatedAt) {
		t.Error("logs should be newest first")
	}
}

func TestUpsertUserProvider_ReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProvider(t, s)
	u := &models.User{Email: "u1@example.com", Active: true}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := s.UpsertUserProvider(ctx, &models.UserProvider{UserID: u.ID, ProviderID: p.ID, Allowed: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	limit := 1000
	if err := s.UpsertUserProvider(ctx, &models.UserProvider{UserID: u.ID, ProviderID: p.ID, Allowed: false, MaxTokensOverride: &limit}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.FindUserProvider(ctx, u.ID, p.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Allowed {
		t.Error("allowed should be replaced with false")
	}
	if got.MaxTokensOverride == nil || *got.MaxTokensOverride != 1000 {
		t.Errorf("override = %v, want 1000", got.MaxTokensOverride)
	}
}

func TestRevokeAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := &models.User{Email: "k@example.com", Active: true}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	k := &models.APIKey{UserID: u.ID, Name: "ci", KeyHash: "abc", KeyPrefix: "mr_abc", Active: true}
	if err := s.CreateAPIKey(ctx, k); err != nil {
		t.Fatalf("create key: %v", err)
	}
	if err := s.RevokeAPIKey(ctx, k.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err := s.FindAPIKeyByHash(ctx, "abc")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Active {
		t.Error("key should be inactive after revoke")
	}
	if err := s.RevokeAPIKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
