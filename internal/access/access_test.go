package access

import (
	"context"
	"errors"
	"testing"

	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/internal/store"
)

type fixtureStore struct {
	providers map[string]*models.Provider
	models    map[string]*models.AIModel      // key: providerID + "/" + modelID
	grants    map[string]*models.UserProvider // key: userID + "/" + providerID
	lookups   int
}

func newFixture() *fixtureStore {
	return &fixtureStore{
		providers: map[string]*models.Provider{},
		models:    map[string]*models.AIModel{},
		grants:    map[string]*models.UserProvider{},
	}
}

func (f *fixtureStore) FindProvider(_ context.Context, id string) (*models.Provider, error) {
	f.lookups++
	if p, ok := f.providers[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fixtureStore) FindModel(_ context.Context, providerID, modelID string) (*models.AIModel, error) {
	f.lookups++
	if m, ok := f.models[providerID+"/"+modelID]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (f *fixtureStore) FindUserProvider(_ context.Context, userID, providerID string) (*models.UserProvider, error) {
	f.lookups++
	if up, ok := f.grants[userID+"/"+providerID]; ok {
		return up, nil
	}
	return nil, store.ErrNotFound
}

func intPtr(v int) *int { return &v }

// openaiFixture builds provider "openai-test" with gpt-3.5-turbo (4096) and
// an allowed grant for U1.
func openaiFixture() *fixtureStore {
	f := newFixture()
	f.providers["openai-test"] = &models.Provider{
		ID: "openai-test", Name: "OpenAI test", Type: models.ProviderTypeOpenAI,
		EncryptedAPIKey: "provider-ct", Active: true,
	}
	f.models["openai-test/gpt-3.5-turbo"] = &models.AIModel{
		ProviderID: "openai-test", ModelID: "gpt-3.5-turbo", MaxTokens: 4096, Active: true, AllowImages: true,
	}
	f.grants["U1/openai-test"] = &models.UserProvider{
		ID: "up-1", UserID: "U1", ProviderID: "openai-test", Allowed: true,
	}
	return f
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *access.Error(%s), got %v", kind, err)
	}
	if ae.Kind != kind {
		t.Fatalf("kind = %s, want %s", ae.Kind, kind)
	}
}

func TestResolve_Allowed(t *testing.T) {
	r := New(openaiFixture())
	res, err := r.Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.ProviderType != models.ProviderTypeOpenAI {
		t.Errorf("type = %q", res.ProviderType)
	}
	if res.EffectiveMaxTokens != 4096 {
		t.Errorf("ceiling = %d, want 4096", res.EffectiveMaxTokens)
	}
	if res.CredentialSource != CredentialProvider || res.SealedCredential != "provider-ct" {
		t.Errorf("credential = %s/%s", res.CredentialSource, res.SealedCredential)
	}
	if !res.Capabilities.Images || res.Capabilities.Files {
		t.Errorf("capabilities = %+v", res.Capabilities)
	}
}

func TestResolve_DenyByDefault(t *testing.T) {
	for _, active := range []bool{true, false} {
		f := openaiFixture()
		f.providers["openai-test"].Active = active
		delete(f.grants, "U1/openai-test")

		_, err := New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{})
		wantKind(t, err, KindAccessDenied)
	}
}

func TestResolve_GrantDisallowed(t *testing.T) {
	f := openaiFixture()
	f.grants["U1/openai-test"].Allowed = false
	_, err := New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{})
	wantKind(t, err, KindAccessDenied)
}

func TestResolve_UngrantedUnknownModelIsDenied(t *testing.T) {
	f := openaiFixture()
	delete(f.grants, "U1/openai-test")

	_, err := New(f).Resolve(context.Background(), "U1", "openai-test", "no-such-model", Options{})
	wantKind(t, err, KindAccessDenied)
}

func TestResolve_ProviderStates(t *testing.T) {
	f := openaiFixture()
	_, err := New(f).Resolve(context.Background(), "U1", "missing", "gpt-3.5-turbo", Options{})
	wantKind(t, err, KindProviderNotFound)

	f.providers["openai-test"].Active = false
	_, err = New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{})
	wantKind(t, err, KindProviderDisabled)
}

func TestResolve_ModelStates(t *testing.T) {
	f := openaiFixture()
	_, err := New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-4", Options{})
	wantKind(t, err, KindModelNotFound)

	f.models["openai-test/gpt-3.5-turbo"].Active = false
	_, err = New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{})
	wantKind(t, err, KindModelNotFound)
}

func TestResolve_CustomKey(t *testing.T) {
	f := openaiFixture()
	g := f.grants["U1/openai-test"]
	g.CustomAPIKey = "user-ct"

	res, err := New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.CredentialSource != CredentialProvider {
		t.Error("custom key must not be used unless enabled")
	}

	g.UseCustomAPIKey = true
	res, _ = New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{})
	if res.CredentialSource != CredentialUser || res.SealedCredential != "user-ct" {
		t.Errorf("credential = %s/%s, want user/user-ct", res.CredentialSource, res.SealedCredential)
	}

	g.CustomAPIKey = ""
	res, _ = New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{})
	if res.CredentialSource != CredentialProvider {
		t.Error("empty custom key must fall back to the provider key")
	}
}

func TestResolve_UserAPIKeyID(t *testing.T) {
	f := openaiFixture()
	f.grants["U1/openai-test"].CustomAPIKey = "user-ct"

	res, err := New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{UserAPIKeyID: "up-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.CredentialSource != CredentialUser {
		t.Error("explicit selection should use the user key")
	}

	_, err = New(f).Resolve(context.Background(), "U1", "openai-test", "gpt-3.5-turbo", Options{UserAPIKeyID: "someone-else"})
	wantKind(t, err, KindAccessDenied)
}

func TestEffectiveCeiling(t *testing.T) {
	cases := []struct {
		name     string
		override *int
		model    int
		want     int
	}{
		{"model only", nil, 4096, 4096},
		{"override lower", intPtr(1000), 4096, 1000},
		{"override higher", intPtr(8000), 4096, 4096},
		{"override only", intPtr(500), 0, 500},
		{"neither", nil, 0, 0},
		{"zero override ignored", intPtr(0), 2048, 2048},
	}
	for _, c := range cases {
		if got := EffectiveCeiling(c.override, c.model); got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, got, c.want)
		}
	}
}
