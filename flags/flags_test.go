package flags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/withObsrvr/anchor-callback-processor/logging"
	"github.com/withObsrvr/anchor-callback-processor/store"
)

// memFlagStore implements flagStore in memory.
type memFlagStore struct {
	flags   map[string]bool
	listErr error
	setErr  error
}

func newMemFlagStore() *memFlagStore {
	return &memFlagStore{flags: make(map[string]bool)}
}

func (m *memFlagStore) ListFlags(ctx context.Context) ([]store.FeatureFlag, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []store.FeatureFlag
	for name, enabled := range m.flags {
		out = append(out, store.FeatureFlag{Name: name, Enabled: enabled, UpdatedAt: time.Now()})
	}
	return out, nil
}

func (m *memFlagStore) SetFlag(ctx context.Context, name string, enabled bool) (store.FeatureFlag, error) {
	if m.setErr != nil {
		return store.FeatureFlag{}, m.setErr
	}
	m.flags[name] = enabled
	return store.FeatureFlag{Name: name, Enabled: enabled, UpdatedAt: time.Now()}, nil
}

func testService(m *memFlagStore) *Service {
	return NewService(m, logging.NewComponentLogger("flags-test", "test", "error", "text"))
}

func TestIsEnabledUsesDefaultForUnknownFlag(t *testing.T) {
	svc := testService(newMemFlagStore())

	if !svc.IsEnabled(SettlementEnabled, true) {
		t.Error("unknown flag with default true must report true")
	}
	if svc.IsEnabled(SettlementUseFallbackHorizon, false) {
		t.Error("unknown flag with default false must report false")
	}
}

func TestRefreshLoadsStoredFlags(t *testing.T) {
	m := newMemFlagStore()
	m.flags[SettlementEnabled] = false
	svc := testService(m)

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if svc.IsEnabled(SettlementEnabled, true) {
		t.Error("stored false must beat the default true")
	}
}

func TestRefreshFailurePreservesCache(t *testing.T) {
	m := newMemFlagStore()
	m.flags[SettlementEnabled] = false
	svc := testService(m)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	m.listErr = errors.New("connection refused")
	if err := svc.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if svc.IsEnabled(SettlementEnabled, true) {
		t.Error("failed refresh must leave the previous cache intact")
	}
}

func TestSetUpdatesCacheImmediately(t *testing.T) {
	svc := testService(newMemFlagStore())

	if _, err := svc.Set(context.Background(), SettlementEnabled, false); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if svc.IsEnabled(SettlementEnabled, true) {
		t.Error("Set must take effect without waiting for a refresh")
	}
}

func TestAdminUpdateFlag(t *testing.T) {
	svc := testService(newMemFlagStore())
	router := mux.NewRouter()
	svc.RegisterAdminRoutes(router)

	body, _ := json.Marshal(map[string]bool{"enabled": false})
	req := httptest.NewRequest(http.MethodPut, "/admin/flags/"+SettlementEnabled, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp FlagResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Name != SettlementEnabled || resp.Enabled {
		t.Errorf("unexpected response: %+v", resp)
	}
	if svc.IsEnabled(SettlementEnabled, true) {
		t.Error("admin update must be visible to lookups")
	}
}

func TestAdminUpdateFlagRejectsMissingBody(t *testing.T) {
	svc := testService(newMemFlagStore())
	router := mux.NewRouter()
	svc.RegisterAdminRoutes(router)

	req := httptest.NewRequest(http.MethodPut, "/admin/flags/x", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing enabled field, got %d", rec.Code)
	}
}

func TestAdminListFlags(t *testing.T) {
	m := newMemFlagStore()
	m.flags[SettlementEnabled] = true
	svc := testService(m)
	router := mux.NewRouter()
	svc.RegisterAdminRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/admin/flags", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []FlagResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].Name != SettlementEnabled || !resp[0].Enabled {
		t.Errorf("unexpected flag list: %+v", resp)
	}
}
