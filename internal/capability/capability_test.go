package capability

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/bus"
	"github.com/pmlrun/gateway/internal/sandbox"
)

func TestRegisterAndGet(t *testing.T) {
	r := New(nil)
	c := Capability{ID: "org.proj.fetch", Name: "fetch", Permission: sandbox.PermReadonly}
	if err := r.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Get("org.proj.fetch")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "fetch" {
		t.Fatalf("expected name 'fetch', got %q", got.Name)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}
}

func TestRegisterOnDuplicateIDUpdatesInPlaceAndBumpsVersion(t *testing.T) {
	r := New(nil)
	c := Capability{ID: "dup", Permission: sandbox.PermMinimal}
	if err := r.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(c); err != nil {
		t.Fatalf("expected re-registering the same id to update in place, got error: %v", err)
	}
	got, err := r.Get("dup")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version to strictly increment to 2, got %d", got.Version)
	}
}

func TestRegisterOnFQDNCollisionUpdatesInPlaceAndPreservesUsage(t *testing.T) {
	r := New(nil)
	c := Capability{
		Org: "acme", Project: "widgets", Namespace: "net", Action: "fetch", Hash: "ab12",
		Permission: sandbox.PermReadonly,
	}
	if err := r.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	first, _ := r.GetByFQDN("acme", "widgets", "net", "fetch", "ab12")
	if err := r.RecordUsage(first.ID, true, 5); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	c.Description = "updated description"
	if err := r.Register(c); err != nil {
		t.Fatalf("re-register on fqdn collision: %v", err)
	}

	updated, err := r.GetByFQDN("acme", "widgets", "net", "fetch", "ab12")
	if err != nil {
		t.Fatalf("GetByFQDN: %v", err)
	}
	if updated.ID != first.ID {
		t.Fatalf("expected id to stay stable across fqdn re-creation, got %q want %q", updated.ID, first.ID)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if updated.UsageCount != 1 {
		t.Fatalf("expected usage count to carry forward, got %d", updated.UsageCount)
	}
	if updated.Description != "updated description" {
		t.Fatalf("expected updated description to apply, got %q", updated.Description)
	}
}

func TestResolveByNameScopedThenPublic(t *testing.T) {
	r := New(nil)
	inScope := Capability{
		Org: "acme", Project: "widgets", Namespace: "net", Action: "fetch", Hash: "aaaa",
		Permission: sandbox.PermReadonly,
	}
	otherScopePublic := Capability{
		Org: "other", Project: "proj", Namespace: "net", Action: "fetch", Hash: "bbbb",
		Permission: sandbox.PermReadonly, Visibility: VisibilityPublic,
	}
	otherScopePrivate := Capability{
		Org: "other", Project: "proj", Namespace: "net", Action: "upload", Hash: "cccc",
		Permission: sandbox.PermReadonly, Visibility: VisibilityPrivate,
	}
	for _, c := range []Capability{inScope, otherScopePublic, otherScopePrivate} {
		if err := r.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	scope := Scope{Org: "acme", Project: "widgets"}
	got, err := r.ResolveByName(scope, "net:fetch")
	if err != nil {
		t.Fatalf("ResolveByName: %v", err)
	}
	if got.Hash != "aaaa" {
		t.Fatalf("expected the in-scope record to win, got hash %q", got.Hash)
	}

	got, err = r.ResolveByName(scope, "upload")
	if err == nil {
		t.Fatalf("expected a private out-of-scope capability to stay unresolvable, got %+v", got)
	}

	otherScope := Scope{Org: "nobody", Project: "nothing"}
	got, err = r.ResolveByName(otherScope, "fetch")
	if err != nil {
		t.Fatalf("expected bare-name fallback to the public record: %v", err)
	}
	if got.Hash != "bbbb" {
		t.Fatalf("expected the public out-of-scope record to resolve, got hash %q", got.Hash)
	}
}

func TestRegisterRejectsInvalidPermission(t *testing.T) {
	r := New(nil)
	c := Capability{ID: "bad", Permission: sandbox.PermissionSet("not-a-tier")}
	if err := r.Register(c); err == nil {
		t.Fatal("expected error for invalid permission tier")
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	r := New(nil)
	c := Capability{ID: "x", Permission: sandbox.PermMinimal}
	if err := r.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	created, _ := r.Get("x")

	time.Sleep(time.Millisecond)
	c.Name = "renamed"
	if err := r.Update(c); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, _ := r.Get("x")
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("expected CreatedAt to be preserved across Update")
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatal("expected UpdatedAt to advance")
	}
}

func TestUpdateUnknownReturnsNotFound(t *testing.T) {
	r := New(nil)
	if err := r.Update(Capability{ID: "ghost", Permission: sandbox.PermMinimal}); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRemove(t *testing.T) {
	r := New(nil)
	c := Capability{ID: "y", Permission: sandbox.PermMinimal}
	_ = r.Register(c)
	if err := r.Remove("y"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Get("y"); err == nil {
		t.Fatal("expected not-found after Remove")
	}
}

func TestRegisterPublishesBusEvent(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()

	received := make(chan bus.Event, 1)
	b.On("capability.zone.created", func(e bus.Event) { received <- e })

	r := New(b)
	c := Capability{ID: "z", Permission: sandbox.PermMinimal, ToolIDs: []string{"fetch"}}
	if err := r.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	select {
	case evt := <-received:
		if evt.Type != "capability.zone.created" {
			t.Fatalf("unexpected event type %q", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected capability.zone.created event")
	}
}

func TestRecordUsageUpdatesSuccessRate(t *testing.T) {
	r := New(nil)
	c := Capability{ID: "m", Permission: sandbox.PermMinimal}
	if err := r.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.RecordUsage("m", true, 10); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := r.RecordUsage("m", false, 20); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	got, _ := r.Get("m")
	if got.UsageCount != 2 || got.SuccessCount != 1 {
		t.Fatalf("expected usage=2 success=1, got %+v", got)
	}
	if got.SuccessRate() != 0.5 {
		t.Fatalf("expected success rate 0.5, got %v", got.SuccessRate())
	}
}

func TestListFilteredAppliesMinSuccessRateAndPagination(t *testing.T) {
	r := New(nil)
	for i, id := range []string{"a", "b", "c"} {
		_ = r.Register(Capability{ID: id, Name: id, Permission: sandbox.PermMinimal})
		for j := 0; j <= i; j++ {
			_ = r.RecordUsage(id, true, 1)
		}
	}
	// a: 1 call, 1 success -> rate 1.0; b: 2/2 -> 1.0; c: 3/3 -> 1.0
	// give "a" a failure so rates differ
	_ = r.RecordUsage("a", false, 1)

	page, total := r.ListFiltered(ListQuery{MinSuccessRate: 0.6, Sort: "name"})
	if total != 2 {
		t.Fatalf("expected 2 capabilities above 0.6 success rate, got %d (page=%+v)", total, page)
	}
	if len(page) != 2 || page[0].Name != "b" {
		t.Fatalf("expected sorted page starting with 'b', got %+v", page)
	}

	paged, total2 := r.ListFiltered(ListQuery{Limit: 1, Offset: 1, Sort: "name"})
	if total2 != 3 {
		t.Fatalf("expected total=3 (unfiltered), got %d", total2)
	}
	if len(paged) != 1 {
		t.Fatalf("expected exactly 1 result for limit=1, got %d", len(paged))
	}
}
