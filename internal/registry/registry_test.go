package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/mirror-engine/internal/deriv/derivtest"
	"github.com/atmx/mirror-engine/internal/events"
	"github.com/atmx/mirror-engine/internal/model"
	"github.com/atmx/mirror-engine/internal/registry"
	"github.com/atmx/mirror-engine/internal/secret"
	"github.com/atmx/mirror-engine/internal/store"
)

func newTestEnv(t *testing.T) (*registry.Registry, *derivtest.Conn, *store.MemoryStore) {
	t.Helper()
	key, _ := secret.GenerateKey()
	kr, err := secret.NewKeyring(map[int]string{1: key})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	conn := derivtest.New()
	ms := store.NewMemoryStore(kr)
	return registry.New(conn, ms, events.NewBus()), conn, ms
}

func TestAdd_Connected(t *testing.T) {
	reg, conn, ms := newTestEnv(t)
	conn.AddAccount("tok-alpha-0001", "CR100", "USD", 500)

	acct, err := reg.Add(context.Background(), "tok-alpha-0001")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if acct.AccountID != "CR100" || acct.Status != model.StatusConnected || !acct.IsActive {
		t.Errorf("unexpected account: %+v", acct)
	}
	if acct.Currency != "USD" || !acct.Balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("currency/balance not populated: %+v", acct)
	}
	if acct.AccountType != model.AccountReal {
		t.Errorf("account type = %s", acct.AccountType)
	}

	saved, err := ms.LoadAccounts(context.Background())
	if err != nil || len(saved) != 1 || saved[0].Token != "tok-alpha-0001" {
		t.Errorf("account not persisted: %+v %v", saved, err)
	}
}

func TestAdd_InvalidToken(t *testing.T) {
	reg, _, _ := newTestEnv(t)

	_, err := reg.Add(context.Background(), "bogus")
	var authErr *registry.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Code != "InvalidToken" {
		t.Errorf("code = %s", authErr.Code)
	}
	if len(reg.List()) != 0 {
		t.Error("failed add must not insert an account")
	}
}

func TestAdd_DuplicateAccountID(t *testing.T) {
	reg, conn, _ := newTestEnv(t)
	conn.AddAccount("tok-one", "CR100", "USD", 100)
	conn.AddAccount("tok-two", "CR100", "USD", 100) // second token, same account

	if _, err := reg.Add(context.Background(), "tok-one"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	before := reg.List()

	_, err := reg.Add(context.Background(), "tok-two")
	if !errors.Is(err, registry.ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
	after := reg.List()
	if len(after) != 1 || after[0].Token != before[0].Token {
		t.Errorf("registry changed on duplicate: %+v", after)
	}

	if _, err := reg.Add(context.Background(), "tok-one"); !errors.Is(err, registry.ErrDuplicateAccount) {
		t.Errorf("same token twice: expected ErrDuplicateAccount, got %v", err)
	}
}

func TestAdd_EmptyToken(t *testing.T) {
	reg, _, _ := newTestEnv(t)
	if _, err := reg.Add(context.Background(), "   "); !errors.Is(err, registry.ErrEmptyToken) {
		t.Errorf("expected ErrEmptyToken, got %v", err)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	reg, conn, ms := newTestEnv(t)
	conn.AddAccount("tok-a", "CR1", "USD", 10)
	reg.Add(context.Background(), "tok-a")

	if err := reg.Remove(context.Background(), "CR1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := reg.Remove(context.Background(), "CR1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Error("account still present")
	}
	saved, _ := ms.LoadAccounts(context.Background())
	if len(saved) != 0 {
		t.Errorf("removal not persisted: %+v", saved)
	}
}

func TestListActive_Snapshot(t *testing.T) {
	reg, conn, _ := newTestEnv(t)
	ctx := context.Background()
	for _, tc := range []struct{ tok, id string }{{"tok-a", "CR1"}, {"tok-b", "CR2"}, {"tok-c", "CR3"}} {
		conn.AddAccount(tc.tok, tc.id, "USD", 10)
		if _, err := reg.Add(ctx, tc.tok); err != nil {
			t.Fatalf("add %s: %v", tc.id, err)
		}
	}

	snapshot := reg.ListActive()
	reg.Remove(ctx, "CR2")
	conn.AddAccount("tok-d", "CR4", "USD", 10)
	reg.Add(ctx, "tok-d")

	if len(snapshot) != 3 {
		t.Errorf("snapshot changed: %d", len(snapshot))
	}
	ids := []string{}
	for _, a := range reg.ListActive() {
		ids = append(ids, a.AccountID)
	}
	if len(ids) != 3 || ids[0] != "CR1" || ids[1] != "CR3" || ids[2] != "CR4" {
		t.Errorf("unexpected active set: %v", ids)
	}
}

func TestSetActive_ExcludesFromFanOut(t *testing.T) {
	reg, conn, _ := newTestEnv(t)
	conn.AddAccount("tok-a", "CR1", "USD", 10)
	reg.Add(context.Background(), "tok-a")

	if _, err := reg.SetActive(context.Background(), "CR1", false); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if reg.ActiveCount() != 0 {
		t.Error("inactive account should not be mirrorable")
	}
	if reg.ConnectedCount() != 1 {
		t.Error("inactive account is still connected")
	}
	if _, err := reg.SetActive(context.Background(), "nope", true); !errors.Is(err, registry.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestLoadAndValidateAll(t *testing.T) {
	reg, conn, ms := newTestEnv(t)
	conn.AddAccount("tok-good", "CR1", "USD", 42)
	now := time.Now().UTC()
	err := ms.SaveAccounts(context.Background(), []model.LinkedAccount{
		{Token: "tok-good", AccountID: "CR1", LoginID: "CR1", Currency: "USD", IsActive: true, AddedAt: now},
		{Token: "tok-revoked", AccountID: "CR2", LoginID: "CR2", Currency: "USD", IsActive: true, AddedAt: now},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.ActiveCount() != 0 {
		t.Fatal("loaded accounts must stay pending until validated")
	}
	if err := reg.ValidateAll(context.Background()); err != nil {
		t.Fatalf("validate all: %v", err)
	}

	good, _ := reg.Get("CR1")
	bad, _ := reg.Get("CR2")
	if good.Status != model.StatusConnected || !good.Balance.Equal(decimal.NewFromInt(42)) {
		t.Errorf("good account: %+v", good)
	}
	if bad.Status != model.StatusError || bad.StatusError == "" {
		t.Errorf("revoked account: %+v", bad)
	}
}

func TestRevalidate_NetworkFailureDisconnects(t *testing.T) {
	reg, conn, _ := newTestEnv(t)
	conn.AddAccount("tok-a", "CR1", "USD", 10)
	reg.Add(context.Background(), "tok-a")

	conn.Close()
	acct, err := reg.Revalidate(context.Background(), "CR1")
	if err == nil {
		t.Fatal("expected error")
	}
	var authErr *registry.AuthError
	if errors.As(err, &authErr) {
		t.Fatalf("transport failure must not be an AuthError: %v", err)
	}
	if acct.Status != model.StatusDisconnected {
		t.Errorf("status = %s", acct.Status)
	}
}
