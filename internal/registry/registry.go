// Package registry holds the set of linked accounts that mirrored trades are
// replicated onto. Every account is identified by the account id its token
// authorizes to, and no account id is ever present twice.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/events"
	"github.com/atmx/mirror-engine/internal/model"
	"github.com/atmx/mirror-engine/internal/store"
)

var (
	ErrDuplicateAccount = errors.New("registry: account already linked")
	ErrAccountNotFound  = errors.New("registry: account not found")
	ErrEmptyToken       = errors.New("registry: token is empty")
)

// AuthError reports a token the backend refused to authorize.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("registry: authorization failed: %s: %s", e.Code, e.Message)
}

// Authorizer resolves a token to the account behind it.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*deriv.Authorization, error)
}

// Registry is the in-memory account set, persisted through an AccountStore
// after every change. Safe for concurrent use.
type Registry struct {
	auth  Authorizer
	store store.AccountStore
	bus   *events.Bus

	mu       sync.RWMutex
	accounts map[string]*model.LinkedAccount
	order    []string

	persistMu sync.Mutex
	now       func() time.Time
}

// New creates an empty registry.
func New(auth Authorizer, st store.AccountStore, bus *events.Bus) *Registry {
	return &Registry{
		auth:     auth,
		store:    st,
		bus:      bus,
		accounts: make(map[string]*model.LinkedAccount),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory set with the persisted accounts. Loaded
// accounts are pending until validated.
func (r *Registry) Load(ctx context.Context) error {
	accounts, err := r.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = make(map[string]*model.LinkedAccount, len(accounts))
	r.order = r.order[:0]
	for i := range accounts {
		a := accounts[i]
		if _, dup := r.accounts[a.AccountID]; dup || a.AccountID == "" {
			continue
		}
		a.Status = model.StatusPending
		r.accounts[a.AccountID] = &a
		r.order = append(r.order, a.AccountID)
	}
	slog.Info("linked accounts loaded", "count", len(r.order))
	return nil
}

// ValidateAll authorizes every pending account concurrently. Individual
// failures are recorded on the account, not returned.
func (r *Registry) ValidateAll(ctx context.Context) error {
	var ids []string
	r.mu.RLock()
	for _, id := range r.order {
		if r.accounts[id].Status == model.StatusPending {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := r.Revalidate(gctx, id); err != nil && !errors.Is(err, ErrAccountNotFound) {
				slog.Warn("account validation failed", "account_id", id, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Add authorizes token and links the resulting account as connected. An
// account id already present yields ErrDuplicateAccount with no change.
func (r *Registry) Add(ctx context.Context, token string) (model.LinkedAccount, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.LinkedAccount{}, ErrEmptyToken
	}
	if r.hasToken(token) {
		return model.LinkedAccount{}, ErrDuplicateAccount
	}

	auth, err := r.auth.Authorize(ctx, token)
	if err != nil {
		return model.LinkedAccount{}, authFailure(err)
	}

	acct := model.LinkedAccount{
		Token:     token,
		AccountID: auth.AccountID(),
		Status:    model.StatusConnected,
		IsActive:  true,
		AddedAt:   r.now(),
	}
	applyAuthorization(&acct, auth)

	r.mu.Lock()
	if _, exists := r.accounts[acct.AccountID]; exists {
		r.mu.Unlock()
		return model.LinkedAccount{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, acct.AccountID)
	}
	r.accounts[acct.AccountID] = &acct
	r.order = append(r.order, acct.AccountID)
	out := acct
	r.mu.Unlock()

	slog.Info("account linked",
		"account_id", out.AccountID,
		"currency", out.Currency,
		"account_type", out.AccountType,
		"token", out.MaskedToken(),
	)
	r.persist(ctx)
	r.bus.Publish(events.AccountAdded, out)
	return out, nil
}

// Remove unlinks an account. Removing an unknown id is a no-op. In-flight
// mirror attempts against the account are unaffected.
func (r *Registry) Remove(ctx context.Context, accountID string) error {
	r.mu.Lock()
	if _, ok := r.accounts[accountID]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.accounts, accountID)
	for i, id := range r.order {
		if id == accountID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	slog.Info("account removed", "account_id", accountID)
	r.persist(ctx)
	r.bus.Publish(events.AccountRemoved, accountID)
	return nil
}

// Revalidate re-authorizes an account's token and refreshes its currency and
// balance. A rejected token leaves the account in error and returns an
// *AuthError; a transport failure marks it disconnected.
func (r *Registry) Revalidate(ctx context.Context, accountID string) (model.LinkedAccount, error) {
	r.mu.RLock()
	a, ok := r.accounts[accountID]
	var token string
	if ok {
		token = a.Token
	}
	r.mu.RUnlock()
	if !ok {
		return model.LinkedAccount{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	auth, err := r.auth.Authorize(ctx, token)

	r.mu.Lock()
	a, ok = r.accounts[accountID]
	if !ok {
		r.mu.Unlock()
		return model.LinkedAccount{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		err = authFailure(err)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			a.Status = model.StatusError
			a.StatusError = authErr.Message
		} else {
			a.Status = model.StatusDisconnected
			a.StatusError = err.Error()
		}
	} else {
		a.Status = model.StatusConnected
		a.StatusError = ""
		applyAuthorization(a, auth)
	}
	out := *a
	r.mu.Unlock()

	r.bus.Publish(events.AccountStatusChanged, out)
	if err == nil {
		r.persist(ctx)
	}
	return out, err
}

// SetActive includes or excludes an account from fan-out without unlinking it.
func (r *Registry) SetActive(ctx context.Context, accountID string, active bool) (model.LinkedAccount, error) {
	r.mu.Lock()
	a, ok := r.accounts[accountID]
	if !ok {
		r.mu.Unlock()
		return model.LinkedAccount{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	a.IsActive = active
	out := *a
	r.mu.Unlock()

	r.persist(ctx)
	r.bus.Publish(events.AccountStatusChanged, out)
	return out, nil
}

// UpdateBalance records a balance observed opportunistically, e.g. from a
// buy receipt. Unknown accounts are ignored.
func (r *Registry) UpdateBalance(accountID string, balance decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[accountID]; ok {
		a.Balance = balance
	}
}

// ListActive returns a snapshot of the fan-out target set: connected and
// active accounts in insertion order. Later registry changes do not affect
// the returned slice.
func (r *Registry) ListActive() []model.LinkedAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.LinkedAccount, 0, len(r.order))
	for _, id := range r.order {
		if a := r.accounts[id]; a.Mirrorable() {
			out = append(out, *a)
		}
	}
	return out
}

// List returns every linked account in insertion order.
func (r *Registry) List() []model.LinkedAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.LinkedAccount, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.accounts[id])
	}
	return out
}

// Get returns the account with the given id.
func (r *Registry) Get(accountID string) (model.LinkedAccount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return model.LinkedAccount{}, false
	}
	return *a, true
}

// ActiveCount is the size of the current fan-out target set.
func (r *Registry) ActiveCount() int {
	return len(r.ListActive())
}

// ConnectedCount counts accounts whose status is connected.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.accounts {
		if a.Status == model.StatusConnected {
			n++
		}
	}
	return n
}

func (r *Registry) hasToken(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if a.Token == token {
			return true
		}
	}
	return false
}

// persist writes the current set. Failures are logged; the in-memory set
// stays authoritative for this process.
func (r *Registry) persist(ctx context.Context) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if err := r.store.SaveAccounts(ctx, r.List()); err != nil {
		slog.Error("persist linked accounts failed", "err", err)
	}
}

func applyAuthorization(a *model.LinkedAccount, auth *deriv.Authorization) {
	a.LoginID = auth.LoginID
	a.Currency = auth.Currency
	a.Balance = auth.Balance
	a.AccountType = model.AccountReal
	if auth.IsVirtual == 1 {
		a.AccountType = model.AccountDemo
	}
}

// authFailure turns a backend rejection into an *AuthError and passes
// transport errors through.
func authFailure(err error) error {
	var apiErr *deriv.APIError
	if errors.As(err, &apiErr) {
		return &AuthError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return fmt.Errorf("authorize: %w", err)
}
