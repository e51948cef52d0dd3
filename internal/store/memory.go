package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"manabilling/internal/models"
)

// Memory is an in-process Store used for local development and tests.
type Memory struct {
	mu      sync.Mutex
	users   map[int64]models.UserBillingRecord
	wallets map[int64]models.Wallet
	refunds map[int64]models.RefundRequest
	gifts   map[int64]models.Gift
	nextID  int64
	clock   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[int64]models.UserBillingRecord),
		wallets: make(map[int64]models.Wallet),
		refunds: make(map[int64]models.RefundRequest),
		gifts:   make(map[int64]models.Gift),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// PutUser inserts or replaces a billing record.
func (m *Memory) PutUser(rec models.UserBillingRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.PlanID == "" {
		rec.PlanID = "free"
	}
	m.users[rec.UserID] = rec
}

func (m *Memory) PutWallet(w models.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.UserID] = w
}

// Seed is the fixture format accepted by LoadSeed.
type Seed struct {
	Users   []models.UserBillingRecord `json:"users"`
	Wallets []models.Wallet            `json:"wallets"`
}

// LoadSeed reads a JSON Seed and inserts its users and wallets.
func (m *Memory) LoadSeed(r io.Reader) (int, error) {
	var seed Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}
	for _, u := range seed.Users {
		if u.UserID <= 0 {
			return 0, fmt.Errorf("seed user %q: user_id must be positive", u.Email)
		}
		m.PutUser(u)
	}
	for _, w := range seed.Wallets {
		m.PutWallet(w)
	}
	return len(seed.Users), nil
}

func (m *Memory) GetBillingRecord(_ context.Context, userID int64) (models.UserBillingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[userID]
	if !ok {
		return models.UserBillingRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) GetBillingRecordByCustomer(_ context.Context, customerID string) (models.UserBillingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.users {
		if customerID != "" && rec.StripeCustomerID == customerID {
			return rec, nil
		}
	}
	return models.UserBillingRecord{}, ErrNotFound
}

func (m *Memory) FindUserIDByIdentifier(_ context.Context, identifier string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found int64
	for id, rec := range m.users {
		if strings.EqualFold(rec.Email, identifier) || (rec.Username != "" && strings.EqualFold(rec.Username, identifier)) {
			if found == 0 || id < found {
				found = id
			}
		}
	}
	if found == 0 {
		return 0, ErrNotFound
	}
	return found, nil
}

func (m *Memory) update(userID int64, fn func(rec *models.UserBillingRecord)) error {
	rec, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	rec.UpdatedAt = m.clock()
	m.users[userID] = rec
	return nil
}

func (m *Memory) UpdatePeriodEnd(_ context.Context, userID int64, periodEnd *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(userID, func(rec *models.UserBillingRecord) {
		rec.SubscriptionPeriodEnd = copyTime(periodEnd)
	})
}

func (m *Memory) LinkCustomer(_ context.Context, userID int64, customerID, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.users {
		if customerID != "" && id != userID && rec.StripeCustomerID == customerID {
			return ErrConflict
		}
	}
	return m.update(userID, func(rec *models.UserBillingRecord) {
		if customerID != "" {
			rec.StripeCustomerID = customerID
		}
		if subscriptionID != "" {
			rec.StripeSubscriptionID = subscriptionID
		}
	})
}

func (m *Memory) ApplySubscriptionGrant(_ context.Context, userID int64, grant SubscriptionGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.update(userID, func(rec *models.UserBillingRecord) {
		rec.PlanID = grant.PlanID
		if grant.SubscriptionID != "" {
			rec.StripeSubscriptionID = grant.SubscriptionID
		}
		rec.SubscriptionPeriodEnd = copyTime(grant.PeriodEnd)
	})
	if err != nil {
		return err
	}
	w := m.wallets[userID]
	w.UserID = userID
	w.ManaBalance = grant.Mana
	grantedAt := grant.GrantedAt
	w.LastCoreGrantAt = &grantedAt
	w.UpdatedAt = m.clock()
	m.wallets[userID] = w
	return nil
}

func (m *Memory) ClearSubscription(_ context.Context, userID int64, subscriptionID, freePlanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[userID]
	if !ok || rec.StripeSubscriptionID != subscriptionID {
		return ErrNotFound
	}
	return m.update(userID, func(rec *models.UserBillingRecord) {
		rec.PlanID = freePlanID
		rec.StripeSubscriptionID = ""
		rec.SubscriptionPeriodEnd = nil
	})
}

func (m *Memory) RevokeEntitlement(_ context.Context, userID int64, freePlanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.update(userID, func(rec *models.UserBillingRecord) {
		rec.PlanID = freePlanID
		rec.StripeSubscriptionID = ""
		rec.SubscriptionPeriodEnd = nil
		rec.ChannelingActive = false
		rec.ChannelingExpiresAt = nil
	})
	if err != nil {
		return err
	}
	if w, ok := m.wallets[userID]; ok {
		w.ManaBalance = 0
		w.LastCoreGrantAt = nil
		w.UpdatedAt = m.clock()
		m.wallets[userID] = w
	}
	return nil
}

func (m *Memory) GrantGiftEntitlement(_ context.Context, userID int64, now time.Time, extend time.Duration, giftPlanID, freePlanID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var until time.Time
	err := m.update(userID, func(rec *models.UserBillingRecord) {
		base := now
		if rec.ChannelingExpiresAt != nil && rec.ChannelingExpiresAt.After(now) {
			base = *rec.ChannelingExpiresAt
		}
		until = base.Add(extend)
		rec.ChannelingActive = true
		rec.ChannelingExpiresAt = &until
		if rec.PlanID == freePlanID {
			rec.PlanID = giftPlanID
		}
	})
	return until, err
}

func (m *Memory) GetWallet(_ context.Context, userID int64) (models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return models.Wallet{}, ErrNotFound
	}
	return w, nil
}

func (m *Memory) CreditBooster(_ context.Context, userID, mana int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallets[userID]
	w.UserID = userID
	w.BoosterBalance += mana
	w.UpdatedAt = m.clock()
	m.wallets[userID] = w
	return nil
}

func (m *Memory) DeductBooster(_ context.Context, userID, mana int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return 0, ErrNotFound
	}
	w.BoosterBalance -= mana
	if w.BoosterBalance < 0 {
		w.BoosterBalance = 0
	}
	w.UpdatedAt = m.clock()
	m.wallets[userID] = w
	return w.BoosterBalance, nil
}

func (m *Memory) CreateRefundRequest(_ context.Context, req *models.RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Status == models.RefundStatusPending {
		for _, existing := range m.refunds {
			if existing.ChargeID == req.ChargeID && existing.Status == models.RefundStatusPending {
				return ErrConflict
			}
		}
	}
	m.nextID++
	req.ID = m.nextID
	req.CreatedAt = m.clock()
	m.refunds[req.ID] = *req
	return nil
}

func (m *Memory) GetRefundRequest(_ context.Context, id int64) (models.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[id]
	if !ok {
		return models.RefundRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) FindPendingRefundRequest(_ context.Context, chargeID string) (models.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.refunds {
		if r.ChargeID == chargeID && r.Status == models.RefundStatusPending {
			return r, nil
		}
	}
	return models.RefundRequest{}, ErrNotFound
}

func (m *Memory) ListRefundRequests(_ context.Context, status string) ([]models.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RefundRequest
	for _, r := range m.refunds {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) ResolveRefundRequest(_ context.Context, id int64, status, remoteRefundID string, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[id]
	if !ok || r.ProcessedAt != nil {
		return ErrAlreadyProcessed
	}
	r.Status = status
	r.RemoteRefundID = remoteRefundID
	r.ProcessedAt = &processedAt
	m.refunds[id] = r
	return nil
}

func (m *Memory) CreateGift(_ context.Context, gift *models.Gift) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	gift.ID = m.nextID
	gift.CreatedAt = m.clock()
	gift.UpdatedAt = gift.CreatedAt
	m.gifts[gift.ID] = *gift
	return nil
}

func (m *Memory) GetGift(_ context.Context, id int64) (models.Gift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gifts[id]
	if !ok {
		return models.Gift{}, ErrNotFound
	}
	return g, nil
}

func (m *Memory) TransitionGift(_ context.Context, id int64, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gifts[id]
	if !ok || g.Status != from {
		return false, nil
	}
	g.Status = to
	g.UpdatedAt = m.clock()
	m.gifts[id] = g
	return true, nil
}

func (m *Memory) AcceptPendingGift(_ context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gifts[id]
	if !ok || g.Status != models.GiftStatusPending || !g.ExpiresAt.After(now) {
		return false, nil
	}
	g.Status = models.GiftStatusAccepted
	g.UpdatedAt = m.clock()
	m.gifts[id] = g
	return true, nil
}

func (m *Memory) DeletePendingGift(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gifts[id]
	if !ok || g.Status != models.GiftStatusPending {
		return false, nil
	}
	delete(m.gifts, id)
	return true, nil
}

func (m *Memory) ListGiftsForUser(_ context.Context, userID int64) ([]models.Gift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Gift
	for _, g := range m.gifts {
		if g.SenderID == userID || g.RecipientID == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) ExpireOverdueGifts(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, g := range m.gifts {
		if g.Status == models.GiftStatusPending && !g.ExpiresAt.After(now) {
			g.Status = models.GiftStatusExpired
			g.UpdatedAt = m.clock()
			m.gifts[id] = g
			n++
		}
	}
	return n, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
