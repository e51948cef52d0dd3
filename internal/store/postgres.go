package store

import (
	"context"
	"errors"
	"time"

	"manabilling/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

const billingColumns = `id, email, COALESCE(username, ''), plan_id, COALESCE(stripe_customer_id, ''),
	COALESCE(stripe_subscription_id, ''), subscription_period_end, channeling_active, channeling_expires_at, updated_at`

func scanBillingRecord(row pgx.Row) (models.UserBillingRecord, error) {
	var rec models.UserBillingRecord
	err := row.Scan(&rec.UserID, &rec.Email, &rec.Username, &rec.PlanID, &rec.StripeCustomerID,
		&rec.StripeSubscriptionID, &rec.SubscriptionPeriodEnd, &rec.ChannelingActive, &rec.ChannelingExpiresAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UserBillingRecord{}, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) GetBillingRecord(ctx context.Context, userID int64) (models.UserBillingRecord, error) {
	return scanBillingRecord(p.db.QueryRow(ctx, `SELECT `+billingColumns+` FROM users WHERE id = $1`, userID))
}

func (p *Postgres) GetBillingRecordByCustomer(ctx context.Context, customerID string) (models.UserBillingRecord, error) {
	return scanBillingRecord(p.db.QueryRow(ctx, `SELECT `+billingColumns+` FROM users WHERE stripe_customer_id = $1`, customerID))
}

func (p *Postgres) FindUserIDByIdentifier(ctx context.Context, identifier string) (int64, error) {
	var id int64
	err := p.db.QueryRow(ctx, `
		SELECT id FROM users
		WHERE lower(email) = lower($1) OR lower(username) = lower($1)
		ORDER BY id LIMIT 1`, identifier).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (p *Postgres) UpdatePeriodEnd(ctx context.Context, userID int64, periodEnd *time.Time) error {
	ct, err := p.db.Exec(ctx, `
		UPDATE users SET subscription_period_end = $2, updated_at = NOW()
		WHERE id = $1`, userID, periodEnd)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) LinkCustomer(ctx context.Context, userID int64, customerID, subscriptionID string) error {
	ct, err := p.db.Exec(ctx, `
		UPDATE users
		SET stripe_customer_id = COALESCE(NULLIF($2, ''), stripe_customer_id),
			stripe_subscription_id = COALESCE(NULLIF($3, ''), stripe_subscription_id),
			updated_at = NOW()
		WHERE id = $1`, userID, customerID, subscriptionID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ApplySubscriptionGrant(ctx context.Context, userID int64, grant SubscriptionGrant) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE users
		SET plan_id = $2,
			stripe_subscription_id = COALESCE(NULLIF($3, ''), stripe_subscription_id),
			subscription_period_end = $4,
			updated_at = NOW()
		WHERE id = $1`, userID, grant.PlanID, grant.SubscriptionID, grant.PeriodEnd)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO wallets (user_id, mana_balance, last_core_grant_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET mana_balance = EXCLUDED.mana_balance,
			last_core_grant_at = EXCLUDED.last_core_grant_at,
			updated_at = NOW()`, userID, grant.Mana, grant.GrantedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ClearSubscription(ctx context.Context, userID int64, subscriptionID, freePlanID string) error {
	ct, err := p.db.Exec(ctx, `
		UPDATE users
		SET plan_id = $3, stripe_subscription_id = NULL, subscription_period_end = NULL, updated_at = NOW()
		WHERE id = $1 AND stripe_subscription_id = $2`, userID, subscriptionID, freePlanID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeEntitlement resets the user to the free plan, clears channeling and
// zeroes core mana in one transaction. Booster mana is left alone.
func (p *Postgres) RevokeEntitlement(ctx context.Context, userID int64, freePlanID string) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE users
		SET plan_id = $2, stripe_subscription_id = NULL, subscription_period_end = NULL,
			channeling_active = FALSE, channeling_expires_at = NULL, updated_at = NOW()
		WHERE id = $1`, userID, freePlanID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = tx.Exec(ctx, `
		UPDATE wallets SET mana_balance = 0, last_core_grant_at = NULL, updated_at = NOW()
		WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GrantGiftEntitlement(ctx context.Context, userID int64, now time.Time, extend time.Duration, giftPlanID, freePlanID string) (time.Time, error) {
	var until time.Time
	err := p.db.QueryRow(ctx, `
		UPDATE users
		SET channeling_active = TRUE,
			channeling_expires_at = GREATEST(COALESCE(channeling_expires_at, $2), $2) + ($3::bigint * INTERVAL '1 second'),
			plan_id = CASE WHEN plan_id = $5 THEN $4 ELSE plan_id END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING channeling_expires_at`, userID, now, int64(extend/time.Second), giftPlanID, freePlanID).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return until, err
}

// ========== wallet ==========

func (p *Postgres) GetWallet(ctx context.Context, userID int64) (models.Wallet, error) {
	var w models.Wallet
	err := p.db.QueryRow(ctx, `
		SELECT user_id, mana_balance, booster_balance, last_core_grant_at, updated_at
		FROM wallets WHERE user_id = $1`, userID,
	).Scan(&w.UserID, &w.ManaBalance, &w.BoosterBalance, &w.LastCoreGrantAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Wallet{}, ErrNotFound
	}
	return w, err
}

func (p *Postgres) CreditBooster(ctx context.Context, userID, mana int64) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO wallets (user_id, booster_balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET booster_balance = wallets.booster_balance + EXCLUDED.booster_balance, updated_at = NOW()`,
		userID, mana)
	return err
}

// DeductBooster clamps at zero and returns the remaining booster balance.
func (p *Postgres) DeductBooster(ctx context.Context, userID, mana int64) (int64, error) {
	var remaining int64
	err := p.db.QueryRow(ctx, `
		UPDATE wallets SET booster_balance = GREATEST(booster_balance - $2, 0), updated_at = NOW()
		WHERE user_id = $1
		RETURNING booster_balance`, userID, mana).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return remaining, err
}

// ========== refund requests ==========

const refundColumns = `id, user_id, kind, charge_id, COALESCE(invoice_id, ''), amount_cents, reason, status,
	COALESCE(remote_refund_id, ''), purchased_at, processed_at, created_at`

func scanRefundRequest(row pgx.Row) (models.RefundRequest, error) {
	var r models.RefundRequest
	err := row.Scan(&r.ID, &r.UserID, &r.Kind, &r.ChargeID, &r.InvoiceID, &r.AmountCents, &r.Reason, &r.Status,
		&r.RemoteRefundID, &r.PurchasedAt, &r.ProcessedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RefundRequest{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) CreateRefundRequest(ctx context.Context, req *models.RefundRequest) error {
	err := p.db.QueryRow(ctx, `
		INSERT INTO refund_requests (user_id, kind, charge_id, invoice_id, amount_cents, reason, status, remote_refund_id, purchased_at, processed_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9, $10)
		RETURNING id, created_at`,
		req.UserID, req.Kind, req.ChargeID, req.InvoiceID, req.AmountCents, req.Reason, req.Status,
		req.RemoteRefundID, req.PurchasedAt, req.ProcessedAt,
	).Scan(&req.ID, &req.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) GetRefundRequest(ctx context.Context, id int64) (models.RefundRequest, error) {
	return scanRefundRequest(p.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = $1`, id))
}

func (p *Postgres) FindPendingRefundRequest(ctx context.Context, chargeID string) (models.RefundRequest, error) {
	return scanRefundRequest(p.db.QueryRow(ctx, `
		SELECT `+refundColumns+` FROM refund_requests
		WHERE charge_id = $1 AND status = $2
		ORDER BY id DESC LIMIT 1`, chargeID, models.RefundStatusPending))
}

// ListRefundRequests lists every request when status is empty.
func (p *Postgres) ListRefundRequests(ctx context.Context, status string) ([]models.RefundRequest, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+refundColumns+` FROM refund_requests
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC, id DESC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RefundRequest
	for rows.Next() {
		r, err := scanRefundRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveRefundRequest(ctx context.Context, id int64, status, remoteRefundID string, processedAt time.Time) error {
	ct, err := p.db.Exec(ctx, `
		UPDATE refund_requests
		SET status = $2, remote_refund_id = NULLIF($3, ''), processed_at = $4
		WHERE id = $1 AND processed_at IS NULL`, id, status, remoteRefundID, processedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// ========== gifts ==========

const giftColumns = `id, sender_id, recipient_id, status, expires_at, created_at, updated_at`

func scanGift(row pgx.Row) (models.Gift, error) {
	var g models.Gift
	err := row.Scan(&g.ID, &g.SenderID, &g.RecipientID, &g.Status, &g.ExpiresAt, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Gift{}, ErrNotFound
	}
	return g, err
}

func (p *Postgres) CreateGift(ctx context.Context, gift *models.Gift) error {
	return p.db.QueryRow(ctx, `
		INSERT INTO gifts (sender_id, recipient_id, status, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		gift.SenderID, gift.RecipientID, gift.Status, gift.ExpiresAt,
	).Scan(&gift.ID, &gift.CreatedAt, &gift.UpdatedAt)
}

func (p *Postgres) GetGift(ctx context.Context, id int64) (models.Gift, error) {
	return scanGift(p.db.QueryRow(ctx, `SELECT `+giftColumns+` FROM gifts WHERE id = $1`, id))
}

// TransitionGift moves a gift between states only if it is still in from.
func (p *Postgres) TransitionGift(ctx context.Context, id int64, from, to string) (bool, error) {
	ct, err := p.db.Exec(ctx, `
		UPDATE gifts SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (p *Postgres) AcceptPendingGift(ctx context.Context, id int64, now time.Time) (bool, error) {
	ct, err := p.db.Exec(ctx, `
		UPDATE gifts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND expires_at > $4`,
		id, models.GiftStatusAccepted, models.GiftStatusPending, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (p *Postgres) DeletePendingGift(ctx context.Context, id int64) (bool, error) {
	ct, err := p.db.Exec(ctx, `DELETE FROM gifts WHERE id = $1 AND status = $2`, id, models.GiftStatusPending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (p *Postgres) ListGiftsForUser(ctx context.Context, userID int64) ([]models.Gift, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+giftColumns+` FROM gifts
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Gift
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) ExpireOverdueGifts(ctx context.Context, now time.Time) (int64, error) {
	ct, err := p.db.Exec(ctx, `
		UPDATE gifts SET status = $1, updated_at = NOW()
		WHERE status = $2 AND expires_at <= $3`, models.GiftStatusExpired, models.GiftStatusPending, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
