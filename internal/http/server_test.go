package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"manabilling/internal/config"
	"manabilling/internal/ledger"
	"manabilling/internal/ledger/ledgertest"
	"manabilling/internal/models"
	"manabilling/internal/ratelimit"
	"manabilling/internal/services"
	"manabilling/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "whsec_test"
)

type testEnv struct {
	handler http.Handler
	store   *store.Memory
	ledger  *ledgertest.Fake
	redis   *miniredis.Miniredis
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		JWTSecretKey:         testJWTSecret,
		CORSAllowedOrigins:   []string{"*"},
		StripeSecretKey:      "sk_test",
		StripeWebhookSecret:  testWebhookSecret,
		StripePriceMonthly:   "price_monthly",
		StripePriceAnnual:    "price_annual",
		StripePriceBooster:   "price_booster",
		PriceMonthlyCents:    2500,
		PriceAnnualCents:     24000,
		CoreManaMonthlyGrant: 200000,
		BoosterManaAmount:    100000,
		USDToManaRate:        20000,
		FreePlanID:           "free",
		GiftPlanID:           "pro_gift",
		RefundWindowDays:     7,
		GiftWindowDays:       7,
		GiftGrantDays:        30,
		GiftDailyLimit:       3,
	}

	env := &testEnv{
		store:  store.NewMemory(),
		ledger: ledgertest.New(),
		redis:  miniredis.RunT(t),
		now:    time.Now().UTC().Truncate(time.Second),
	}
	rdb := redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc := services.New(env.store, env.ledger, nil, cfg)
	svc.SetClock(func() time.Time { return env.now })
	limiter := ratelimit.New(rdb, "test", ratelimit.DefaultLimits(cfg.GiftDailyLimit))
	env.handler = NewServer(svc, limiter, cfg).Routes()
	return env
}

func token(t *testing.T, userID int64, role string) string {
	t.Helper()
	claims := JWTClaims{
		UserID: userID,
		Email:  fmt.Sprintf("user%d@example.com", userID),
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (e *testEnv) seedSubscriber(userID int64, manaBalance int64) {
	grant := e.now.Add(-24 * time.Hour)
	periodEnd := e.now.Add(29 * 24 * time.Hour)
	e.store.PutUser(models.UserBillingRecord{
		UserID: userID, Email: fmt.Sprintf("user%d@example.com", userID), Username: fmt.Sprintf("user%d", userID),
		PlanID: models.PlanMonthly, StripeCustomerID: "cus_1", StripeSubscriptionID: "sub_1", SubscriptionPeriodEnd: &periodEnd,
	})
	e.store.PutWallet(models.Wallet{UserID: userID, ManaBalance: manaBalance, BoosterBalance: 1000, LastCoreGrantAt: &grant})
	e.ledger.AddSubscription(ledger.Subscription{ID: "sub_1", CustomerID: "cus_1", PriceID: "price_monthly", Status: ledger.StatusActive, PeriodEnd: &periodEnd})
	e.ledger.AddInvoice(ledger.Invoice{ID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1"})
	e.ledger.AddCharge(ledger.Charge{ID: "ch_1", CustomerID: "cus_1", InvoiceID: "in_1", AmountCents: 2500, Created: e.now.Add(-time.Hour)})
}

func TestParseID(t *testing.T) {
	id, err := parseID("123")
	require.NoError(t, err)
	assert.Equal(t, int64(123), id)

	for _, raw := range []string{"", "abc", "-4", "0"} {
		_, err := parseID(raw)
		assert.Error(t, err, raw)
	}
}

func TestJSONName(t *testing.T) {
	assert.Equal(t, "success_url", jsonName("SuccessURL"))
	assert.Equal(t, "charge_id", jsonName("ChargeID"))
	assert.Equal(t, "plan", jsonName("Plan"))
}

func TestRejectionStatus(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, rejectionStatus(services.RateLimited(time.Minute)))
	assert.Equal(t, http.StatusNotFound, rejectionStatus(services.ErrChargeNotFound))
	assert.Equal(t, http.StatusConflict, rejectionStatus(services.ErrAlreadyAnnual))
	assert.Equal(t, http.StatusForbidden, rejectionStatus(services.ErrNotGiftSender))
	assert.Equal(t, http.StatusUnprocessableEntity, rejectionStatus(services.ErrRefundWindowExpired))
	assert.Equal(t, http.StatusBadGateway, rejectionStatus(services.ErrTryAgainLater))
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/billing/subscription", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing authorization header", body["error"])

	rec, _ = env.do(t, http.MethodGet, "/api/billing/subscription", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/api/admin/refund-requests", token(t, 1, "user"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := env.do(t, http.MethodGet, "/api/admin/refund-requests?status=pending", token(t, 9, roleAdmin), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
}

func TestGetSubscriptionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscriber(1, 150000)

	rec, body := env.do(t, http.MethodGet, "/api/billing/subscription", token(t, 1, "user"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	sub := body["subscription"].(map[string]any)
	assert.Equal(t, true, sub["is_active"])
	assert.Equal(t, "Pro Monthly", sub["plan_label"])
}

func TestRefundEndpointReturnsAmounts(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscriber(1, 150000)

	rec, body := env.do(t, http.MethodPost, "/api/billing/refund", token(t, 1, "user"), map[string]string{"charge_id": "ch_1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2250), body["refund_cents"])
	assert.Equal(t, float64(250), body["usage_cost_cents"])

	rec, body = env.do(t, http.MethodPost, "/api/billing/refund", token(t, 1, "user"), map[string]string{"charge_id": "ch_1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_refunded", body["code"])
	assert.Nil(t, body["success"])
}

func TestRefundEndpointRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscriber(1, 150000)
	tok := token(t, 1, "user")

	for i := 0; i < 3; i++ {
		rec, _ := env.do(t, http.MethodPost, "/api/billing/refund", tok, map[string]string{"charge_id": "ch_missing"})
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	rec, body := env.do(t, http.MethodPost, "/api/billing/refund", tok, map[string]string{"charge_id": "ch_1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", body["code"])
	assert.Greater(t, body["retry_after_seconds"].(float64), float64(0))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Zero(t, env.ledger.CallCount("CreateRefund"))

	// other users keep their own budget
	env.seedSubscriber(2, 150000)
	rec, _ = env.do(t, http.MethodPost, "/api/billing/refund", token(t, 2, "user"), map[string]string{"charge_id": "ch_missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiterFailsOpenWhenRedisIsDown(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscriber(1, 150000)
	env.redis.Close()

	rec, _ := env.do(t, http.MethodPost, "/api/billing/refund", token(t, 1, "user"), map[string]string{"charge_id": "ch_1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckoutValidation(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutUser(models.UserBillingRecord{UserID: 1, Email: "user1@example.com", PlanID: "free"})
	tok := token(t, 1, "user")

	rec, body := env.do(t, http.MethodPost, "/api/billing/checkout", tok, map[string]string{"plan": "weekly", "success_url": "https://app/ok", "cancel_url": "https://app/no"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "plan must be one of")

	rec, body = env.do(t, http.MethodPost, "/api/billing/checkout", tok, map[string]string{"plan": "monthly", "success_url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "success_url must be a valid URL")

	rec, body = env.do(t, http.MethodPost, "/api/billing/checkout", tok, map[string]string{"plan": "monthly", "success_url": "https://app/ok", "cancel_url": "https://app/no"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["url"])
}

func TestUpgradeWithoutCustomerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutUser(models.UserBillingRecord{UserID: 1, Email: "user1@example.com", PlanID: "free"})

	rec, body := env.do(t, http.MethodPost, "/api/billing/upgrade/annual", token(t, 1, "user"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "no active subscription found", body["error"])
	assert.Zero(t, env.ledger.TotalCalls())
}

func TestGiftFlowEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutUser(models.UserBillingRecord{UserID: 1, Email: "alice@example.com", Username: "alice", PlanID: "free"})
	env.store.PutUser(models.UserBillingRecord{UserID: 2, Email: "bob@example.com", Username: "bob", PlanID: "free"})

	rec, body := env.do(t, http.MethodPost, "/api/gifts", token(t, 1, "user"), map[string]string{"recipient": "alice"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "self_gift", body["code"])

	rec, body = env.do(t, http.MethodPost, "/api/gifts", token(t, 1, "user"), map[string]string{"recipient": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	giftID := int64(body["gift"].(map[string]any)["id"].(float64))

	rec, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/gifts/%d", giftID), token(t, 2, "user"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/gifts/%d/accept", giftID), token(t, 2, "user"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", body["gift"].(map[string]any)["status"])

	rec, body = env.do(t, http.MethodGet, "/api/gifts", token(t, 1, "user"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["gifts"], 1)
}

func TestGiftSendDailyQuota(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutUser(models.UserBillingRecord{UserID: 1, Email: "alice@example.com", Username: "alice", PlanID: "free"})
	env.store.PutUser(models.UserBillingRecord{UserID: 2, Email: "bob@example.com", Username: "bob", PlanID: "free"})
	tok := token(t, 1, "user")

	for i := 0; i < 3; i++ {
		rec, _ := env.do(t, http.MethodPost, "/api/gifts", tok, map[string]string{"recipient": "bob"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, _ := env.do(t, http.MethodPost, "/api/gifts", tok, map[string]string{"recipient": "bob"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAdminResolveRefundRequest(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscriber(1, 0)

	rec, body := env.do(t, http.MethodPost, "/api/billing/refund/request", token(t, 1, "user"), map[string]string{"charge_id": "ch_1", "reason": "did not mean to renew"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reqID := int64(body["refund_request"].(map[string]any)["id"].(float64))

	admin := token(t, 99, roleAdmin)
	rec, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/admin/refund-requests/%d/approve", reqID), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", body["refund_request"].(map[string]any)["status"])

	rec, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/admin/refund-requests/%d/deny", reqID), admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "refund_request_processed", body["code"])
}

func TestRemoteFailureMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscriber(1, 0)
	env.ledger.Errors["CreatePortalSession"] = errors.New("stripe down")

	rec, body := env.do(t, http.MethodPost, "/api/billing/portal", token(t, 1, "user"), map[string]string{"return_url": "https://app/settings"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "billing_unavailable", body["code"])
}

func signedWebhook(t *testing.T, payload string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestStripeWebhookCreditsBooster(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscriber(1, 0)

	req := signedWebhook(t, `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","object":"checkout.session","client_reference_id":"1","customer":"cus_1","mode":"payment",
		"payment_status":"paid","metadata":{"mana_amount":"100000"}}}}`)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w, err := env.store.GetWallet(req.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(101000), w.BoosterBalance)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{"id":"evt_1"}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		err    error
	}{
		{"", "", errMissingAuth},
		{"Token abc", "", errBadScheme},
		{"Bearer", "", errBadScheme},
		{"bearer  abc.def ", "abc.def", nil},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, err := bearerToken(r)
		assert.Equal(t, tc.want, got, tc.header)
		assert.ErrorIs(t, err, tc.err, tc.header)
	}
}

func TestTokenWithoutUserIDIsRejected(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/billing/subscription", token(t, 0, "user"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, errBadToken.Error(), body["error"])
}
