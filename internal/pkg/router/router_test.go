package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/ciliosclick/ciliosclick/app/controllers"
	"github.com/ciliosclick/ciliosclick/app/models"
	"github.com/ciliosclick/ciliosclick/internal/pkg/audit"
	"github.com/ciliosclick/ciliosclick/internal/pkg/database/dbtest"
	"github.com/ciliosclick/ciliosclick/internal/pkg/hotmart"
	"github.com/ciliosclick/ciliosclick/internal/pkg/jobqueue"
	"github.com/ciliosclick/ciliosclick/internal/pkg/provisioning"
)

const (
	testSecret     = "hotmart-test-secret"
	testAdminToken = "admin-token"
)

type fakeNotifier struct {
	payloads []jobqueue.WelcomeEmailJobPayload
	// stall makes the enqueue hang until its context gives up, like a
	// queue whose backend stopped answering.
	stall    bool
	deadline time.Duration
}

func (f *fakeNotifier) EnqueueWelcomeEmail(ctx context.Context, p jobqueue.WelcomeEmailJobPayload) error {
	if f.stall {
		if dl, ok := ctx.Deadline(); ok {
			f.deadline = time.Until(dl)
		}
		<-ctx.Done()
		return ctx.Err()
	}
	f.payloads = append(f.payloads, p)
	return nil
}

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := dbtest.Open(t)

	cfg := provisioning.DefaultConfig()
	cfg.PasswordCost = bcrypt.MinCost
	cfg.Backoff = time.Millisecond
	allocator := provisioning.NewServiceFromDB(db, cfg)
	recorder := audit.NewRecorderFromDB(db)
	notifier := &fakeNotifier{}

	webhooks := controllers.NewWebhookController(
		hotmart.NewVerifier(hotmart.Config{Secret: testSecret}),
		hotmart.NewRouter(allocator),
		recorder,
		notifier,
	)

	app := fiber.New()
	InstallRouter(app, Dependencies{
		Webhooks:     webhooks,
		Admin:        controllers.NewAdminPoolController(allocator, recorder, webhooks),
		Health:       controllers.NewHealthController(db, nil),
		AdminToken:   testAdminToken,
		MetricsUsers: map[string]string{"metrics": "pw"},
	})
	return &testEnv{app: app, db: db, notifier: notifier}
}

func (e *testEnv) seed(t *testing.T, usernames ...string) {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range usernames {
		require.NoError(t, e.db.Create(&models.PoolAccount{
			Username:  name,
			Email:     name + "@pool.ciliosclick.com",
			Status:    models.PoolAccountStatusAvailable,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := map[string]interface{}{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	}
	return resp.StatusCode, body
}

func (e *testEnv) deliver(t *testing.T, payload string, signature string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(hotmart.DefaultSignatureHeader, signature)
	}
	return e.do(t, req)
}

func (e *testEnv) deliverSigned(t *testing.T, payload string) (int, map[string]interface{}) {
	t.Helper()
	return e.deliver(t, payload, hotmart.Sign([]byte(payload), testSecret))
}

func (e *testEnv) admin(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", testAdminToken)
	return e.do(t, req)
}

func purchase(event, txn, email string) string {
	return fmt.Sprintf(`{"id":"evt-%s-%s","event":%q,"version":"2.0.0","data":{"buyer":{"email":%q,"name":"Ana Souza"},"purchase":{"transaction":%q,"status":"APPROVED"},"product":{"id":1,"name":"CíliosClick"}}}`,
		event, txn, event, email, txn)
}

func accountStatus(t *testing.T, db *gorm.DB, username string) string {
	t.Helper()
	var acct models.PoolAccount
	require.NoError(t, db.Where("username = ?", username).Take(&acct).Error)
	return acct.Status
}

func TestWebhook_ApprovedPurchaseAllocatesFirstAccount(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "user0001", "user0002")

	status, body := e.deliverSigned(t, purchase("PURCHASE_APPROVED", "HP-1", "Ana@Example.com"))
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "allocated", body["outcome"])
	account := body["account"].(map[string]interface{})
	assert.Equal(t, "user0001", account["username"])

	assert.Equal(t, models.PoolAccountStatusOccupied, accountStatus(t, e.db, "user0001"))
	assert.Equal(t, models.PoolAccountStatusAvailable, accountStatus(t, e.db, "user0002"))

	var rec models.AccountAllocation
	require.NoError(t, e.db.Where("transaction_id = ?", "HP-1").Take(&rec).Error)
	assert.Equal(t, "ana@example.com", rec.BuyerEmail)
	assert.Equal(t, "PURCHASE_APPROVED", rec.EventName)

	require.Len(t, e.notifier.payloads, 1)
	assert.Equal(t, "ana@example.com", e.notifier.payloads[0].BuyerEmail)
	assert.Equal(t, "user0001", e.notifier.payloads[0].Username)

	var events []models.WebhookEvent
	require.NoError(t, e.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.True(t, events[0].SignatureValid)
	assert.True(t, events[0].IsProcessed())
	assert.Empty(t, events[0].ProcessingError)
	assert.Equal(t, "PURCHASE_APPROVED", events[0].EventType)

	// Redelivery of the same purchase keeps the same account and sends no
	// second e-mail.
	status, body = e.deliverSigned(t, purchase("PURCHASE_APPROVED", "HP-1", "ana@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "duplicate", body["outcome"])
	assert.Equal(t, "user0001", body["account"].(map[string]interface{})["username"])
	assert.Len(t, e.notifier.payloads, 1)
	assert.Equal(t, models.PoolAccountStatusAvailable, accountStatus(t, e.db, "user0002"))
}

func TestWebhook_AliasRoute(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "user0001")

	payload := purchase("PURCHASE_COMPLETE", "HP-9", "a@example.com")
	req := httptest.NewRequest(http.MethodPost, "/webhook/hotmart", bytes.NewBufferString(payload))
	req.Header.Set(hotmart.DefaultSignatureHeader, hotmart.Sign([]byte(payload), testSecret))
	status, body := e.do(t, req)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "allocated", body["outcome"])
}

func TestWebhook_InvalidSignatureIsAuditedAndRejected(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "user0001")
	payload := purchase("PURCHASE_APPROVED", "HP-1", "a@example.com")

	status, body := e.deliver(t, payload, hotmart.Sign([]byte(payload), "wrong-secret"))
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])

	status, _ = e.deliver(t, payload, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)

	assert.Equal(t, models.PoolAccountStatusAvailable, accountStatus(t, e.db, "user0001"))
	var n int64
	require.NoError(t, e.db.Model(&models.AccountAllocation{}).Count(&n).Error)
	assert.Zero(t, n)

	var events []models.WebhookEvent
	require.NoError(t, e.db.Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	assert.False(t, events[0].SignatureValid)
	assert.Equal(t, []byte(payload), events[0].PayloadRaw)
	assert.Equal(t, "invalid webhook signature", events[0].ProcessingError)
	assert.True(t, events[0].IsProcessed())
}

func TestWebhook_MalformedPayload(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.deliverSigned(t, `{"event":`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])

	status, body = e.deliverSigned(t, `{"event":"PURCHASE_APPROVED","data":{"buyer":{"email":"a@example.com"}}}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])
}

func TestWebhook_BinaryBodyIsStoredExactly(t *testing.T) {
	e := newTestEnv(t)
	payload := "\xff\xfe\x00{}"

	status, body := e.deliverSigned(t, payload)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])

	status, body = e.deliver(t, payload, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])

	var events []models.WebhookEvent
	require.NoError(t, e.db.Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, []byte(payload), ev.PayloadRaw)
		assert.True(t, ev.IsProcessed())
		assert.True(t, utf8.ValidString(ev.ProcessingError))
	}
	assert.True(t, events[0].SignatureValid)
	assert.False(t, events[1].SignatureValid)
}

func TestWebhook_StalledWelcomeQueueDoesNotBlockResponse(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "user0001")
	e.notifier.stall = true

	start := time.Now()
	status, body := e.deliverSigned(t, purchase("PURCHASE_APPROVED", "HP-1", "a@example.com"))
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "allocated", body["outcome"])
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Greater(t, e.notifier.deadline, time.Duration(0))
	assert.LessOrEqual(t, e.notifier.deadline, 500*time.Millisecond)

	var ev models.WebhookEvent
	require.NoError(t, e.db.Take(&ev).Error)
	assert.True(t, ev.IsProcessed())
	assert.Empty(t, ev.ProcessingError)
	assert.Equal(t, models.PoolAccountStatusOccupied, accountStatus(t, e.db, "user0001"))
}

func TestWebhook_IgnoredEvent(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "user0001")

	status, body := e.deliverSigned(t, purchase("PURCHASE_BILLET_PRINTED", "HP-1", "a@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ignored", body["outcome"])
	assert.Equal(t, models.PoolAccountStatusAvailable, accountStatus(t, e.db, "user0001"))
}

func TestWebhook_RefundReleasesAccount(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "user0001")

	status, _ := e.deliverSigned(t, purchase("PURCHASE_APPROVED", "HP-1", "a@example.com"))
	require.Equal(t, fiber.StatusOK, status)

	status, body := e.deliverSigned(t, purchase("PURCHASE_REFUNDED", "HP-1", "a@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "released", body["outcome"])
	assert.Equal(t, models.PoolAccountStatusAvailable, accountStatus(t, e.db, "user0001"))

	status, body = e.deliverSigned(t, purchase("PURCHASE_CHARGEBACK", "HP-1", "a@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "already_released", body["outcome"])

	status, body = e.deliverSigned(t, purchase("PURCHASE_CANCELED", "HP-404", "a@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "not_found", body["outcome"])
}

func TestWebhook_PoolExhaustedThenReplay(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.deliverSigned(t, purchase("PURCHASE_APPROVED", "HP-1", "a@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "pool_exhausted", body["outcome"])
	assert.NotEmpty(t, body["warning"])
	assert.Empty(t, e.notifier.payloads)

	var event models.WebhookEvent
	require.NoError(t, e.db.Take(&event).Error)
	assert.NotEmpty(t, event.ProcessingError)

	status, body = e.admin(t, http.MethodPost, "/api/v1/admin/pool/seed", map[string]interface{}{"count": 1})
	require.Equal(t, fiber.StatusCreated, status, body)

	status, body = e.admin(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/webhook-events/%d/replay", event.ID), nil)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "allocated", body["outcome"])
	assert.Len(t, e.notifier.payloads, 1)

	require.NoError(t, e.db.First(&event, event.ID).Error)
	assert.Empty(t, event.ProcessingError)
}

func TestAdmin_ReplayRefusesInvalidSignature(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "user0001")

	status, _ := e.deliver(t, purchase("PURCHASE_APPROVED", "HP-1", "a@example.com"), "sha256=00")
	require.Equal(t, fiber.StatusUnauthorized, status)

	var event models.WebhookEvent
	require.NoError(t, e.db.Take(&event).Error)

	status, body := e.admin(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/webhook-events/%d/replay", event.ID), nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "signature_invalid", body["error"])
	assert.Equal(t, models.PoolAccountStatusAvailable, accountStatus(t, e.db, "user0001"))

	status, _ = e.admin(t, http.MethodPost, "/api/v1/admin/webhook-events/999/replay", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestAdmin_PoolLifecycle(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.admin(t, http.MethodPost, "/api/v1/admin/pool/seed", map[string]interface{}{"count": 2})
	require.Equal(t, fiber.StatusCreated, status, body)
	accounts := body["accounts"].([]interface{})
	require.Len(t, accounts, 2)
	first := accounts[0].(map[string]interface{})
	assert.Equal(t, "user0001", first["username"])
	assert.NotEmpty(t, first["password"])
	uuid := first["id"].(string)

	status, body = e.admin(t, http.MethodPost, "/api/v1/admin/pool/seed", map[string]interface{}{"count": 0})
	assert.Equal(t, fiber.StatusBadRequest, status, body)

	status, body = e.admin(t, http.MethodPost, "/api/v1/admin/pool/accounts/"+uuid+"/suspend", map[string]string{"reason": "credential sharing"})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "suspended", body["status"])

	status, _ = e.admin(t, http.MethodPost, "/api/v1/admin/pool/accounts/"+uuid+"/suspend", map[string]string{"reason": "again"})
	assert.Equal(t, fiber.StatusConflict, status)

	status, _ = e.admin(t, http.MethodPost, "/api/v1/admin/pool/accounts/"+uuid+"/suspend", map[string]string{})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = e.admin(t, http.MethodGet, "/api/v1/admin/pool/stats", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["available"])
	assert.EqualValues(t, 1, body["suspended"])
	assert.EqualValues(t, 2, body["total"])

	status, body = e.admin(t, http.MethodPost, "/api/v1/admin/pool/accounts/"+uuid+"/restore", nil)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "available", body["status"])

	status, _ = e.admin(t, http.MethodPost, "/api/v1/admin/pool/accounts/00000000-0000-0000-0000-000000000000/restore", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestAdmin_AllocationsAndEvents(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "user0001")

	status, _ := e.deliverSigned(t, purchase("PURCHASE_APPROVED", "HP-1", "a@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	status, _ = e.deliver(t, purchase("PURCHASE_APPROVED", "HP-2", "b@example.com"), "sha256=00")
	require.Equal(t, fiber.StatusUnauthorized, status)

	status, body := e.admin(t, http.MethodGet, "/api/v1/admin/allocations/HP-1", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "user0001", body["username"])
	assert.Equal(t, "a@example.com", body["buyer_email"])

	status, _ = e.admin(t, http.MethodGet, "/api/v1/admin/allocations/HP-404", nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = e.admin(t, http.MethodGet, "/api/v1/admin/webhook-events?source=hotmart", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 2, body["total"])

	status, body = e.admin(t, http.MethodGet, "/api/v1/admin/webhook-events?signature_valid=false", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])

	status, _ = e.admin(t, http.MethodGet, "/api/v1/admin/webhook-events?signature_valid=maybe", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestAdmin_RequiresToken(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/pool/stats", nil)
	status, _ := e.do(t, req)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/pool/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	status, _ = e.do(t, req)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestSystemRoutes(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["database"])

	status, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, fiber.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("metrics", "pw")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestWebhook_SingleAccountLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "user0001")

	status, body := e.deliverSigned(t, purchase("PURCHASE_APPROVED", "T1", "buyer@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "allocated", body["outcome"])
	assert.Equal(t, models.PoolAccountStatusOccupied, accountStatus(t, e.db, "user0001"))

	status, body = e.deliverSigned(t, purchase("PURCHASE_APPROVED", "T1", "buyer@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "duplicate", body["outcome"])
	assert.Equal(t, "user0001", body["account"].(map[string]interface{})["username"])

	var allocations int64
	require.NoError(t, e.db.Model(&models.AccountAllocation{}).Count(&allocations).Error)
	assert.EqualValues(t, 1, allocations)

	status, body = e.deliverSigned(t, purchase("PURCHASE_CANCELED", "T1", "buyer@example.com"))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "released", body["outcome"])
	assert.Equal(t, models.PoolAccountStatusAvailable, accountStatus(t, e.db, "user0001"))

	forged := purchase("PURCHASE_APPROVED", "T2", "mallory@example.com")
	status, _ = e.deliver(t, forged, hotmart.Sign([]byte(forged), "not-the-secret"))
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, models.PoolAccountStatusAvailable, accountStatus(t, e.db, "user0001"))

	var events int64
	require.NoError(t, e.db.Model(&models.WebhookEvent{}).Count(&events).Error)
	assert.EqualValues(t, 4, events)
}
