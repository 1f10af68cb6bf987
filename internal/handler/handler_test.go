package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/mmeshcher/stellafill-shop/internal/middleware"
	"github.com/mmeshcher/stellafill-shop/internal/model"
	"github.com/mmeshcher/stellafill-shop/internal/payment"
	"github.com/mmeshcher/stellafill-shop/internal/repository"
	"github.com/mmeshcher/stellafill-shop/internal/service"
)

const (
	testAPIKey        = "cleanup-secret"
	testWebhookSecret = "whsec_test"
)

var tokyo = time.FixedZone("JST", 9*60*60)

type stubService struct {
	now time.Time

	intent    *service.PurchaseIntent
	createErr error
	createReq service.PurchaseRequest

	verified  *model.Purchase
	verifyErr error

	events   []payment.Event
	eventErr error

	entitled bool

	swept    int64
	sweepErr error

	access    *model.AccessEntry
	accessErr error

	whitelist []model.AccessEntry
}

func (s *stubService) CreatePurchase(ctx context.Context, req service.PurchaseRequest) (*service.PurchaseIntent, error) {
	s.createReq = req
	return s.intent, s.createErr
}

func (s *stubService) VerifyPayment(ctx context.Context, sessionID string) (*model.Purchase, error) {
	return s.verified, s.verifyErr
}

func (s *stubService) HandleEvent(ctx context.Context, ev payment.Event) error {
	s.events = append(s.events, ev)
	return s.eventErr
}

func (s *stubService) HasActiveEntitlement(ctx context.Context, playerName string) (bool, error) {
	return s.entitled, nil
}

func (s *stubService) SweepExpired(ctx context.Context) (int64, error) {
	return s.swept, s.sweepErr
}

func (s *stubService) Access(ctx context.Context, playerName string) (*model.AccessEntry, error) {
	return s.access, s.accessErr
}

func (s *stubService) ActiveWhitelist(ctx context.Context) ([]model.AccessEntry, error) {
	return s.whitelist, nil
}

func (s *stubService) Location() *time.Location { return tokyo }

func (s *stubService) Now() time.Time { return s.now }

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	return NewHandler(svc, logger, middleware.NewAPIKeyMiddleware(testAPIKey), testWebhookSecret)
}

var window = model.Window{
	Start: time.Date(2026, 10, 15, 12, 0, 0, 0, tokyo),
	End:   time.Date(2026, 10, 16, 3, 0, 0, 0, tokyo),
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestGetTickets(t *testing.T) {
	svc := &stubService{now: time.Date(2026, 10, 15, 13, 0, 0, 0, tokyo)}
	h := newTestHandler(t, svc)

	rec := httptest.NewRecorder()
	h.GetTickets(rec, httptest.NewRequest(http.MethodGet, "/api/shop/tickets", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp ticketsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Open {
		t.Fatalf("shop must be open at 13:00")
	}
	if len(resp.Tickets) != 2 || resp.Tickets[0].Price != 330 || resp.Tickets[1].Price != 1000 {
		t.Fatalf("unexpected catalogue: %+v", resp.Tickets)
	}
}

func TestCheckout_Success(t *testing.T) {
	svc := &stubService{
		intent: &service.PurchaseIntent{
			SessionID:   "cs_test_1",
			RedirectURL: "https://checkout.stripe.com/c/pay/cs_test_1",
			Tier:        model.TicketTierStandard,
			Amount:      330,
			Window:      window,
		},
	}
	h := newTestHandler(t, svc)

	body := `{"playerName":"Notch","email":"notch@example.jp","ticketType":"regular"}`
	rec := httptest.NewRecorder()
	h.Checkout(rec, httptest.NewRequest(http.MethodPost, "/api/shop/checkout", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decodeBody(t, rec)
	if resp["url"] != svc.intent.RedirectURL {
		t.Fatalf("url = %v", resp["url"])
	}
	if resp["startTime"] != "2026-10-15T12:00:00+09:00" || resp["endTime"] != "2026-10-16T03:00:00+09:00" {
		t.Fatalf("window = %v..%v", resp["startTime"], resp["endTime"])
	}
	if svc.createReq.TicketType != "regular" || svc.createReq.PlayerName != "Notch" {
		t.Fatalf("service got %+v", svc.createReq)
	}
}

func TestCheckout_TicketTypeCaseIsLeftToService(t *testing.T) {
	svc := &stubService{
		intent: &service.PurchaseIntent{
			SessionID: "cs_test_2",
			Tier:      model.TicketTierPremium,
			Amount:    1000,
			Window:    window,
		},
	}
	h := newTestHandler(t, svc)

	body := `{"playerName":"Notch","email":"notch@example.jp","ticketType":"Premium"}`
	rec := httptest.NewRecorder()
	h.Checkout(rec, httptest.NewRequest(http.MethodPost, "/api/shop/checkout", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.createReq.TicketType != "Premium" {
		t.Fatalf("service got ticket type %q", svc.createReq.TicketType)
	}
	if resp := decodeBody(t, rec); resp["ticketType"] != "premium" {
		t.Fatalf("ticketType = %v, want premium", resp["ticketType"])
	}
}

func TestCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		createErr  error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "malformed json",
			body:       `{"playerName":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid player name",
			body:       `{"playerName":"x","email":"a@b.jp","ticketType":"standard"}`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "有効なMinecraftプレイヤー名を入力してください",
		},
		{
			name:       "unknown ticket type",
			body:       `{"playerName":"Notch","email":"a@b.jp","ticketType":"diamond"}`,
			createErr:  &service.ValidationError{Field: "ticketType", Message: "無効なチケットタイプです"},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "無効なチケットタイプです",
		},
		{
			name:       "service validation",
			body:       `{"playerName":"Notch","email":"nope","ticketType":"standard"}`,
			createErr:  &service.ValidationError{Field: "email", Message: "有効なメールアドレスを入力してください"},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "有効なメールアドレスを入力してください",
		},
		{
			name:       "duplicate entitlement",
			body:       `{"playerName":"Notch","email":"a@b.jp","ticketType":"standard"}`,
			createErr:  service.ErrDuplicateEntitlement,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "このプレイヤーは既に本日分のチケットを購入しています",
		},
		{
			name:       "payment provider down",
			body:       `{"playerName":"Notch","email":"a@b.jp","ticketType":"standard"}`,
			createErr:  &service.UpstreamPaymentError{Op: "create checkout session", Err: errors.New("503")},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "store failure",
			body:       `{"playerName":"Notch","email":"a@b.jp","ticketType":"standard"}`,
			createErr:  errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{createErr: tt.createErr})

			rec := httptest.NewRecorder()
			h.Checkout(rec, httptest.NewRequest(http.MethodPost, "/api/shop/checkout", strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			resp := decodeBody(t, rec)
			if resp["success"] != false {
				t.Fatalf("success = %v, want false", resp["success"])
			}
			if tt.wantMsg != "" && resp["message"] != tt.wantMsg {
				t.Fatalf("message = %v, want %q", resp["message"], tt.wantMsg)
			}
		})
	}
}

func TestVerifyPayment(t *testing.T) {
	completed := &model.Purchase{
		PlayerName: "Notch",
		Tier:       model.TicketTierPremium,
		State:      model.PurchaseStateCompleted,
		Window:     window,
	}

	tests := []struct {
		name       string
		query      string
		verified   *model.Purchase
		verifyErr  error
		wantStatus int
	}{
		{name: "missing session id", query: "", wantStatus: http.StatusBadRequest},
		{name: "completed", query: "?session_id=cs_1", verified: completed, wantStatus: http.StatusOK},
		{name: "unpaid", query: "?session_id=cs_1", verifyErr: service.ErrPaymentNotCompleted, wantStatus: http.StatusBadRequest},
		{name: "unknown session", query: "?session_id=cs_x", verifyErr: service.ErrUnknownSession, wantStatus: http.StatusNotFound},
		{
			name:       "provider error",
			query:      "?session_id=cs_1",
			verifyErr:  &service.UpstreamPaymentError{Op: "get session status", Err: errors.New("timeout")},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "refunded purchase",
			query:      "?session_id=cs_1",
			verified:   &model.Purchase{State: model.PurchaseStateRefunded, Window: window},
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{verified: tt.verified, verifyErr: tt.verifyErr})

			rec := httptest.NewRecorder()
			h.VerifyPayment(rec, httptest.NewRequest(http.MethodGet, "/api/shop/verify"+tt.query, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func signatureHeader(payload []byte, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	}).Header
}

func signedRequest(t *testing.T, payload []byte, at time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/shop/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signatureHeader(payload, testWebhookSecret, at))
	return req
}

func TestWebhook(t *testing.T) {
	now := time.Now()
	completed := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_intent":"pi_1"}}}`)

	t.Run("valid event is applied", func(t *testing.T) {
		svc := &stubService{now: now}
		h := newTestHandler(t, svc)

		rec := httptest.NewRecorder()
		h.Webhook(rec, signedRequest(t, completed, now))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if len(svc.events) != 1 {
			t.Fatalf("events = %d, want 1", len(svc.events))
		}
		ev, ok := svc.events[0].(payment.CompletedEvent)
		if !ok || ev.SessionID != "cs_1" || ev.PaymentID != "pi_1" {
			t.Fatalf("unexpected event %#v", svc.events[0])
		}
		if decodeBody(t, rec)["received"] != true {
			t.Fatalf("response must acknowledge the event")
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		svc := &stubService{now: now}
		h := newTestHandler(t, svc)

		req := httptest.NewRequest(http.MethodPost, "/api/shop/webhook", bytes.NewReader(completed))
		req.Header.Set("Stripe-Signature", signatureHeader(completed, "whsec_other", now))

		rec := httptest.NewRecorder()
		h.Webhook(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
		if len(svc.events) != 0 {
			t.Fatalf("event must not reach the service")
		}
	})

	t.Run("stale signature", func(t *testing.T) {
		svc := &stubService{now: now}
		h := newTestHandler(t, svc)

		rec := httptest.NewRecorder()
		h.Webhook(rec, signedRequest(t, completed, now.Add(-time.Hour)))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("unsupported event is acknowledged", func(t *testing.T) {
		svc := &stubService{now: now}
		h := newTestHandler(t, svc)

		payload := []byte(`{"id":"evt_2","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
		rec := httptest.NewRecorder()
		h.Webhook(rec, signedRequest(t, payload, now))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if len(svc.events) != 0 {
			t.Fatalf("unsupported event must not reach the service")
		}
	})

	t.Run("partial refund is acknowledged", func(t *testing.T) {
		svc := &stubService{now: now}
		h := newTestHandler(t, svc)

		payload := []byte(`{"id":"evt_3","type":"charge.refunded","data":{"object":{"id":"ch_1","payment_intent":"pi_1","amount":1000,"amount_refunded":100,"refunded":false}}}`)
		rec := httptest.NewRecorder()
		h.Webhook(rec, signedRequest(t, payload, now))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if len(svc.events) != 0 {
			t.Fatalf("partial refund must not reach the service")
		}
	})

	t.Run("oversized body", func(t *testing.T) {
		svc := &stubService{now: now}
		h := newTestHandler(t, svc)

		payload := bytes.Repeat([]byte("x"), maxWebhookBody+1)
		rec := httptest.NewRecorder()
		h.Webhook(rec, signedRequest(t, payload, now))

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
		}
		if len(svc.events) != 0 {
			t.Fatalf("event must not reach the service")
		}
	})

	t.Run("store failure asks for redelivery", func(t *testing.T) {
		svc := &stubService{now: now, eventErr: errors.New("database is locked")}
		h := newTestHandler(t, svc)

		rec := httptest.NewRecorder()
		h.Webhook(rec, signedRequest(t, completed, now))

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
		}
	})
}

func TestCleanup_Router(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		key        string
		sweepErr   error
		wantStatus int
	}{
		{name: "no key", method: http.MethodGet, wantStatus: http.StatusUnauthorized},
		{name: "wrong key", method: http.MethodGet, key: "nope", wantStatus: http.StatusUnauthorized},
		{name: "get", method: http.MethodGet, key: testAPIKey, wantStatus: http.StatusOK},
		{name: "post", method: http.MethodPost, key: testAPIKey, wantStatus: http.StatusOK},
		{name: "store failure", method: http.MethodPost, key: testAPIKey, sweepErr: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{swept: 3, sweepErr: tt.sweepErr})
			router := h.SetupRouter()

			req := httptest.NewRequest(tt.method, "/api/shop/cleanup", nil)
			if tt.key != "" {
				req.Header.Set(middleware.APIKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				resp := decodeBody(t, rec)
				if resp["deactivated"] != float64(3) {
					t.Fatalf("deactivated = %v, want 3", resp["deactivated"])
				}
			}
		})
	}
}

func TestWhitelist_Router(t *testing.T) {
	svc := &stubService{
		whitelist: []model.AccessEntry{{PlayerName: "Notch", Tier: model.TicketTierStandard, Window: window, Active: true}},
		access:    &model.AccessEntry{PlayerName: "Notch", Tier: model.TicketTierStandard, Window: window, Active: true},
		entitled:  true,
	}
	router := newTestHandler(t, svc).SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/shop/whitelist", nil)
	req.Header.Set(middleware.APIKeyHeader, testAPIKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var list []accessResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].PlayerName != "Notch" {
		t.Fatalf("unexpected whitelist %+v", list)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/shop/whitelist/Notch", nil)
	req.Header.Set(middleware.APIKeyHeader, testAPIKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if resp := decodeBody(t, rec); resp["entitled"] != true || resp["playerName"] != "Notch" {
		t.Fatalf("unexpected player access %v", resp)
	}

	svc.access, svc.accessErr = nil, repository.ErrAccessNotFound
	req = httptest.NewRequest(http.MethodGet, "/api/shop/whitelist/jeb_", nil)
	req.Header.Set(middleware.APIKeyHeader, testAPIKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}
