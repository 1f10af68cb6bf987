// Package handler содержит HTTP-обработчики API магазина билетов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/stellafill-shop/internal/middleware"
	"github.com/mmeshcher/stellafill-shop/internal/model"
	"github.com/mmeshcher/stellafill-shop/internal/payment"
	"github.com/mmeshcher/stellafill-shop/internal/repository"
	"github.com/mmeshcher/stellafill-shop/internal/service"
	"github.com/mmeshcher/stellafill-shop/internal/ticket"
	"github.com/mmeshcher/stellafill-shop/internal/validation"
)

// maxWebhookBody ограничивает размер тела события платёжной системы.
const maxWebhookBody = 64 << 10

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreatePurchase(ctx context.Context, req service.PurchaseRequest) (*service.PurchaseIntent, error)
	VerifyPayment(ctx context.Context, sessionID string) (*model.Purchase, error)
	HandleEvent(ctx context.Context, ev payment.Event) error
	HasActiveEntitlement(ctx context.Context, playerName string) (bool, error)
	SweepExpired(ctx context.Context) (int64, error)
	Access(ctx context.Context, playerName string) (*model.AccessEntry, error)
	ActiveWhitelist(ctx context.Context) ([]model.AccessEntry, error)
	Location() *time.Location
	Now() time.Time
}

// Handler реализует HTTP-обработчики API магазина билетов.
type Handler struct {
	service       Service
	logger        *zap.Logger
	apiKey        *middleware.APIKeyMiddleware
	validate      *validator.Validate
	webhookSecret string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, apiKey *middleware.APIKeyMiddleware, webhookSecret string) *Handler {
	return &Handler{
		service:       s,
		logger:        logger,
		apiKey:        apiKey,
		validate:      validation.New(),
		webhookSecret: webhookSecret,
	}
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Success: false, Message: msg})
}

type ticketResponse struct {
	Type        string `json:"type"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

type ticketsResponse struct {
	Open     bool             `json:"open"`
	Timezone string           `json:"timezone"`
	Tickets  []ticketResponse `json:"tickets"`
}

// GetTickets возвращает каталог билетов и признак того, открыт ли сейчас сервер.
func (h *Handler) GetTickets(w http.ResponseWriter, r *http.Request) {
	loc := h.service.Location()

	resp := ticketsResponse{
		Open:     ticket.IsOpen(h.service.Now(), loc),
		Timezone: loc.String(),
	}
	for _, p := range ticket.Catalog() {
		resp.Tickets = append(resp.Tickets, ticketResponse{
			Type:        string(p.Tier),
			Price:       p.Price,
			Currency:    "JPY",
			Description: p.Description,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type checkoutRequest struct {
	PlayerName string `json:"playerName" validate:"required,playername"`
	Email      string `json:"email" validate:"required"`
	TicketType string `json:"ticketType" validate:"required"`
}

type checkoutResponse struct {
	Success    bool   `json:"success"`
	URL        string `json:"url"`
	SessionID  string `json:"sessionId"`
	TicketType string `json:"ticketType"`
	Amount     int64  `json:"amount"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
}

var checkoutFieldMessages = map[string]string{
	"PlayerName": "有効なMinecraftプレイヤー名を入力してください",
	"Email":      "有効なメールアドレスを入力してください",
	"TicketType": "無効なチケットタイプです",
}

// validateCheckout возвращает сообщение для пользователя о первом некорректном поле запроса.
func (h *Handler) validateCheckout(ctx context.Context, req *checkoutRequest) (string, bool) {
	err := h.validate.StructCtx(ctx, req)
	if err == nil {
		return "", true
	}

	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		if msg, ok := checkoutFieldMessages[fields[0].StructField()]; ok {
			return msg, false
		}
	}
	return "入力内容に問題があります", false
}

// Checkout оформляет покупку билета и возвращает адрес страницы оплаты.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "入力内容に問題があります")
		return
	}

	if msg, ok := h.validateCheckout(r.Context(), &req); !ok {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}

	intent, err := h.service.CreatePurchase(r.Context(), service.PurchaseRequest{
		PlayerName: req.PlayerName,
		Email:      req.Email,
		TicketType: req.TicketType,
	})
	if err != nil {
		var verr *service.ValidationError
		var uerr *service.UpstreamPaymentError
		switch {
		case errors.As(err, &verr):
			writeMessage(w, http.StatusBadRequest, verr.Message)
		case errors.Is(err, service.ErrDuplicateEntitlement):
			writeMessage(w, http.StatusBadRequest, "このプレイヤーは既に本日分のチケットを購入しています")
		case errors.As(err, &uerr):
			h.logger.Warn("payment provider unavailable", zap.Error(err))
			writeMessage(w, http.StatusBadGateway, "決済サービスに接続できませんでした。後でもう一度お試しください。")
		default:
			h.logger.Error("create checkout error", zap.Error(err), zap.String("player", req.PlayerName))
			writeMessage(w, http.StatusInternalServerError, "サーバーエラーが発生しました。後でもう一度お試しください。")
		}
		return
	}

	loc := h.service.Location()
	writeJSON(w, http.StatusOK, checkoutResponse{
		Success:    true,
		URL:        intent.RedirectURL,
		SessionID:  intent.SessionID,
		TicketType: string(intent.Tier),
		Amount:     intent.Amount,
		StartTime:  intent.Window.Start.In(loc).Format(time.RFC3339),
		EndTime:    intent.Window.End.In(loc).Format(time.RFC3339),
	})
}

type verifyResponse struct {
	Success    bool   `json:"success"`
	PlayerName string `json:"playerName"`
	TicketType string `json:"ticketType"`
	Status     string `json:"status"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
}

// VerifyPayment сверяет оплату после возврата пользователя со страницы оплаты.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeMessage(w, http.StatusBadRequest, "セッションIDが必要です")
		return
	}

	p, err := h.service.VerifyPayment(r.Context(), sessionID)
	if err != nil {
		var uerr *service.UpstreamPaymentError
		switch {
		case errors.Is(err, service.ErrPaymentNotCompleted):
			writeMessage(w, http.StatusBadRequest, "支払いが完了していません")
		case errors.Is(err, service.ErrUnknownSession):
			writeMessage(w, http.StatusNotFound, "取引情報が見つかりません")
		case errors.As(err, &uerr):
			h.logger.Warn("payment provider unavailable", zap.Error(err), zap.String("session", sessionID))
			writeMessage(w, http.StatusBadGateway, "支払いの検証中にエラーが発生しました")
		default:
			h.logger.Error("verify payment error", zap.Error(err), zap.String("session", sessionID))
			writeMessage(w, http.StatusInternalServerError, "支払いの検証中にエラーが発生しました")
		}
		return
	}

	if p.State != model.PurchaseStateCompleted {
		writeMessage(w, http.StatusConflict, "この取引は無効です")
		return
	}

	loc := h.service.Location()
	writeJSON(w, http.StatusOK, verifyResponse{
		Success:    true,
		PlayerName: p.PlayerName,
		TicketType: string(p.Tier),
		Status:     string(p.State),
		StartTime:  p.Window.Start.In(loc).Format(time.RFC3339),
		EndTime:    p.Window.End.In(loc).Format(time.RFC3339),
	})
}

// Webhook принимает события платёжной системы. Подпись проверяется до разбора тела.
// Событие подтверждается ответом 200, если оно применено, уже было применено, не
// относится к известной покупке, не поддерживается или является частичным возвратом.
// Слишком большое тело отклоняется с 413, на сбой хранилища отвечает 500,
// чтобы событие было доставлено повторно.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook body too large", zap.Int64("limit", tooLarge.Limit))
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = payment.VerifySignature(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret,
		payment.DefaultSignatureTolerance)
	if err != nil {
		h.logger.Warn("webhook signature rejected", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Webhook signature verification failed"})
		return
	}

	ev, err := payment.ParseEvent(payload)
	switch {
	case errors.Is(err, payment.ErrUnsupportedEvent):
		h.logger.Debug("unsupported webhook event", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	case errors.Is(err, payment.ErrPartialRefund):
		h.logger.Info("partial refund acknowledged, access kept", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	case err != nil:
		h.logger.Warn("malformed webhook event", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Malformed event"})
		return
	}

	if err := h.service.HandleEvent(r.Context(), ev); err != nil {
		h.logger.Error("webhook handler failed", zap.Error(err),
			zap.String("event", ev.EventID()), zap.String("type", ev.EventType()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Webhook handler failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type cleanupResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Deactivated int64  `json:"deactivated"`
}

// Cleanup деактивирует истёкшие записи белого списка. Маршрут защищён ключом X-API-Key.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.SweepExpired(r.Context())
	if err != nil {
		h.logger.Error("cleanup whitelist error", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "クリーンアップ中にエラーが発生しました")
		return
	}

	writeJSON(w, http.StatusOK, cleanupResponse{
		Success:     true,
		Message:     "期限切れのホワイトリストエントリーを削除しました",
		Deactivated: n,
	})
}

type accessResponse struct {
	PlayerName string `json:"playerName"`
	TicketType string `json:"ticketType"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
	Active     bool   `json:"active"`
}

func toAccessResponse(e model.AccessEntry, loc *time.Location) accessResponse {
	return accessResponse{
		PlayerName: e.PlayerName,
		TicketType: string(e.Tier),
		StartTime:  e.Window.Start.In(loc).Format(time.RFC3339),
		EndTime:    e.Window.End.In(loc).Format(time.RFC3339),
		Active:     e.Active,
	}
}

// GetWhitelist возвращает активные записи белого списка для игрового сервера.
func (h *Handler) GetWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ActiveWhitelist(r.Context())
	if err != nil {
		h.logger.Error("get whitelist error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	loc := h.service.Location()
	res := make([]accessResponse, 0, len(entries))
	for _, e := range entries {
		res = append(res, toAccessResponse(e, loc))
	}

	writeJSON(w, http.StatusOK, res)
}

type playerAccessResponse struct {
	accessResponse
	Entitled bool `json:"entitled"`
}

// GetPlayerAccess возвращает запись белого списка игрока и признак действующего билета.
func (h *Handler) GetPlayerAccess(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "player")
	if !validation.IsValidPlayerName(name) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, err := h.service.Access(r.Context(), name)
	if err != nil {
		if errors.Is(err, repository.ErrAccessNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.Error("get access error", zap.Error(err), zap.String("player", name))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	entitled, err := h.service.HasActiveEntitlement(r.Context(), name)
	if err != nil {
		h.logger.Error("check entitlement error", zap.Error(err), zap.String("player", name))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, playerAccessResponse{
		accessResponse: toAccessResponse(*entry, h.service.Location()),
		Entitled:       entitled,
	})
}
