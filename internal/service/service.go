// Package service реализует бизнес-логику магазина билетов: проверку действующих
// билетов, оформление покупки, сверку платежей и деактивацию истёкших записей белого списка.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/stellafill-shop/internal/model"
	"github.com/mmeshcher/stellafill-shop/internal/payment"
	"github.com/mmeshcher/stellafill-shop/internal/repository"
	"github.com/mmeshcher/stellafill-shop/internal/ticket"
	"github.com/mmeshcher/stellafill-shop/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreatePurchase(ctx context.Context, p *model.Purchase) error
	GetPurchaseBySession(ctx context.Context, sessionID string) (*model.Purchase, error)
	GetPurchaseByPayment(ctx context.Context, paymentID string) (*model.Purchase, error)
	HasActivePurchase(ctx context.Context, playerName string, now time.Time) (bool, error)
	TransitionPurchase(ctx context.Context, tr model.Transition) (bool, error)
	SweepExpiredAccess(ctx context.Context, now time.Time) (int64, error)
	GetAccess(ctx context.Context, playerName string) (*model.AccessEntry, error)
	ListActiveAccess(ctx context.Context) ([]model.AccessEntry, error)
}

// PaymentGateway описывает платёжную систему.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, p payment.CheckoutParams) (*payment.CheckoutSession, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*payment.SessionStatus, error)
}

// IdentityChecker проверяет существование игрока на внешней платформе.
type IdentityChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Options задаёт необязательные параметры сервиса.
type Options struct {
	// Location — часовой пояс игровых суток. По умолчанию Asia/Tokyo.
	Location *time.Location
	// Now — источник текущего времени, по умолчанию time.Now.
	Now func() time.Time
}

// Service содержит бизнес-логику магазина билетов.
type Service struct {
	repo     Repository
	payments PaymentGateway
	players  IdentityChecker
	logger   *zap.Logger
	loc      *time.Location
	now      func() time.Time
}

// NewService создаёт сервис. players может быть nil, тогда существование игрока не проверяется.
func NewService(repo Repository, payments PaymentGateway, players IdentityChecker, logger *zap.Logger, opts Options) (*Service, error) {
	loc := opts.Location
	if loc == nil {
		var err error
		if loc, err = ticket.LoadLocation(""); err != nil {
			return nil, err
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		payments: payments,
		players:  players,
		logger:   logger,
		loc:      loc,
		now:      now,
	}, nil
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Location возвращает часовой пояс игровых суток.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Now возвращает текущее время по часам сервиса.
func (s *Service) Now() time.Time {
	return s.now()
}

// PurchaseRequest описывает запрос на покупку билета.
type PurchaseRequest struct {
	PlayerName string
	Email      string
	TicketType string
}

// PurchaseIntent описывает созданную покупку, ожидающую оплаты.
type PurchaseIntent struct {
	SessionID   string
	RedirectURL string
	Tier        model.TicketTier
	Amount      int64
	Window      model.Window
}

// HasActiveEntitlement сообщает, есть ли у игрока оплаченный билет, действующий сейчас.
func (s *Service) HasActiveEntitlement(ctx context.Context, playerName string) (bool, error) {
	active, err := s.repo.HasActivePurchase(ctx, playerName, s.now())
	if err != nil {
		return false, fmt.Errorf("check entitlement: %w", err)
	}
	return active, nil
}

// CreatePurchase оформляет покупку: проверяет данные и отсутствие действующего билета,
// рассчитывает окно доступа, создаёт платёжную сессию и сохраняет покупку в статусе pending.
//
// Проверка действующего билета не связана транзакцией с созданием записи: две
// одновременные покупки могут пройти обе, тогда в белом списке остаётся последняя оплаченная.
func (s *Service) CreatePurchase(ctx context.Context, req PurchaseRequest) (*PurchaseIntent, error) {
	name := strings.TrimSpace(req.PlayerName)
	if !validation.IsValidPlayerName(name) {
		return nil, &ValidationError{Field: "playerName", Message: "有効なMinecraftプレイヤー名を入力してください"}
	}

	email := strings.TrimSpace(req.Email)
	if !validation.IsValidEmail(email) {
		return nil, &ValidationError{Field: "email", Message: "有効なメールアドレスを入力してください"}
	}

	tier, err := ticket.ParseTier(req.TicketType)
	if err != nil {
		return nil, &ValidationError{Field: "ticketType", Message: "無効なチケットタイプです"}
	}
	product, _ := ticket.Lookup(tier)

	if s.players != nil {
		exists, err := s.players.Exists(ctx, name)
		switch {
		case err != nil:
			// игровой сервер всё равно проверит игрока при входе
			s.logger.Warn("player lookup failed, assuming player exists",
				zap.String("player", name), zap.Error(err))
		case !exists:
			return nil, &ValidationError{Field: "playerName", Message: "このMinecraftプレイヤーは存在しません"}
		}
	}

	active, err := s.HasActiveEntitlement(ctx, name)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrDuplicateEntitlement
	}

	now := s.now()
	window := ticket.ComputeWindow(now, s.loc)
	if !window.Valid() {
		return nil, fmt.Errorf("empty ticket window for %s", now.Format(time.RFC3339))
	}

	sess, err := s.payments.CreateCheckoutSession(ctx, payment.CheckoutParams{
		PlayerName:  name,
		Email:       email,
		Tier:        tier,
		Amount:      product.Price,
		Description: product.Description,
		Window:      window,
	})
	if err != nil {
		return nil, &UpstreamPaymentError{Op: "create checkout session", Err: err}
	}

	p := &model.Purchase{
		ID:         uuid.NewString(),
		PlayerName: name,
		Email:      email,
		Tier:       tier,
		Amount:     product.Price,
		SessionID:  sess.ID,
		Window:     window,
		State:      model.PurchaseStatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.CreatePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("save purchase: %w", err)
	}

	s.logger.Info("purchase created",
		zap.String("player", name),
		zap.String("tier", string(tier)),
		zap.String("session", sess.ID),
		zap.Time("start", window.Start),
		zap.Time("end", window.End),
	)

	return &PurchaseIntent{
		SessionID:   sess.ID,
		RedirectURL: sess.URL,
		Tier:        tier,
		Amount:      product.Price,
		Window:      window,
	}, nil
}

// PurchaseStatus возвращает покупку по идентификатору платёжной сессии.
func (s *Service) PurchaseStatus(ctx context.Context, sessionID string) (*model.Purchase, error) {
	p, err := s.repo.GetPurchaseBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, ErrUnknownSession
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

// Access возвращает запись белого списка игрока.
func (s *Service) Access(ctx context.Context, playerName string) (*model.AccessEntry, error) {
	return s.repo.GetAccess(ctx, playerName)
}

// ActiveWhitelist возвращает активные записи белого списка.
func (s *Service) ActiveWhitelist(ctx context.Context) ([]model.AccessEntry, error) {
	return s.repo.ListActiveAccess(ctx)
}
