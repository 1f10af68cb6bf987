package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/stellafill-shop/internal/model"
	"github.com/mmeshcher/stellafill-shop/internal/payment"
	"github.com/mmeshcher/stellafill-shop/internal/repository"
)

// VerifyPayment сверяет покупку с платёжной системой по запросу пользователя,
// вернувшегося со страницы оплаты. Оплаченная покупка переводится в completed тем же
// путём, что и событие вебхука, поэтому порядок прихода двух сигналов не важен.
// Платёжная система опрашивается только для известной покупки в статусе pending.
func (s *Service) VerifyPayment(ctx context.Context, sessionID string) (*model.Purchase, error) {
	p, err := s.repo.GetPurchaseBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			s.logger.Warn("verify for unknown session", zap.String("session", sessionID))
			return nil, ErrUnknownSession
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}

	if p.State != model.PurchaseStatePending {
		return p, nil
	}

	status, err := s.payments.GetSessionStatus(ctx, sessionID)
	if err != nil {
		return nil, &UpstreamPaymentError{Op: "get session status", Err: err}
	}

	if !status.Paid {
		return p, ErrPaymentNotCompleted
	}

	if err := s.reconcile(ctx, p, model.PurchaseStateCompleted, status.PaymentID, "verify"); err != nil {
		return nil, err
	}

	return s.PurchaseStatus(ctx, sessionID)
}

// HandleEvent применяет уже проверенное событие платёжной системы. Повторная доставка
// события ничего не меняет. Событие для неизвестной сессии записывается в лог и
// подтверждается. Ошибка возвращается только при сбое хранилища, чтобы платёжная
// система доставила событие повторно.
func (s *Service) HandleEvent(ctx context.Context, ev payment.Event) error {
	var (
		p         *model.Purchase
		err       error
		to        model.PurchaseState
		paymentID string
	)

	switch e := ev.(type) {
	case payment.CompletedEvent:
		p, err = s.repo.GetPurchaseBySession(ctx, e.SessionID)
		to, paymentID = model.PurchaseStateCompleted, e.PaymentID
	case payment.ExpiredEvent:
		p, err = s.repo.GetPurchaseBySession(ctx, e.SessionID)
		to = model.PurchaseStateFailed
	case payment.RefundedEvent:
		p, err = s.repo.GetPurchaseByPayment(ctx, e.PaymentID)
		to = model.PurchaseStateRefunded
	default:
		s.logger.Info("ignoring payment event",
			zap.String("event", ev.EventID()), zap.String("type", ev.EventType()))
		return nil
	}

	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			s.logger.Warn("payment event for unknown purchase",
				zap.String("event", ev.EventID()), zap.String("type", ev.EventType()))
			return nil
		}
		return fmt.Errorf("get purchase: %w", err)
	}

	return s.reconcile(ctx, p, to, paymentID, ev.EventType())
}

// reconcile применяет переход и считает недопустимый переход аномалией, а не ошибкой.
func (s *Service) reconcile(ctx context.Context, p *model.Purchase, to model.PurchaseState, paymentID, source string) error {
	err := s.transition(ctx, p, to, paymentID)

	var illegal *IllegalTransitionError
	if errors.As(err, &illegal) {
		s.logger.Warn("illegal purchase transition ignored",
			zap.String("session", illegal.SessionID),
			zap.String("from", string(illegal.From)),
			zap.String("to", string(illegal.To)),
			zap.String("source", source),
		)
		return nil
	}
	return err
}

// transition — единственная точка изменения статуса покупки. Переход в текущий статус
// ничего не делает. Если покупку одновременно перевёл другой обработчик, условное
// обновление в хранилище не применяется и результат считается успешным.
func (s *Service) transition(ctx context.Context, p *model.Purchase, to model.PurchaseState, paymentID string) error {
	if p.State == to {
		s.logger.Debug("purchase already in target state",
			zap.String("session", p.SessionID), zap.String("state", string(to)))
		return nil
	}

	if !model.CanTransition(p.State, to) {
		return &IllegalTransitionError{SessionID: p.SessionID, From: p.State, To: to}
	}

	applied, err := s.repo.TransitionPurchase(ctx, model.Transition{
		SessionID: p.SessionID,
		From:      p.State,
		To:        to,
		PaymentID: paymentID,
		At:        s.now(),
	})
	if err != nil {
		return fmt.Errorf("transition purchase: %w", err)
	}

	if !applied {
		s.logger.Info("purchase transition already applied elsewhere",
			zap.String("session", p.SessionID), zap.String("to", string(to)))
		return nil
	}

	s.logger.Info("purchase transitioned",
		zap.String("session", p.SessionID),
		zap.String("player", p.PlayerName),
		zap.String("from", string(p.State)),
		zap.String("to", string(to)),
	)
	return nil
}

// SweepExpired деактивирует записи белого списка с закончившимся окном и возвращает их число.
// Повторный вызов без новых истёкших записей возвращает 0.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.SweepExpiredAccess(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired access: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired whitelist entries deactivated", zap.Int64("count", n))
	}
	return n, nil
}

// StartExpirySweeps запускает фоновую деактивацию истёкших записей с интервалом interval.
// При interval <= 0 фоновая деактивация выключена.
func (s *Service) StartExpirySweeps(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
