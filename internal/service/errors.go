package service

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/stellafill-shop/internal/model"
)

var (
	// ErrDuplicateEntitlement возвращается, если у игрока уже есть действующий билет.
	ErrDuplicateEntitlement = errors.New("player already has an active ticket")
	// ErrUnknownSession возвращается, если платёжная сессия не найдена среди покупок.
	ErrUnknownSession = errors.New("unknown payment session")
	// ErrPaymentNotCompleted возвращается, если платёжная система ещё не подтвердила оплату.
	ErrPaymentNotCompleted = errors.New("payment not completed")
)

// ValidationError описывает некорректные данные запроса на покупку.
// Message предназначено для показа пользователю.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// UpstreamPaymentError описывает сбой обращения к платёжной системе. Запрос можно повторить.
type UpstreamPaymentError struct {
	Op  string
	Err error
}

func (e *UpstreamPaymentError) Error() string {
	return fmt.Sprintf("payment provider: %s: %v", e.Op, e.Err)
}

func (e *UpstreamPaymentError) Unwrap() error {
	return e.Err
}

// IllegalTransitionError описывает недопустимый переход статуса покупки.
type IllegalTransitionError struct {
	SessionID string
	From      model.PurchaseState
	To        model.PurchaseState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal purchase transition %s -> %s for session %s", e.From, e.To, e.SessionID)
}
