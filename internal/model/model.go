// Package model содержит доменные сущности магазина билетов StellaFill World.
package model

import (
	"strings"
	"time"
)

// TicketTier описывает класс билета.
type TicketTier string

const (
	TicketTierStandard TicketTier = "standard"
	TicketTierPremium  TicketTier = "premium"
)

// PurchaseState описывает статус покупки.
type PurchaseState string

const (
	PurchaseStatePending   PurchaseState = "pending"
	PurchaseStateCompleted PurchaseState = "completed"
	PurchaseStateFailed    PurchaseState = "failed"
	PurchaseStateRefunded  PurchaseState = "refunded"
)

// PlayerKey возвращает ключ идентичности игрока. Имена Minecraft не различают
// регистр, поэтому "Steve" и "steve" — один игрок.
func PlayerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Window задаёт интервал доступа к серверу.
type Window struct {
	Start time.Time
	End   time.Time
}

// Valid сообщает, что окончание окна строго позже начала.
func (w Window) Valid() bool {
	return w.End.After(w.Start)
}

// Contains проверяет попадание момента в окно, границы включены.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Equal сравнивает окна по моментам времени, без учёта часового пояса.
func (w Window) Equal(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

// Purchase описывает запись о покупке билета. Записи не удаляются и служат журналом.
type Purchase struct {
	ID         string
	PlayerName string
	Email      string
	Tier       TicketTier
	Amount     int64
	SessionID  string
	PaymentID  string
	Window     Window
	State      PurchaseState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AccessEntry описывает запись белого списка игрового сервера.
type AccessEntry struct {
	PlayerName string
	Tier       TicketTier
	Window     Window
	Active     bool
	UpdatedAt  time.Time
}

// Transition описывает условный переход покупки из одного статуса в другой.
type Transition struct {
	SessionID string
	From      PurchaseState
	To        PurchaseState
	PaymentID string
	At        time.Time
}

var transitions = map[PurchaseState][]PurchaseState{
	PurchaseStatePending:   {PurchaseStateCompleted, PurchaseStateFailed},
	PurchaseStateCompleted: {PurchaseStateRefunded},
}

// CanTransition сообщает, допустим ли переход from -> to.
func CanTransition(from, to PurchaseState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
