package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Типы событий Stripe, которые обрабатывает магазин.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventChargeRefunded    = "charge.refunded"
)

// DefaultSignatureTolerance — допустимое расхождение метки времени подписи.
const DefaultSignatureTolerance = webhook.DefaultTolerance

var (
	// ErrInvalidSignature возвращается, если подпись вебхука не совпала.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrSignatureExpired возвращается, если метка времени подписи вне допустимого окна.
	ErrSignatureExpired = errors.New("webhook signature timestamp outside tolerance")
	// ErrUnsupportedEvent возвращается для типов событий, которые магазин не обрабатывает.
	ErrUnsupportedEvent = errors.New("unsupported event type")
	// ErrPartialRefund возвращается для частичного возврата: доступ по билету сохраняется.
	ErrPartialRefund = errors.New("partial refund")
	// ErrMalformedEvent возвращается, если у события нет обязательных полей.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event — событие платёжной системы. Реализации: CompletedEvent, ExpiredEvent, RefundedEvent.
type Event interface {
	EventID() string
	EventType() string
}

// CompletedEvent сообщает об успешной оплате сессии.
type CompletedEvent struct {
	ID        string
	SessionID string
	PaymentID string
}

// ExpiredEvent сообщает об истечении неоплаченной сессии.
type ExpiredEvent struct {
	ID        string
	SessionID string
}

// RefundedEvent сообщает о полном возврате платежа. Stripe присылает его для платежа,
// а не для сессии, поэтому покупка ищется по PaymentID.
type RefundedEvent struct {
	ID        string
	PaymentID string
}

func (e CompletedEvent) EventID() string   { return e.ID }
func (e CompletedEvent) EventType() string { return EventCheckoutCompleted }
func (e ExpiredEvent) EventID() string     { return e.ID }
func (e ExpiredEvent) EventType() string   { return EventCheckoutExpired }
func (e RefundedEvent) EventID() string    { return e.ID }
func (e RefundedEvent) EventType() string  { return EventChargeRefunded }

// ParseEvent разбирает тело вебхука в одно из известных событий.
func ParseEvent(payload []byte) (Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	typ := string(ev.Type)
	switch typ {
	case EventCheckoutCompleted, EventCheckoutExpired, EventChargeRefunded:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, typ)
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s without data object", ErrMalformedEvent, typ)
	}

	if typ == EventChargeRefunded {
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return nil, fmt.Errorf("%w: %s without payment intent", ErrMalformedEvent, typ)
		}
		if !ch.Refunded && (ch.Amount == 0 || ch.AmountRefunded < ch.Amount) {
			return nil, fmt.Errorf("%w: %d of %d for %s", ErrPartialRefund, ch.AmountRefunded, ch.Amount, ch.PaymentIntent.ID)
		}
		return RefundedEvent{ID: ev.ID, PaymentID: ch.PaymentIntent.ID}, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("%w: %s without session id", ErrMalformedEvent, typ)
	}
	if typ == EventCheckoutExpired {
		return ExpiredEvent{ID: ev.ID, SessionID: sess.ID}, nil
	}

	var paymentID string
	if sess.PaymentIntent != nil {
		paymentID = sess.PaymentIntent.ID
	}
	return CompletedEvent{ID: ev.ID, SessionID: sess.ID, PaymentID: paymentID}, nil
}

// VerifySignature проверяет заголовок Stripe-Signature средствами SDK. Метка времени
// подписи сравнивается с текущим временем с допуском tolerance.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	if secret == "" {
		return ErrInvalidSignature
	}

	err := webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %v", ErrSignatureExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}
