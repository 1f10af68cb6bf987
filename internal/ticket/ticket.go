// Package ticket содержит каталог билетов и расчёт окна доступа.
package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/mmeshcher/stellafill-shop/internal/model"
)

// Часы работы сервера по местному времени: с OpenHour до CloseHour следующих суток.
const (
	OpenHour  = 12
	CloseHour = 3
)

// DefaultTimezone задаёт часовой пояс, в котором считаются игровые сутки.
const DefaultTimezone = "Asia/Tokyo"

// ErrUnknownTier возвращается для неизвестного класса билета.
var ErrUnknownTier = errors.New("unknown ticket tier")

// Product описывает позицию каталога.
type Product struct {
	Tier        model.TicketTier
	Price       int64
	Description string
}

var catalog = map[model.TicketTier]Product{
	model.TicketTierStandard: {
		Tier:        model.TicketTierStandard,
		Price:       330,
		Description: "ステラフィルワールド 一般チケット（1日）",
	},
	model.TicketTierPremium: {
		Tier:        model.TicketTierPremium,
		Price:       1000,
		Description: "ステラフィルワールド ゴールドチケット（1日）",
	},
}

// старые названия классов, которые всё ещё присылает витрина
var aliases = map[string]model.TicketTier{
	"regular": model.TicketTierStandard,
	"gold":    model.TicketTierPremium,
}

// ParseTier разбирает название класса билета, допускаются и старые названия.
func ParseTier(s string) (model.TicketTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, ok := catalog[model.TicketTier(s)]; ok {
		return model.TicketTier(s), nil
	}
	if tier, ok := aliases[s]; ok {
		return tier, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Lookup возвращает позицию каталога для класса билета.
func Lookup(tier model.TicketTier) (Product, bool) {
	p, ok := catalog[tier]
	return p, ok
}

// Catalog возвращает все позиции каталога, от дешёвой к дорогой.
func Catalog() []Product {
	return []Product{
		catalog[model.TicketTierStandard],
		catalog[model.TicketTierPremium],
	}
}

// LoadLocation загружает часовой пояс, пустое имя означает DefaultTimezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// IsOpen сообщает, приходится ли момент t на часы работы сервера.
func IsOpen(t time.Time, loc *time.Location) bool {
	h := t.In(loc).Hour()
	return h >= OpenHour || h < CloseHour
}

// ComputeWindow рассчитывает окно доступа для билета, купленного в момент now.
//
// Игровые сутки длятся с 12:00 до 03:00 следующего календарного дня по времени loc.
// В часы работы билет действует сразу и до ближайших 03:00. Покупка в закрытые
// часы [03:00, 12:00) начинает действовать с 12:00 того же дня.
func ComputeWindow(now time.Time, loc *time.Location) model.Window {
	local := now.In(loc)
	y, m, d := local.Date()

	switch h := local.Hour(); {
	case h < CloseHour:
		return model.Window{
			Start: local,
			End:   time.Date(y, m, d, CloseHour, 0, 0, 0, loc),
		}
	case h >= OpenHour:
		return model.Window{
			Start: local,
			End:   time.Date(y, m, d+1, CloseHour, 0, 0, 0, loc),
		}
	default:
		return model.Window{
			Start: time.Date(y, m, d, OpenHour, 0, 0, 0, loc),
			End:   time.Date(y, m, d+1, CloseHour, 0, 0, 0, loc),
		}
	}
}
