package orderview

import (
	"strings"

	"github.com/mbd888/accountmarket/internal/order"
)

// Tone is the visual weight of a status badge.
type Tone string

const (
	ToneNeutral Tone = "neutral"
	ToneInfo    Tone = "info"
	ToneSuccess Tone = "success"
	ToneWarning Tone = "warning"
	ToneDanger  Tone = "danger"
)

const fallbackLanguage = "en"

var badgeLabels = map[string]map[order.Status]string{
	"en": {
		order.StatusPaymentIntent: "Awaiting payment",
		order.StatusPaid:          "Paid",
		order.StatusEscrowHold:    "In escrow",
		order.StatusCompleted:     "Completed",
		order.StatusCancelled:     "Cancelled",
		order.StatusDisputed:      "In dispute",
	},
	"ru": {
		order.StatusPaymentIntent: "Ожидает оплаты",
		order.StatusPaid:          "Оплачен",
		order.StatusEscrowHold:    "Средства в резерве",
		order.StatusCompleted:     "Завершён",
		order.StatusCancelled:     "Отменён",
		order.StatusDisputed:      "Открыт спор",
	},
}

var badgeTones = map[order.Status]Tone{
	order.StatusPaymentIntent: ToneNeutral,
	order.StatusPaid:          ToneInfo,
	order.StatusEscrowHold:    ToneInfo,
	order.StatusCompleted:     ToneSuccess,
	order.StatusCancelled:     ToneDanger,
	order.StatusDisputed:      ToneWarning,
}

// Badge is the status pill rendered next to an order.
type Badge struct {
	Status order.Status `json:"status"`
	Label  string       `json:"label"`
	Tone   Tone         `json:"tone"`
}

// BadgeFor returns the badge for status in the given language. Unknown
// languages fall back to English; region suffixes ("ru-RU") are ignored.
func BadgeFor(status order.Status, language string) Badge {
	labels, ok := badgeLabels[baseLanguage(language)]
	if !ok {
		labels = badgeLabels[fallbackLanguage]
	}
	label, ok := labels[status]
	if !ok {
		label = string(status)
	}
	tone, ok := badgeTones[status]
	if !ok {
		tone = ToneNeutral
	}
	return Badge{Status: status, Label: label, Tone: tone}
}

func baseLanguage(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(language, "-_"); i >= 0 {
		language = language[:i]
	}
	return language
}
