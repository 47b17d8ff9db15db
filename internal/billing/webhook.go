package billing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WebhookEvent is the normalized content of a billing webhook.
type WebhookEvent struct {
	Event     string
	BillingID string
	// Status is the provider status, already forced to PAID for
	// billing.paid events.
	Status        string
	AmountCents   int64
	CustomerID    string
	CustomerName  string
	CustomerPhone string
}

type webhookBilling struct {
	ID       string           `json:"id"`
	Status   string           `json:"status"`
	Amount   int64            `json:"amount"`
	Customer *BillingCustomer `json:"customer"`
	Metadata CustomerMetadata `json:"metadata"`
}

type webhookData struct {
	webhookBilling
	Billing *webhookBilling `json:"billing"`
}

type webhookPayload struct {
	Event  string      `json:"event"`
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Data   webhookData `json:"data"`
}

// ParseWebhook decodes a webhook body. The billing may be nested under
// data.billing or sit directly in data; missing id and status fall back
// to the outer levels. An empty BillingID means the event can be
// ignored.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	b := p.Data.webhookBilling
	if p.Data.Billing != nil {
		b = *p.Data.Billing
	}

	ev := &WebhookEvent{
		Event:       p.Event,
		BillingID:   firstNonEmpty(b.ID, p.Data.ID, p.ID),
		Status:      strings.ToUpper(firstNonEmpty(b.Status, p.Data.Status, p.Status)),
		AmountCents: b.Amount,
	}
	if ev.AmountCents == 0 {
		ev.AmountCents = p.Data.Amount
	}
	if ev.Event == EventBillingPaid {
		ev.Status = StatusPaid
	}

	cust := b.Customer
	if cust == nil {
		cust = p.Data.Customer
	}
	meta := b.Metadata
	if cust != nil {
		ev.CustomerID = cust.ID
		ev.CustomerName = firstNonEmpty(cust.Name, cust.Metadata.Name, meta.Name)
		ev.CustomerPhone = firstNonEmpty(cust.Cellphone, cust.Metadata.Cellphone, cust.Metadata.Phone, meta.Cellphone, meta.Phone)
	} else {
		ev.CustomerName = meta.Name
		ev.CustomerPhone = firstNonEmpty(meta.Cellphone, meta.Phone)
	}
	ev.CustomerPhone = NormalizePhone(ev.CustomerPhone)
	return ev, nil
}

// NormalizePhone strips formatting and prefixes the Brazilian country
// code to national numbers.
func NormalizePhone(phone string) string {
	phone = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", "+", "").Replace(phone)
	if phone != "" && !strings.HasPrefix(phone, "55") && len(phone) <= 11 {
		phone = "55" + phone
	}
	return phone
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
