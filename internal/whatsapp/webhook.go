package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/nugget/suvfin/internal/agent"
	"github.com/nugget/suvfin/internal/license"
)

// InboundMessage is a normalized user message from a webhook delivery.
// Content holds the text body for text messages and the media ID for
// everything else.
type InboundMessage struct {
	From      string            `json:"from"`
	Name      string            `json:"name"`
	MessageID string            `json:"message_id"`
	Type      agent.MessageType `json:"type"`
	Content   string            `json:"content"`
	Caption   string            `json:"caption,omitempty"`
	Timestamp string            `json:"timestamp"`
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	Caption  string `json:"caption"`
	MIMEType string `json:"mime_type"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    webhookMedia `json:"image"`
	Document webhookMedia `json:"document"`
	Audio    webhookMedia `json:"audio"`
}

// ParseWebhook extracts the first message of the first change in a
// Cloud API webhook delivery. It reports false for status updates,
// malformed payloads and unsupported message types.
func ParseWebhook(body []byte) (*InboundMessage, bool) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false
	}
	if len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 {
		return nil, false
	}
	value := p.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return nil, false
	}
	m := value.Messages[0]

	name := ""
	if len(value.Contacts) > 0 {
		name = strings.TrimSpace(value.Contacts[0].Profile.Name)
	}
	if name == "" {
		name = license.DefaultUserName
	}

	msg := &InboundMessage{
		From:      m.From,
		Name:      name,
		MessageID: m.ID,
		Timestamp: m.Timestamp,
	}

	switch m.Type {
	case "text", "":
		msg.Type = agent.TypeText
		msg.Content = m.Text.Body
	case "image":
		msg.Type = agent.TypeImage
		msg.Content = m.Image.ID
		msg.Caption = m.Image.Caption
	case "document":
		msg.Type = agent.TypeDocument
		msg.Content = m.Document.ID
		msg.Caption = m.Document.Caption
	case "audio":
		msg.Type = agent.TypeAudio
		msg.Content = m.Audio.ID
	default:
		return nil, false
	}

	if msg.From == "" {
		return nil, false
	}
	return msg, true
}

// SignatureHeader carries the HMAC of the raw webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks a "sha256=<hex>" signature of body under
// secret. An empty secret or header never verifies.
func VerifySignature(body []byte, header, secret string) bool {
	if secret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifyChallenge answers Meta's subscription handshake. It returns the
// challenge to echo when mode is "subscribe" and token matches.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(verifyToken)) {
		return "", false
	}
	return challenge, true
}
