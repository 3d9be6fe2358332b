// Package whatsapp holds the WhatsApp Cloud API webhook payload types, the
// webhook verification helpers and a Graph API client for media download
// and text replies.
package whatsapp

import (
	"strconv"
	"time"
)

// Message types the webhook delivers.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeDocument = "document"
	TypeAudio    = "audio"
	TypeVideo    = "video"
	TypeSticker  = "sticker"
)

type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

// Status is a delivery receipt for a message we sent. Receipts are
// counted but not acted on.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *Text  `json:"text,omitempty"`
	Image     *Media `json:"image,omitempty"`
	Document  *Media `json:"document,omitempty"`
	Audio     *Media `json:"audio,omitempty"`
	Video     *Media `json:"video,omitempty"`
	Sticker   *Media `json:"sticker,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

// Media is the attachment descriptor. SHA256 is the provider's digest of
// the file (base64 in webhooks).
type Media struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// Media returns the attachment for media message types, or nil.
func (m *Message) Media() *Media {
	switch m.Type {
	case TypeImage:
		return m.Image
	case TypeDocument:
		return m.Document
	case TypeAudio:
		return m.Audio
	case TypeVideo:
		return m.Video
	case TypeSticker:
		return m.Sticker
	}
	return nil
}

// SentAt parses the unix-seconds timestamp. It returns the zero time if
// the field is malformed.
func (m *Message) SentAt() time.Time {
	secs, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// InboundMessage is one message with the delivery context needed to
// answer it.
type InboundMessage struct {
	Message
	PhoneNumberID string
	ContactName   string
}

// Messages flattens every message in the payload, in delivery order.
func (p *WebhookPayload) Messages() []InboundMessage {
	var out []InboundMessage
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			names := make(map[string]string, len(c.Value.Contacts))
			for _, ct := range c.Value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range c.Value.Messages {
				out = append(out, InboundMessage{
					Message:       m,
					PhoneNumberID: c.Value.Metadata.PhoneNumberID,
					ContactName:   names[m.From],
				})
			}
		}
	}
	return out
}

// StatusCount returns the number of delivery receipts in the payload.
func (p *WebhookPayload) StatusCount() int {
	n := 0
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			n += len(c.Value.Statuses)
		}
	}
	return n
}
