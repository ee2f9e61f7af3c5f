// Package notification persists and delivers user notifications on two
// channels: the in-app feed (pushed live over websocket) and the
// authenticator channel (queued to SQS for the companion app).
package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelInApp         Channel = "IN_APP"
	ChannelAuthenticator Channel = "AUTHENTICATOR"
)

type Kind string

const (
	KindDeletionConfirmRequested Kind = "DELETION_CONFIRM_REQUESTED"
	KindDeletionConfirmed        Kind = "DELETION_CONFIRMED"
	KindDeletionCancelled        Kind = "DELETION_CANCELLED"
	KindDeletionReminder         Kind = "DELETION_REMINDER"
	KindDeletionCompleted        Kind = "DELETION_COMPLETED"
)

type Notification struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Channel     Channel    `json:"channel"`
	Kind        Kind       `json:"kind"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"createdAt"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	Attempts    int        `json:"-"`
	LastError   string     `json:"-"`
}

type Template struct {
	Kind  Kind
	Title string
	Body  string
}

// TemplateEngine renders {{key}} placeholders per notification kind.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Kind]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[Kind]Template)}
	for _, t := range builtIn {
		e.templates[t.Kind] = t
	}
	return e
}

var builtIn = []Template{
	{
		Kind:  KindDeletionConfirmRequested,
		Title: "Confirm account deletion",
		Body:  "A request to delete your account was made on {{requested_at}}. Enter the code from your authenticator app to confirm it.",
	},
	{
		Kind:  KindDeletionConfirmed,
		Title: "Account deletion scheduled",
		Body:  "Your account is locked and will be permanently deleted on {{scheduled_date}}. You can cancel until then.",
	},
	{
		Kind:  KindDeletionCancelled,
		Title: "Account deletion cancelled",
		Body:  "Your deletion request was cancelled and your account is unlocked.",
	},
	{
		Kind:  KindDeletionReminder,
		Title: "Account deletion in 24 hours",
		Body:  "Your account will be permanently deleted on {{scheduled_date}}. Cancel now if you want to keep it.",
	},
	{
		Kind:  KindDeletionCompleted,
		Title: "Account deleted",
		Body:  "Your personal data has been erased. Clinical and audit records are retained as required by law.",
	},
}

// Register adds or replaces the template for t.Kind.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Kind] = t
}

// Render substitutes data into the kind's template. Placeholders without a
// value are left as-is.
func (e *TemplateEngine) Render(kind Kind, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[kind]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", kind)
	}

	title, body = t.Title, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return title, body, nil
}

// Build renders one notification per channel for userID.
func (e *TemplateEngine) Build(userID string, kind Kind, data map[string]string, channels ...Channel) ([]Notification, error) {
	title, body, err := e.Render(kind, data)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]Notification, 0, len(channels))
	for _, ch := range channels {
		out = append(out, Notification{
			ID:        uuid.New().String(),
			UserID:    userID,
			Channel:   ch,
			Kind:      kind,
			Title:     title,
			Body:      body,
			CreatedAt: now,
		})
	}
	return out, nil
}
