package api

import (
	"time"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

// Account is the wire form of an account. Tokens and secrets never leave
// the process.
type Account struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	Active      bool   `json:"active"`
	Authorized  bool   `json:"authorized"`
	HasPassword bool   `json:"has_password"`
	CreatedAt   string `json:"created_at"`
}

func ToAccounts(accounts []domain.Account) []Account {
	out := make([]Account, 0, len(accounts))
	for i := range accounts {
		out = append(out, ToAccount(&accounts[i]))
	}
	return out
}

func ToAccount(a *domain.Account) Account {
	return Account{
		ID:          a.ID,
		Email:       a.Email,
		Active:      a.IsActive,
		Authorized:  a.HasToken(),
		HasPassword: a.HasSecret(),
		CreatedAt:   a.CreatedAt.Format(time.DateOnly),
	}
}

type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func toAddress(a domain.Address) Address {
	return Address{Name: a.Name, Email: a.Email}
}

func toAddresses(addrs []domain.Address) []Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]Address, len(addrs))
	for i, a := range addrs {
		out[i] = toAddress(a)
	}
	return out
}

// Message is the wire form of a cached message. Body is omitted until the
// full content has been fetched.
type Message struct {
	ID        string    `json:"id"`
	AccountID int64     `json:"account_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	From      Address   `json:"from"`
	To        []Address `json:"to,omitempty"`
	Subject   string    `json:"subject"`
	Snippet   string    `json:"snippet,omitempty"`
	Body      string    `json:"body,omitempty"`
	Date      string    `json:"date"`
	IsRead    bool      `json:"is_read"`
	Labels    []string  `json:"labels,omitempty"`
}

func ToMessage(m *domain.Message) Message {
	return Message{
		ID:        m.ID,
		AccountID: m.AccountID,
		ThreadID:  m.ThreadID,
		From:      toAddress(m.From),
		To:        toAddresses(m.To),
		Subject:   m.Subject,
		Snippet:   m.Snippet,
		Body:      m.Body,
		Date:      m.Date.Format(time.RFC3339),
		IsRead:    m.IsRead,
		Labels:    m.Labels,
	}
}

func ToMessages(msgs []domain.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, ToMessage(&msgs[i]))
	}
	return out
}
