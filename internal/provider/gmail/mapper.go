package gmail

import (
	"encoding/base64"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

// metadataHeaders are the headers requested for list views.
var metadataHeaders = []string{"From", "To", "Subject", "Date"}

// toMessage converts a Gmail API message into a cached message for an
// account. Body stays empty for metadata-only responses.
func toMessage(accountID int64, msg *gmailapi.Message) *domain.Message {
	var headers []*gmailapi.MessagePartHeader
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}

	date := parseDate(findHeader(headers, "Date"))
	if date.IsZero() && msg.InternalDate > 0 {
		date = time.UnixMilli(msg.InternalDate)
	}

	return &domain.Message{
		AccountID: accountID,
		ID:        msg.Id,
		ThreadID:  msg.ThreadId,
		From:      parseAddress(findHeader(headers, "From")),
		To:        parseAddressList(findHeader(headers, "To")),
		Subject:   findHeader(headers, "Subject"),
		Snippet:   msg.Snippet,
		Body:      bodyText(msg.Payload),
		Date:      date,
		Labels:    msg.LabelIds,
		IsRead:    !slices.Contains(msg.LabelIds, domain.LabelUnread),
	}
}

// bodyText prefers the text/plain part and renders HTML-only messages to text.
func bodyText(payload *gmailapi.MessagePart) string {
	text, html := extractBody(payload)
	if text != "" || html == "" {
		return text
	}
	rendered, err := html2text.FromString(html)
	if err != nil {
		return html
	}
	return rendered
}

func findHeader(headers []*gmailapi.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// parseAddress falls back to treating the whole string as a bare email.
func parseAddress(s string) domain.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.Address{}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return domain.Address{Email: s}
	}
	return domain.Address{Name: addr.Name, Email: addr.Address}
}

func parseAddressList(s string) []domain.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	parsed, err := mail.ParseAddressList(s)
	if err != nil {
		var addrs []domain.Address
		for _, p := range strings.Split(s, ",") {
			if a := parseAddress(p); a.Email != "" {
				addrs = append(addrs, a)
			}
		}
		return addrs
	}

	addrs := make([]domain.Address, 0, len(parsed))
	for _, a := range parsed {
		addrs = append(addrs, domain.Address{Name: a.Name, Email: a.Address})
	}
	return addrs
}

// dateLayouts covers headers net/mail rejects.
var dateLayouts = []string{
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05Z07:00",
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)",
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// extractBody walks the MIME tree and returns the first text/plain and
// text/html leaves.
func extractBody(payload *gmailapi.MessagePart) (text, html string) {
	if payload == nil {
		return "", ""
	}

	if len(payload.Parts) > 0 {
		for _, part := range payload.Parts {
			t, h := extractBody(part)
			if text == "" {
				text = t
			}
			if html == "" {
				html = h
			}
		}
		return text, html
	}

	if payload.Filename != "" || payload.Body == nil {
		return "", ""
	}
	data := decodeBase64URL(payload.Body.Data)
	switch payload.MimeType {
	case "text/plain":
		return data, ""
	case "text/html":
		return "", data
	}
	return "", ""
}

// decodeBase64URL decodes Gmail's unpadded URL-safe base64.
func decodeBase64URL(s string) string {
	if s == "" {
		return ""
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return ""
	}
	return string(data)
}
