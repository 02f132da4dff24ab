package gmail

import (
	"bytes"
	"errors"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

// buildRawMessage renders a draft as an RFC 5322 message.
func buildRawMessage(d *domain.Draft) ([]byte, error) {
	if len(d.To) == 0 {
		return nil, errors.New("message has no recipients")
	}

	var h gomail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", mailAddresses([]domain.Address{d.From}))
	h.SetAddressList("To", mailAddresses(d.To))
	if len(d.CC) > 0 {
		h.SetAddressList("Cc", mailAddresses(d.CC))
	}
	h.SetSubject(d.Subject)
	contentType := "text/plain"
	if d.HTML {
		contentType = "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(d.Body)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mailAddresses(addrs []domain.Address) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &gomail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}
