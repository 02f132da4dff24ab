package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/provider"
)

const (
	userID = "me"
	// maxPageSize is the largest page messages.list returns.
	maxPageSize = 500
)

// Session talks to Gmail on behalf of one account.
type Session struct {
	accountID int64
	email     string
	service   *gmailapi.Service
	tokens    oauth2.TokenSource
}

var _ provider.Session = (*Session)(nil)

func (s *Session) AccountID() int64 { return s.accountID }

// ListMessageIDs returns up to max message ids, newest first.
func (s *Session) ListMessageIDs(ctx context.Context, max int) ([]string, error) {
	var ids []string
	pageToken := ""
	for len(ids) < max {
		call := s.service.Users.Messages.List(userID).
			MaxResults(int64(min(max-len(ids), maxPageSize))).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, wrapAPIError("list messages", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

func (s *Session) GetMetadata(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := s.service.Users.Messages.Get(userID, id).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapAPIError("get message metadata", err)
	}
	return toMessage(s.accountID, msg), nil
}

func (s *Session) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := s.service.Users.Messages.Get(userID, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, wrapAPIError("get message", err)
	}
	return toMessage(s.accountID, msg), nil
}

// SendMessage sends draft from the session's account and returns the new
// message id.
func (s *Session) SendMessage(ctx context.Context, draft *domain.Draft) (string, error) {
	if draft.From.Email == "" {
		d := *draft
		d.From = domain.Address{Email: s.email}
		draft = &d
	}
	raw, err := buildRawMessage(draft)
	if err != nil {
		return "", fmt.Errorf("failed to build message: %w", err)
	}
	sent, err := s.service.Users.Messages.Send(userID, &gmailapi.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", wrapAPIError("send message", err)
	}
	return sent.Id, nil
}

// DeleteMessage permanently deletes a message, bypassing trash.
func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	if err := s.service.Users.Messages.Delete(userID, id).Context(ctx).Do(); err != nil {
		return wrapAPIError("delete message", err)
	}
	return nil
}

func (s *Session) MarkRead(ctx context.Context, id string) error {
	_, err := s.service.Users.Messages.Modify(userID, id, &gmailapi.ModifyMessageRequest{
		RemoveLabelIds: []string{domain.LabelUnread},
	}).Context(ctx).Do()
	if err != nil {
		return wrapAPIError("mark message as read", err)
	}
	return nil
}

func (s *Session) Token() (*oauth2.Token, error) {
	tok, err := s.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token for %s: %w", s.email, err)
	}
	return tok, nil
}

// wrapAPIError attaches the HTTP status of Gmail API failures.
func wrapAPIError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &domain.RemoteAPIError{Op: op, Status: gerr.Code, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
