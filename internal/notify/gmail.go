package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GmailService is the subset of the Gmail API used by GmailMailer.
type GmailService interface {
	SendMessage(ctx context.Context, userID string, message *gmail.Message) (*gmail.Message, error)
}

// GoogleGmailService is the production GmailService.
type GoogleGmailService struct {
	service *gmail.Service
}

// SendMessage sends message as userID.
func (s *GoogleGmailService) SendMessage(ctx context.Context, userID string, message *gmail.Message) (*gmail.Message, error) {
	return s.service.Users.Messages.Send(userID, message).Context(ctx).Do()
}

// NewGmailService builds a Gmail client from an OAuth client credentials
// file and a previously authorized token file. The token is refreshed
// automatically; the interactive consent flow is not run here.
func NewGmailService(ctx context.Context, credentialsFile, tokenFile string) (*GoogleGmailService, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read OAuth credentials file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse OAuth credentials: %w", err)
	}

	token, err := loadToken(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to load OAuth token: %w", err)
	}

	client := config.Client(ctx, token)
	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create gmail service: %w", err)
	}
	return &GoogleGmailService{service: srv}, nil
}

func loadToken(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, err
	}
	return token, nil
}

// GmailMailer sends mail through the Gmail API as the authorized user.
type GmailMailer struct {
	service GmailService
	from    string
	now     func() time.Time
}

// Compile-time check that GmailMailer implements Mailer.
var _ Mailer = (*GmailMailer)(nil)

// NewGmailMailer creates a GmailMailer.
func NewGmailMailer(service GmailService, from string) *GmailMailer {
	return &GmailMailer{service: service, from: from, now: time.Now}
}

// Send delivers msg. The API rejecting the message itself (400) is
// reported as ErrUndeliverable.
func (m *GmailMailer) Send(ctx context.Context, msg Message) error {
	raw := buildMIME(m.from, msg, m.now())
	message := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}

	if _, err := m.service.SendMessage(ctx, "me", message); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			return fmt.Errorf("%w: gmail: %v", ErrUndeliverable, err)
		}
		return fmt.Errorf("gmail: send: %w", err)
	}
	return nil
}
