// Package notify tells requesters that their audio is ready.
//
// The Dispatcher consumes AudioReadyJobs, resolves the requester identity
// to a mail address, renders the message and hands it to a Mailer. Mailer
// transport failures are retried by the worker pool; a job whose recipient
// can never be reached is dead-lettered.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"text/template"

	"golang.org/x/time/rate"

	"github.com/maauso/audioextract/internal/job"
	"github.com/maauso/audioextract/internal/queue"
	"github.com/maauso/audioextract/internal/worker"
)

// ErrUndeliverable is returned when a notification can never reach its
// recipient, e.g. the identity is not a valid address.
var ErrUndeliverable = errors.New("notify: undeliverable")

// Message is a plain-text notification.
type Message struct {
	To      string
	Subject string
	Text    string
}

// Mailer delivers messages through a mail relay.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Resolver maps a requester identity to a deliverable address.
type Resolver interface {
	Resolve(ctx context.Context, identity string) (string, error)
}

// PassThrough treats the identity itself as the address. Whether the relay
// can deliver to it is left to the relay.
type PassThrough struct{}

// Resolve returns the trimmed identity. An identity written as a full
// address ("Alice <alice@example.com>") yields its bare address part. Empty
// identities and identities containing line breaks are undeliverable.
func (PassThrough) Resolve(_ context.Context, identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: empty recipient", ErrUndeliverable)
	}
	if strings.ContainsAny(identity, "\r\n") {
		return "", fmt.Errorf("%w: recipient %q contains a line break", ErrUndeliverable, identity)
	}
	if addr, err := mail.ParseAddress(identity); err == nil {
		return addr.Address, nil
	}
	return identity, nil
}

// TemplateData is the input of message templates.
type TemplateData struct {
	DerivedBlobID string
	// DownloadURL is empty when no public base URL is configured.
	DownloadURL string
}

// Template renders notification subjects and bodies.
type Template struct {
	Subject *template.Template
	Text    *template.Template
}

// DefaultTemplate is the "MP3 Download" notification.
var DefaultTemplate = Template{
	Subject: template.Must(template.New("subject").Parse("MP3 Download")),
	Text: template.Must(template.New("text").Parse(
		`Your audio file {{.DerivedBlobID}} is now ready!
{{- if .DownloadURL}}

Download it here: {{.DownloadURL}}
{{- end}}
`)),
}

// RenderMessage builds the message sent to addr for data.
func (t Template) RenderMessage(addr string, data TemplateData) (Message, error) {
	var subject, text bytes.Buffer
	if err := t.Subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	if err := t.Text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render text: %w", err)
	}
	return Message{
		To:      addr,
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
	}, nil
}

// DownloadURL returns the retrieval link for derivedID under base, or ""
// when base is empty.
func DownloadURL(base, derivedID string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/download?fid=" + url.QueryEscape(derivedID)
}

// Dispatcher handles audio-ready deliveries.
type Dispatcher struct {
	mailer       Mailer
	resolver     Resolver
	template     Template
	downloadBase string
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// Compile-time check that Dispatcher implements worker.Handler.
var _ worker.Handler = (*Dispatcher)(nil)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithResolver overrides the PassThrough resolver.
func WithResolver(r Resolver) DispatcherOption {
	return func(d *Dispatcher) { d.resolver = r }
}

// WithTemplate overrides DefaultTemplate.
func WithTemplate(t Template) DispatcherOption {
	return func(d *Dispatcher) { d.template = t }
}

// WithDownloadBaseURL adds a download link to each message.
func WithDownloadBaseURL(base string) DispatcherOption {
	return func(d *Dispatcher) { d.downloadBase = base }
}

// WithRateLimit caps sends at perSecond with the given burst, shared by all
// workers using this Dispatcher. A non-positive perSecond disables the cap.
func WithRateLimit(perSecond float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewDispatcher creates a Dispatcher sending through mailer.
func NewDispatcher(mailer Mailer, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		mailer:   mailer,
		resolver: PassThrough{},
		template: DefaultTemplate,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle sends one notification. It returns nil only after the mailer
// confirmed the send.
func (d *Dispatcher) Handle(ctx context.Context, del *queue.Delivery) error {
	aj, err := job.DecodeAudioReadyJob(del.Body)
	if err != nil {
		return worker.Permanent(err)
	}

	logger := d.logger.With(
		slog.String("derived_blob_id", aj.DerivedBlobID),
		slog.String("requester", aj.RequesterIdentity),
		slog.Int("attempt", del.Attempt),
	)

	addr, err := d.resolver.Resolve(ctx, aj.RequesterIdentity)
	if err != nil {
		if errors.Is(err, ErrUndeliverable) {
			return worker.Permanent(err)
		}
		return fmt.Errorf("resolve recipient: %w", err)
	}

	msg, err := d.template.RenderMessage(addr, TemplateData{
		DerivedBlobID: aj.DerivedBlobID,
		DownloadURL:   DownloadURL(d.downloadBase, aj.DerivedBlobID),
	})
	if err != nil {
		return worker.Permanent(err)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for send slot: %w", err)
		}
	}

	if err := d.mailer.Send(ctx, msg); err != nil {
		if errors.Is(err, ErrUndeliverable) {
			return worker.Permanent(err)
		}
		return fmt.Errorf("send notification: %w", err)
	}

	logger.Info("notification sent", slog.String("to", addr))
	return nil
}
