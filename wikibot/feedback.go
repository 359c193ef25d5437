package wikibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/wneessen/go-mail"
	"gorm.io/gorm"
)

const (
	msgFeedbackThanks   = "Thank you for your feedback!"
	feedbackSubjectFmt  = "Feedback from %s in %s"
	feedbackMaxLength   = 2000
	columnFeedbackGuild = "guild_id"
)

// Feedback is a message sent with `/wiki-feedback`. Records are
// append-only.
type Feedback struct {
	ModelUintID
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`

	UserID    string `json:"user_id" gorm:"index;not null"`
	Username  string `json:"username"`
	GuildID   string `json:"guild_id" gorm:"index"`
	GuildName string `json:"guild_name"`
	Message   string `json:"message" gorm:"not null"`
}

func (Feedback) TableName() string {
	return "feedback"
}

func (f Feedback) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(f.ID)),
		slog.String("user_id", f.UserID),
		slog.String("guild_id", f.GuildID),
	)
}

// FeedbackInput is a single feedback submission
type FeedbackInput struct {
	UserID    string `binding:"required"`
	Username  string
	GuildID   string
	GuildName string
	Message   string `binding:"required,max=2000"`
}

// mailSender delivers a plain-text message to the operator
type mailSender interface {
	Send(ctx context.Context, subject string, body string) error
}

// smtpMailer sends feedback emails through an SMTP relay
type smtpMailer struct {
	config FeedbackConfig
}

func newSMTPMailer(config FeedbackConfig) *smtpMailer {
	return &smtpMailer{config: config}
}

func (s *smtpMailer) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(s.config.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.config.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(s.config.Timeout))
	}
	if s.config.Username != "" {
		opts = append(
			opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.config.Username),
			mail.WithPassword(s.config.Password),
		)
	}
	return mail.NewClient(s.config.SMTPHost, opts...)
}

func (s *smtpMailer) Send(ctx context.Context, subject string, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.config.From); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(s.config.To); err != nil {
		return fmt.Errorf("invalid to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	c, err := s.client()
	if err != nil {
		return fmt.Errorf("error creating mail client: %w", err)
	}
	return c.DialAndSendWithContext(ctx, msg)
}

// FeedbackRelay stores feedback, and forwards it by email when a
// mailer is configured
type FeedbackRelay struct {
	db     DBI
	mailer mailSender
	logger *slog.Logger
}

// NewFeedbackRelay returns a FeedbackRelay. If cfg is nil or has no
// SMTP host, feedback is only stored.
func NewFeedbackRelay(db DBI, cfg *FeedbackConfig, logger *slog.Logger) *FeedbackRelay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FeedbackRelay{db: db, logger: logger.With(loggerNameKey, "feedback")}
	if cfg != nil && cfg.SMTPHost != "" {
		r.mailer = newSMTPMailer(*cfg)
	}
	return r
}

// Submit stores the feedback, then emails it. The stored record is
// returned even when the email fails: delivery errors are logged and
// otherwise ignored. Only a storage failure is returned as an error.
func (r *FeedbackRelay) Submit(ctx context.Context, in FeedbackInput) (Feedback, error) {
	in.Message = strings.TrimSpace(in.Message)
	if err := structValidator.Struct(in); err != nil {
		return Feedback{}, fmt.Errorf("invalid feedback: %w", err)
	}

	fb := Feedback{
		UserID:    in.UserID,
		Username:  in.Username,
		GuildID:   in.GuildID,
		GuildName: in.GuildName,
		Message:   in.Message,
	}
	if _, err := r.db.Create(ctx, &fb); err != nil {
		return fb, errors.Join(ErrStorage, fmt.Errorf("error saving feedback: %w", err))
	}
	logger := contextLoggerOr(ctx, r.logger).With("feedback", fb)
	logger.InfoContext(ctx, "feedback received")

	if r.mailer == nil {
		return fb, nil
	}
	if err := r.mailer.Send(ctx, feedbackSubject(fb), feedbackBody(fb)); err != nil {
		logger.WarnContext(
			ctx,
			"error sending feedback email",
			tint.Err(errors.Join(ErrTransport, err)),
		)
	}
	return fb, nil
}

func feedbackSubject(fb Feedback) string {
	user := fb.Username
	if user == "" {
		user = fb.UserID
	}
	guild := fb.GuildName
	if guild == "" {
		guild = fb.GuildID
	}
	return fmt.Sprintf(feedbackSubjectFmt, user, guild)
}

func feedbackBody(fb Feedback) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User: %s (%s)\n", fb.Username, fb.UserID)
	fmt.Fprintf(&b, "Guild: %s (%s)\n\n", fb.GuildName, fb.GuildID)
	b.WriteString(fb.Message)
	b.WriteString("\n")
	return b.String()
}

// ListFeedback returns a page of feedback, newest first. If guildID
// is set, only that guild's feedback is included.
func ListFeedback(
	ctx context.Context,
	db DBI,
	guildID string,
	offset, limit int,
) ([]Feedback, int64, error) {
	q := db.DB().WithContext(ctx).Model(&Feedback{})
	if guildID != "" {
		q = q.Where(columnFeedbackGuild+" = ?", guildID)
	}
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, errors.Join(ErrStorage, err)
	}
	var items []Feedback
	if err := q.Session(&gorm.Session{}).Order("id DESC").Offset(offset).Limit(limit).Find(&items).Error; err != nil {
		return nil, 0, errors.Join(ErrStorage, err)
	}
	return items, total, nil
}
