package services

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/booali/atc-api/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
)

// Mailer sends transactional email
type Mailer interface {
	SendRegistrationOTP(ctx context.Context, to, name, code string) error
	SendResetPasswordOTP(ctx context.Context, to, name, code string) error
}

// EmailService delivers OTP emails over SMTP
type EmailService struct {
	cfg    config.SMTPConfig
	dialer *gomail.Dialer
	logger zerolog.Logger
}

// NewEmailService creates a new email service
func NewEmailService(cfg config.SMTPConfig, logger zerolog.Logger) *EmailService {
	return &EmailService{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		logger: logger.With().Str("service", "email").Logger(),
	}
}

type otpEmail struct {
	Title   string
	Name    string
	Intro   string
	Code    string
	Note    string
	Outro   string
	Variant string
}

var otpTemplate = template.Must(template.New("otp").Parse(`<!DOCTYPE html>
<html>
<head>
<style>
body { font-family: Arial, sans-serif; background-color: #f4f4f4; margin: 0; padding: 20px; }
.container { max-width: 600px; margin: 0 auto; background: white; padding: 30px; border-radius: 10px; }
.header { text-align: center; color: #333; }
.otp-code { font-size: 32px; font-weight: bold; text-align: center; margin: 20px 0; padding: 15px; border-radius: 5px; letter-spacing: 5px; }
.verify { color: #2563eb; background: #f8fafc; }
.reset { color: #dc2626; background: #fef2f2; }
.warning { background: #fff3cd; color: #856404; padding: 10px; border-radius: 5px; margin: 15px 0; }
.footer { margin-top: 30px; text-align: center; color: #666; font-size: 14px; }
</style>
</head>
<body>
<div class="container">
<div class="header"><h1>{{.Title}}</h1></div>
<p>Hello <strong>{{.Name}}</strong>,</p>
<p>{{.Intro}}</p>
<div class="otp-code {{.Variant}}">{{.Code}}</div>
<div class="warning"><strong>Note:</strong> {{.Note}}</div>
<p>{{.Outro}}</p>
<div class="footer"><p>Best regards,<br>The ATC Team</p></div>
</div>
</body>
</html>`))

// SendRegistrationOTP emails the account verification code
func (s *EmailService) SendRegistrationOTP(ctx context.Context, to, name, code string) error {
	return s.send(ctx, to, "Verify Your Account - OTP Code", otpEmail{
		Title:   "Verify Your Account",
		Name:    name,
		Intro:   "Thank you for registering with us! Use the OTP code below to verify your account:",
		Code:    code,
		Note:    "This OTP will expire in 10 minutes. Do not share this code with anyone.",
		Outro:   "If you didn't request this verification, please ignore this email.",
		Variant: "verify",
	})
}

// SendResetPasswordOTP emails the password reset code
func (s *EmailService) SendResetPasswordOTP(ctx context.Context, to, name, code string) error {
	return s.send(ctx, to, "Reset Your Password - OTP Code", otpEmail{
		Title:   "Reset Your Password",
		Name:    name,
		Intro:   "We received a request to reset your password. Use the OTP code below to proceed:",
		Code:    code,
		Note:    "This OTP will expire in 10 minutes. If you didn't request a password reset, please ignore this email.",
		Outro:   "For security reasons, this OTP is valid for a single use only.",
		Variant: "reset",
	})
}

func (s *EmailService) send(ctx context.Context, to, subject string, data otpEmail) error {
	if s.cfg.User == "" {
		return fmt.Errorf("smtp: %w", ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var body bytes.Buffer
	if err := otpTemplate.Execute(&body, data); err != nil {
		return fmt.Errorf("failed to render email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.User, s.cfg.FromName)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body.String())

	if err := s.dialer.DialAndSend(m); err != nil {
		s.logger.Error().Err(err).Str("to", to).Str("subject", subject).Msg("Failed to send email")
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info().Str("to", to).Str("subject", subject).Msg("Email sent")
	return nil
}
