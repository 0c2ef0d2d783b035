package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/otpgate/otpgate/internal/clock"
	"github.com/otpgate/otpgate/internal/config"
	"github.com/otpgate/otpgate/internal/models"
	"github.com/sirupsen/logrus"
)

// UserDirectory persists one User record per mobile number.
type UserDirectory interface {
	// Find returns (nil, nil) when no record exists for the mobile number.
	Find(ctx context.Context, mobile string) (*models.User, error)

	// Upsert writes the profile and OTP fields of the given record, creating
	// it when absent. Existing counters are preserved; the stored record is
	// returned.
	Upsert(ctx context.Context, user *models.User) (*models.User, error)

	// IncrementInvalidAttempts bumps the invalid-attempt counter and returns
	// the new value.
	IncrementInvalidAttempts(ctx context.Context, mobile string) (int, error)

	// ResetCounters zeroes both the request and invalid-attempt counters.
	ResetCounters(ctx context.Context, mobile string) error
}

// Notifier delivers a text message to a phone number. A single attempt, no
// retries; failures are surfaced to the caller.
type Notifier interface {
	Send(ctx context.Context, to, body string) error
}

// Profile carries the identity fields supplied with every OTP request.
type Profile struct {
	Salutation string
	FirstName  string
	ISDCode    string
	Email      string
}

// OTPService owns the OTP lifecycle: generation, delivery, verification,
// expiry and attempt limiting.
type OTPService struct {
	directory UserDirectory
	notifier  Notifier
	clock     clock.Clocker
	cfg       *config.OTPConfig
	logger    *logrus.Logger
}

func NewOTPService(
	directory UserDirectory,
	notifier Notifier,
	clk clock.Clocker,
	cfg *config.OTPConfig,
	logger *logrus.Logger,
) *OTPService {
	return &OTPService{
		directory: directory,
		notifier:  notifier,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// RequestOTP generates a fresh code, upserts the record keyed by mobile and
// delivers the code via the notifier. The write always happens before the
// send: a delivery failure leaves the new code persisted and is reported to
// the caller as an error.
func (s *OTPService) RequestOTP(ctx context.Context, profile Profile, mobile string) (*models.User, error) {
	code, err := s.generateCode(s.cfg.Length)
	if err != nil {
		return nil, fmt.Errorf("generate OTP: %w", err)
	}

	now := s.clock.Now()
	expire := now.Add(s.cfg.Expiry)
	user := &models.User{
		Salutation:     profile.Salutation,
		FirstName:      profile.FirstName,
		ISDCode:        profile.ISDCode,
		Mobile:         mobile,
		Email:          profile.Email,
		OTP:            code,
		OTPExpire:      &expire,
		LastOTPRequest: &now,
	}

	stored, err := s.directory.Upsert(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("persist user: %w", err)
	}

	if err := s.notifier.Send(ctx, mobile, "Your OTP is "+code); err != nil {
		s.logger.WithError(err).WithField("mobile", mobile).Error("Failed to deliver OTP")
		return nil, fmt.Errorf("deliver OTP: %w", err)
	}

	return stored, nil
}

// VerifyOTP runs the ordered verification checks for a mobile number. The
// expiry check deliberately runs after the code comparison, so a wrong code
// against an expired record is still reported as invalid, and an expired
// record only surfaces as expired when the code matches.
func (s *OTPService) VerifyOTP(ctx context.Context, mobile, code string) error {
	user, err := s.directory.Find(ctx, mobile)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}

	// otpRequests is never bumped in the request path; the guard stays so
	// records carrying the counter (set externally or by older writers) are
	// still blocked. TODO: decide whether RequestOTP should increment it.
	if user.OTPRequests >= s.cfg.MaxRequests {
		return ErrRequestLimit
	}

	// Once the attempt limit trips, the record stays blocked even for a
	// matching code; only a successful verification resets the counter, so
	// there is no way past this short of operator intervention.
	if user.InvalidOTPAttempts >= s.cfg.MaxAttempts {
		return ErrAttemptLimit
	}

	if user.OTP == "" || user.OTP != code {
		attempts, err := s.directory.IncrementInvalidAttempts(ctx, mobile)
		if err != nil {
			return fmt.Errorf("record invalid attempt: %w", err)
		}
		if attempts >= s.cfg.MaxAttempts {
			return ErrAttemptLimit
		}
		return ErrInvalidOTP
	}

	if user.OTPExpire != nil && s.clock.Now().After(*user.OTPExpire) {
		return ErrOTPExpired
	}

	// The verification outcome is already decided; a failed counter reset is
	// logged but never turns the success into an error.
	if err := s.directory.ResetCounters(ctx, mobile); err != nil {
		s.logger.WithError(err).WithField("mobile", mobile).Error("Failed to reset OTP counters after verification")
	}

	return nil
}

func (s *OTPService) generateCode(length int) (string, error) {
	code := ""
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		code += num.String()
	}
	return code, nil
}
