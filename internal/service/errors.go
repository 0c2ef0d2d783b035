package service

import "errors"

var (
	// ErrUserNotFound means no record exists for the mobile number.
	ErrUserNotFound = errors.New("user not found")

	// ErrRequestLimit means the stored request counter reached its cap.
	ErrRequestLimit = errors.New("OTP request limit exceeded")

	// ErrAttemptLimit means too many wrong codes were submitted.
	ErrAttemptLimit = errors.New("OTP invalid attempts limit exceeded")

	// ErrInvalidOTP means the submitted code does not match the stored one.
	ErrInvalidOTP = errors.New("invalid OTP")

	// ErrOTPExpired means the code matched but its expiry has passed.
	ErrOTPExpired = errors.New("OTP has expired")
)
