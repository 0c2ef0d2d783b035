package models

import (
	"time"
)

// User is the single persisted record per mobile number. Profile fields are
// overwritten on every OTP request; the counters survive upserts and reset
// only after a successful verification.
type User struct {
	Salutation         string     `json:"salutation" dynamodbav:"salutation"`
	FirstName          string     `json:"firstName" dynamodbav:"first_name"`
	ISDCode            string     `json:"isdCode" dynamodbav:"isd_code"`
	Mobile             string     `json:"mobile" dynamodbav:"mobile"`
	Email              string     `json:"email" dynamodbav:"email"`
	OTP                string     `json:"otp,omitempty" dynamodbav:"otp,omitempty"`
	OTPExpire          *time.Time `json:"otpExpire,omitempty" dynamodbav:"otp_expire,omitempty"`
	OTPRequests        int        `json:"otpRequests" dynamodbav:"otp_requests"`
	LastOTPRequest     *time.Time `json:"lastOtpRequest,omitempty" dynamodbav:"last_otp_request,omitempty"`
	InvalidOTPAttempts int        `json:"invalidOtpAttempts" dynamodbav:"invalid_otp_attempts"`
}

func (u *User) GetPK() string {
	return "USER#" + u.Mobile
}

func (u *User) GetSK() string {
	return "PROFILE"
}
