package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/otpgate/otpgate/internal/models"
	"github.com/otpgate/otpgate/internal/service"
	"github.com/otpgate/otpgate/internal/validation"
	"github.com/sirupsen/logrus"
)

type UserHandlers struct {
	otpService *service.OTPService
	validator  *validation.Validator
	logger     *logrus.Logger
}

func NewUserHandlers(
	otpService *service.OTPService,
	validator *validation.Validator,
	logger *logrus.Logger,
) *UserHandlers {
	return &UserHandlers{
		otpService: otpService,
		validator:  validator,
		logger:     logger,
	}
}

type SendOTPRequest struct {
	Salutation string `json:"salutation" validate:"required,oneof=Mr Ms Mrs Dr Prof"`
	FirstName  string `json:"firstName" validate:"required,min=2,max=50"`
	ISDCode    string `json:"isdCode" validate:"required,isdcode"`
	Mobile     string `json:"mobile" validate:"required,msisdn"`
	Email      string `json:"email" validate:"required,email"`
}

type SendOTPResponse struct {
	Message string       `json:"message"`
	User    *models.User `json:"user"`
}

type VerifyOTPRequest struct {
	Mobile string `json:"mobile"`
	OTP    string `json:"otp"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ValidationErrorResponse struct {
	Errors validation.FieldErrors `json:"errors"`
}

// SendOTP handles POST /users/sendOTP: validate, generate a code, upsert the
// record and deliver the code. The persisted user (including the plaintext
// OTP, kept for API compatibility) is echoed back on success.
func (h *UserHandlers) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.FirstName = strings.TrimSpace(req.FirstName)

	if err := h.validator.Validate(req); err != nil {
		var fieldErrs validation.FieldErrors
		if errors.As(err, &fieldErrs) {
			h.respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{Errors: fieldErrs})
			return
		}
		h.logger.WithError(err).Error("Validator failed")
		h.respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	profile := service.Profile{
		Salutation: req.Salutation,
		FirstName:  req.FirstName,
		ISDCode:    req.ISDCode,
		Email:      req.Email,
	}

	user, err := h.otpService.RequestOTP(r.Context(), profile, req.Mobile)
	if err != nil {
		h.logger.WithError(err).WithField("mobile", req.Mobile).Error("Failed to send OTP")
		h.respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	h.respondWithJSON(w, http.StatusOK, SendOTPResponse{
		Message: "OTP sent successfully",
		User:    user,
	})
}

// VerifyOTP handles POST /users/verifyOTP. The body is taken as-is; every
// outcome of the lifecycle checks maps to its own status and message.
func (h *UserHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.otpService.VerifyOTP(r.Context(), req.Mobile, req.OTP)
	switch {
	case err == nil:
		h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "OTP verified successfully"})
	case errors.Is(err, service.ErrUserNotFound):
		h.respondWithError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, service.ErrRequestLimit):
		h.respondWithError(w, http.StatusTooManyRequests, "OTP request limit exceeded")
	case errors.Is(err, service.ErrAttemptLimit):
		h.respondWithError(w, http.StatusTooManyRequests, "OTP invalid attempts limit exceeded")
	case errors.Is(err, service.ErrInvalidOTP):
		h.respondWithError(w, http.StatusBadRequest, "Invalid OTP")
	case errors.Is(err, service.ErrOTPExpired):
		h.respondWithError(w, http.StatusBadRequest, "OTP has expired")
	default:
		h.logger.WithError(err).WithField("mobile", req.Mobile).Error("Failed to verify OTP")
		h.respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (h *UserHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *UserHandlers) respondWithError(w http.ResponseWriter, status int, message string) {
	h.respondWithJSON(w, status, ErrorResponse{Error: message})
}
