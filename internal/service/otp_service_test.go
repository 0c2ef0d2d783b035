package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/otpgate/otpgate/internal/config"
	"github.com/otpgate/otpgate/internal/models"
	"github.com/sirupsen/logrus"
)

var codePattern = regexp.MustCompile(`^\d{6}$`)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakeDirectory struct {
	mu        sync.Mutex
	users     map[string]*models.User
	upsertErr error
	resetErr  error
	resets    int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: make(map[string]*models.User)}
}

func (d *fakeDirectory) Find(_ context.Context, mobile string) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[mobile]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (d *fakeDirectory) Upsert(_ context.Context, user *models.User) (*models.User, error) {
	if d.upsertErr != nil {
		return nil, d.upsertErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	stored := *user
	if existing, ok := d.users[user.Mobile]; ok {
		stored.OTPRequests = existing.OTPRequests
		stored.InvalidOTPAttempts = existing.InvalidOTPAttempts
	}
	d.users[user.Mobile] = &stored

	copied := stored
	return &copied, nil
}

func (d *fakeDirectory) IncrementInvalidAttempts(_ context.Context, mobile string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[mobile]
	if !ok {
		return 0, fmt.Errorf("user not found")
	}
	user.InvalidOTPAttempts++
	return user.InvalidOTPAttempts, nil
}

func (d *fakeDirectory) ResetCounters(_ context.Context, mobile string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resets++
	if d.resetErr != nil {
		return d.resetErr
	}

	user, ok := d.users[mobile]
	if !ok {
		return fmt.Errorf("user not found")
	}
	user.OTPRequests = 0
	user.InvalidOTPAttempts = 0
	return nil
}

type fakeNotifier struct {
	sendErr error
	sent    []string
}

func (n *fakeNotifier) Send(_ context.Context, to, body string) error {
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, body)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.OTPConfig {
	return &config.OTPConfig{
		Length:      6,
		Expiry:      60 * time.Second,
		MaxRequests: 3,
		MaxAttempts: 3,
	}
}

func newTestService() (*OTPService, *fakeDirectory, *fakeNotifier, *fakeClock) {
	directory := newFakeDirectory()
	notifier := &fakeNotifier{}
	clk := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewOTPService(directory, notifier, clk, testConfig(), testLogger())
	return svc, directory, notifier, clk
}

var testProfile = Profile{
	Salutation: "Mr",
	FirstName:  "Ravi",
	ISDCode:    "+91",
	Email:      "ravi@example.com",
}

const testMobile = "+919876543210"

func TestRequestOTPGeneratesSixDigitCode(t *testing.T) {
	svc, _, notifier, clk := newTestService()

	user, err := svc.RequestOTP(context.Background(), testProfile, testMobile)
	if err != nil {
		t.Fatalf("RequestOTP failed: %v", err)
	}

	if !codePattern.MatchString(user.OTP) {
		t.Errorf("OTP %q does not match ^\\d{6}$", user.OTP)
	}
	if user.OTPExpire == nil || !user.OTPExpire.Equal(clk.Now().Add(60*time.Second)) {
		t.Errorf("OTPExpire = %v, want %v", user.OTPExpire, clk.Now().Add(60*time.Second))
	}
	if user.LastOTPRequest == nil || !user.LastOTPRequest.Equal(clk.Now()) {
		t.Errorf("LastOTPRequest = %v, want %v", user.LastOTPRequest, clk.Now())
	}

	if len(notifier.sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(notifier.sent))
	}
	if want := "Your OTP is " + user.OTP; notifier.sent[0] != want {
		t.Errorf("delivered %q, want %q", notifier.sent[0], want)
	}
}

func TestRequestOTPPersistsBeforeNotifierFailure(t *testing.T) {
	svc, directory, notifier, _ := newTestService()
	notifier.sendErr = errors.New("provider down")

	_, err := svc.RequestOTP(context.Background(), testProfile, testMobile)
	if err == nil {
		t.Fatal("expected an error when delivery fails")
	}

	stored, _ := directory.Find(context.Background(), testMobile)
	if stored == nil {
		t.Fatal("record was not persisted before the notifier call")
	}
	if stored.OTP == "" {
		t.Error("persisted record has no OTP")
	}
}

func TestRequestOTPPreservesCounters(t *testing.T) {
	svc, directory, _, _ := newTestService()

	if _, err := svc.RequestOTP(context.Background(), testProfile, testMobile); err != nil {
		t.Fatalf("RequestOTP failed: %v", err)
	}
	if err := svc.VerifyOTP(context.Background(), testMobile, "wrong!"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expected ErrInvalidOTP, got %v", err)
	}

	if _, err := svc.RequestOTP(context.Background(), testProfile, testMobile); err != nil {
		t.Fatalf("second RequestOTP failed: %v", err)
	}

	stored, _ := directory.Find(context.Background(), testMobile)
	if stored.InvalidOTPAttempts != 1 {
		t.Errorf("InvalidOTPAttempts = %d after re-request, want 1", stored.InvalidOTPAttempts)
	}
}

func TestVerifyOTPUnknownMobile(t *testing.T) {
	svc, _, _, _ := newTestService()

	err := svc.VerifyOTP(context.Background(), "+15550000000", "123456")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestVerifyOTPSuccessResetsCounters(t *testing.T) {
	svc, directory, _, _ := newTestService()

	user, err := svc.RequestOTP(context.Background(), testProfile, testMobile)
	if err != nil {
		t.Fatalf("RequestOTP failed: %v", err)
	}

	if err := svc.VerifyOTP(context.Background(), testMobile, "000000"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expected ErrInvalidOTP, got %v", err)
	}

	if err := svc.VerifyOTP(context.Background(), testMobile, user.OTP); err != nil {
		t.Fatalf("VerifyOTP with correct code failed: %v", err)
	}

	stored, _ := directory.Find(context.Background(), testMobile)
	if stored.OTPRequests != 0 || stored.InvalidOTPAttempts != 0 {
		t.Errorf("counters = (%d, %d) after success, want (0, 0)",
			stored.OTPRequests, stored.InvalidOTPAttempts)
	}
}

func TestVerifyOTPWrongCodeIncrementsAttempts(t *testing.T) {
	svc, directory, _, _ := newTestService()

	user, err := svc.RequestOTP(context.Background(), testProfile, testMobile)
	if err != nil {
		t.Fatalf("RequestOTP failed: %v", err)
	}

	for i, want := range []error{ErrInvalidOTP, ErrInvalidOTP, ErrAttemptLimit} {
		err := svc.VerifyOTP(context.Background(), testMobile, "000000")
		if !errors.Is(err, want) {
			t.Fatalf("call %d: expected %v, got %v", i+1, want, err)
		}

		stored, _ := directory.Find(context.Background(), testMobile)
		if stored.InvalidOTPAttempts != i+1 {
			t.Fatalf("call %d: InvalidOTPAttempts = %d, want %d", i+1, stored.InvalidOTPAttempts, i+1)
		}
	}

	// Limit already tripped: even the correct code stays blocked and the
	// counters are not reset.
	if err := svc.VerifyOTP(context.Background(), testMobile, user.OTP); !errors.Is(err, ErrAttemptLimit) {
		t.Fatalf("expected ErrAttemptLimit for correct code after limit, got %v", err)
	}

	stored, _ := directory.Find(context.Background(), testMobile)
	if stored.InvalidOTPAttempts != 3 {
		t.Errorf("InvalidOTPAttempts = %d, want 3 (no reset)", stored.InvalidOTPAttempts)
	}
}

func TestVerifyOTPRequestLimit(t *testing.T) {
	svc, directory, _, _ := newTestService()

	user, err := svc.RequestOTP(context.Background(), testProfile, testMobile)
	if err != nil {
		t.Fatalf("RequestOTP failed: %v", err)
	}

	directory.mu.Lock()
	directory.users[testMobile].OTPRequests = 3
	directory.mu.Unlock()

	if err := svc.VerifyOTP(context.Background(), testMobile, user.OTP); !errors.Is(err, ErrRequestLimit) {
		t.Errorf("expected ErrRequestLimit, got %v", err)
	}
}

func TestVerifyOTPExpiredCode(t *testing.T) {
	svc, _, _, clk := newTestService()

	user, err := svc.RequestOTP(context.Background(), testProfile, testMobile)
	if err != nil {
		t.Fatalf("RequestOTP failed: %v", err)
	}

	clk.Advance(61 * time.Second)

	if err := svc.VerifyOTP(context.Background(), testMobile, user.OTP); !errors.Is(err, ErrOTPExpired) {
		t.Errorf("expected ErrOTPExpired for correct code past expiry, got %v", err)
	}
}

func TestVerifyOTPMismatchBeatsExpiry(t *testing.T) {
	svc, _, _, clk := newTestService()

	if _, err := svc.RequestOTP(context.Background(), testProfile, testMobile); err != nil {
		t.Fatalf("RequestOTP failed: %v", err)
	}

	clk.Advance(61 * time.Second)

	// A wrong code against an expired record is classified as invalid, not
	// expired: the comparison runs first.
	if err := svc.VerifyOTP(context.Background(), testMobile, "000000"); !errors.Is(err, ErrInvalidOTP) {
		t.Errorf("expected ErrInvalidOTP, got %v", err)
	}
}

func TestRequestOTPInvalidatesPreviousCode(t *testing.T) {
	svc, _, _, _ := newTestService()

	first, err := svc.RequestOTP(context.Background(), testProfile, testMobile)
	if err != nil {
		t.Fatalf("first RequestOTP failed: %v", err)
	}

	var second *models.User
	for i := 0; i < 20; i++ {
		second, err = svc.RequestOTP(context.Background(), testProfile, testMobile)
		if err != nil {
			t.Fatalf("RequestOTP failed: %v", err)
		}
		if second.OTP != first.OTP {
			break
		}
	}
	if second.OTP == first.OTP {
		t.Skip("generator produced identical codes 20 times in a row")
	}

	if err := svc.VerifyOTP(context.Background(), testMobile, first.OTP); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expected ErrInvalidOTP for superseded code, got %v", err)
	}
	if err := svc.VerifyOTP(context.Background(), testMobile, second.OTP); err != nil {
		t.Fatalf("VerifyOTP with current code failed: %v", err)
	}
}

func TestVerifyOTPSuccessSurvivesResetFailure(t *testing.T) {
	svc, directory, _, _ := newTestService()

	user, err := svc.RequestOTP(context.Background(), testProfile, testMobile)
	if err != nil {
		t.Fatalf("RequestOTP failed: %v", err)
	}

	directory.resetErr = errors.New("store unavailable")

	if err := svc.VerifyOTP(context.Background(), testMobile, user.OTP); err != nil {
		t.Errorf("verification should succeed despite reset failure, got %v", err)
	}
	if directory.resets != 1 {
		t.Errorf("resets = %d, want 1", directory.resets)
	}
}

func TestGenerateCodeDigitsOnly(t *testing.T) {
	svc, _, _, _ := newTestService()

	for i := 0; i < 100; i++ {
		code, err := svc.generateCode(6)
		if err != nil {
			t.Fatalf("generateCode failed: %v", err)
		}
		if !codePattern.MatchString(code) {
			t.Fatalf("code %q does not match ^\\d{6}$", code)
		}
	}
}
