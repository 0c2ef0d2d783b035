package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/otpgate/otpgate/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisUserRepository is the Redis-backed user directory, for deployments
// without DynamoDB. Records are stored as JSON under user:<mobile> with an
// email:<email> claim key for the uniqueness invariant. Counter updates are
// read-modify-write; same-mobile races are an accepted gap of the design.
type RedisUserRepository struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisUserRepository(client *redis.Client, logger *logrus.Logger) *RedisUserRepository {
	return &RedisUserRepository{
		client: client,
		logger: logger,
	}
}

func (r *RedisUserRepository) Find(ctx context.Context, mobile string) (*models.User, error) {
	data, err := r.client.Get(ctx, userKey(mobile)).Result()
	if err == redis.Nil {
		return nil, nil // User not found
	}
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from Redis")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var user models.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &user, nil
}

func (r *RedisUserRepository) Upsert(ctx context.Context, user *models.User) (*models.User, error) {
	existing, err := r.Find(ctx, user.Mobile)
	if err != nil {
		return nil, err
	}

	owner, err := r.client.Get(ctx, emailKey(user.Email)).Result()
	if err != nil && err != redis.Nil {
		r.logger.WithError(err).Error("Failed to check email claim in Redis")
		return nil, fmt.Errorf("failed to check email claim: %w", err)
	}
	if err == nil && owner != user.Mobile {
		return nil, ErrEmailTaken
	}

	stored := *user
	if existing != nil {
		stored.OTPRequests = existing.OTPRequests
		stored.InvalidOTPAttempts = existing.InvalidOTPAttempts
	}

	if err := r.save(ctx, &stored); err != nil {
		return nil, err
	}

	if err := r.client.Set(ctx, emailKey(user.Email), user.Mobile, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to claim email: %w", err)
	}
	if existing != nil && existing.Email != "" && existing.Email != user.Email {
		if err := r.client.Del(ctx, emailKey(existing.Email)).Err(); err != nil {
			r.logger.WithError(err).WithField("email", existing.Email).Warn("Failed to release previous email claim")
		}
	}

	return &stored, nil
}

func (r *RedisUserRepository) IncrementInvalidAttempts(ctx context.Context, mobile string) (int, error) {
	user, err := r.Find(ctx, mobile)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, fmt.Errorf("failed to increment invalid attempts: user not found")
	}

	user.InvalidOTPAttempts++
	if err := r.save(ctx, user); err != nil {
		return 0, err
	}

	return user.InvalidOTPAttempts, nil
}

func (r *RedisUserRepository) ResetCounters(ctx context.Context, mobile string) error {
	user, err := r.Find(ctx, mobile)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("failed to reset counters: user not found")
	}

	user.OTPRequests = 0
	user.InvalidOTPAttempts = 0
	return r.save(ctx, user)
}

func (r *RedisUserRepository) save(ctx context.Context, user *models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	if err := r.client.Set(ctx, userKey(user.Mobile), data, 0).Err(); err != nil {
		r.logger.WithError(err).Error("Failed to store user in Redis")
		return fmt.Errorf("failed to store user: %w", err)
	}

	return nil
}

func userKey(mobile string) string {
	return "user:" + mobile
}

func emailKey(email string) string {
	return "email:" + email
}
