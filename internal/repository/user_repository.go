package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/otpgate/otpgate/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrEmailTaken means the email is already claimed by a different mobile
// number. Both backends enforce the email uniqueness invariant.
var ErrEmailTaken = errors.New("email already registered to another mobile")

// UserRepository is the DynamoDB-backed user directory. Records live in a
// single table as USER#<mobile>/PROFILE items; email uniqueness is enforced
// through EMAIL#<email>/CLAIM marker items written with a condition.
type UserRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewUserRepository(client *dynamodb.Client, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (r *UserRepository) Find(ctx context.Context, mobile string) (*models.User, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.userKey(mobile),
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if result.Item == nil {
		return nil, nil // User not found
	}

	var user models.User
	if err := attributevalue.UnmarshalMap(result.Item, &user); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &user, nil
}

// Upsert writes the profile and OTP fields, creating the item when absent.
// The counters use if_not_exists so an existing record keeps its request and
// invalid-attempt state across repeated OTP requests.
func (r *UserRepository) Upsert(ctx context.Context, user *models.User) (*models.User, error) {
	existing, err := r.Find(ctx, user.Mobile)
	if err != nil {
		return nil, err
	}

	if err := r.claimEmail(ctx, user.Email, user.Mobile); err != nil {
		return nil, err
	}

	values := map[string]types.AttributeValue{
		":sal":  &types.AttributeValueMemberS{Value: user.Salutation},
		":fn":   &types.AttributeValueMemberS{Value: user.FirstName},
		":isd":  &types.AttributeValueMemberS{Value: user.ISDCode},
		":mob":  &types.AttributeValueMemberS{Value: user.Mobile},
		":em":   &types.AttributeValueMemberS{Value: user.Email},
		":otp":  &types.AttributeValueMemberS{Value: user.OTP},
		":exp":  &types.AttributeValueMemberS{Value: user.OTPExpire.Format(time.RFC3339)},
		":last": &types.AttributeValueMemberS{Value: user.LastOTPRequest.Format(time.RFC3339)},
		":zero": &types.AttributeValueMemberN{Value: "0"},
	}

	result, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.userKey(user.Mobile),
		UpdateExpression: aws.String("SET salutation = :sal, first_name = :fn, isd_code = :isd, " +
			"mobile = :mob, email = :em, #otp = :otp, otp_expire = :exp, last_otp_request = :last, " +
			"otp_requests = if_not_exists(otp_requests, :zero), " +
			"invalid_otp_attempts = if_not_exists(invalid_otp_attempts, :zero)"),
		ExpressionAttributeNames:  map[string]string{"#otp": "otp"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to upsert user in DynamoDB")
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	// The email changed: release the previous claim so the old address can
	// be reused by another record.
	if existing != nil && existing.Email != "" && existing.Email != user.Email {
		if err := r.releaseEmail(ctx, existing.Email); err != nil {
			r.logger.WithError(err).WithField("email", existing.Email).Warn("Failed to release previous email claim")
		}
	}

	var stored models.User
	if err := attributevalue.UnmarshalMap(result.Attributes, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &stored, nil
}

// IncrementInvalidAttempts bumps the counter atomically and returns the new
// value, so concurrent wrong submissions never lose an increment.
func (r *UserRepository) IncrementInvalidAttempts(ctx context.Context, mobile string) (int, error) {
	result, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              r.userKey(mobile),
		UpdateExpression: aws.String("ADD invalid_otp_attempts :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to increment invalid attempts in DynamoDB")
		return 0, fmt.Errorf("failed to increment invalid attempts: %w", err)
	}

	attr, ok := result.Attributes["invalid_otp_attempts"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("unexpected attribute type for invalid_otp_attempts")
	}

	attempts, err := strconv.Atoi(attr.Value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse invalid_otp_attempts: %w", err)
	}

	return attempts, nil
}

func (r *UserRepository) ResetCounters(ctx context.Context, mobile string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              r.userKey(mobile),
		UpdateExpression: aws.String("SET otp_requests = :zero, invalid_otp_attempts = :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
		},
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to reset OTP counters in DynamoDB")
		return fmt.Errorf("failed to reset counters: %w", err)
	}

	return nil
}

// claimEmail writes the uniqueness marker for an email. The condition lets
// the same mobile re-claim its own address on repeated requests.
func (r *UserRepository) claimEmail(ctx context.Context, email, mobile string) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"PK":     &types.AttributeValueMemberS{Value: "EMAIL#" + email},
			"SK":     &types.AttributeValueMemberS{Value: "CLAIM"},
			"mobile": &types.AttributeValueMemberS{Value: mobile},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR mobile = :mob"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":mob": &types.AttributeValueMemberS{Value: mobile},
		},
	})

	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrEmailTaken
		}
		r.logger.WithError(err).Error("Failed to claim email in DynamoDB")
		return fmt.Errorf("failed to claim email: %w", err)
	}

	return nil
}

func (r *UserRepository) releaseEmail(ctx context.Context, email string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "EMAIL#" + email},
			"SK": &types.AttributeValueMemberS{Value: "CLAIM"},
		},
	})

	if err != nil {
		return fmt.Errorf("failed to release email claim: %w", err)
	}

	return nil
}

func (r *UserRepository) userKey(mobile string) map[string]types.AttributeValue {
	user := &models.User{Mobile: mobile}
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: user.GetPK()},
		"SK": &types.AttributeValueMemberS{Value: user.GetSK()},
	}
}
