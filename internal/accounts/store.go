// Package accounts holds the enrollment-side view of user records. Accounts themselves are
// managed elsewhere.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-course-purchase/internal/aws"
)

// ErrNotFound is returned when the user record does not exist.
var ErrNotFound = errors.New("user not found")

type User struct {
	UserID          string   `dynamodbav:"user_id" json:"id"` // PK
	Name            string   `dynamodbav:"name" json:"name"`
	Email           string   `dynamodbav:"email" json:"email"`
	Role            string   `dynamodbav:"role,omitempty" json:"role,omitempty"`
	EnrolledCourses []string `dynamodbav:"enrolled_courses,stringset,omitempty" json:"enrolled_courses"`
}

type Store struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

// Get fetches a user. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, userID string) (*User, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            userKey(userID),
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var u User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

// AddEnrolledCourse adds courseID to the user's enrolled_courses set.
func (s *Store) AddEnrolledCourse(ctx context.Context, userID, courseID string) error {
	expr := "ADD enrolled_courses :c"
	cond := "attribute_exists(user_id)"
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 userKey(userID),
		UpdateExpression:    &expr,
		ConditionExpression: &cond,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberSS{Value: []string{courseID}},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return fmt.Errorf("update item (add enrolled course): %w", err)
	}
	return nil
}

func userKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: id},
	}
}
