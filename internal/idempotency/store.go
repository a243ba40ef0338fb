package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-course-purchase/internal/aws"
)

// Store encapsulates event marker operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	lease     time.Duration // how long a claim blocks other deliveries
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// lease: how long an IN_PROGRESS claim is honoured (e.g. 2*time.Minute).
// Markers carry no TTL attribute and are kept for good.
func NewStore(client aws.DynamoDBAPI, tableName string, lease time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		lease:     lease,
		nowFunc:   time.Now,
	}
}

// Claim atomically takes the processing lease for eventID.
//
// A missing marker is created as IN_PROGRESS. An existing IN_PROGRESS marker whose lease
// expired (or was released) is taken over with an optimistic write on the lease value
// that was read, so two concurrent takeovers cannot both win.
func (s *Store) Claim(ctx context.Context, eventID string) (ClaimResult, error) {
	now := s.nowFunc().UTC()
	rec := EventRecord{
		EventID:        eventID,
		Status:         StatusInProgress,
		LeaseExpiresAt: now.Add(s.lease).Unix(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return ClaimBusy, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(event_id)"),
	})
	if err == nil {
		return ClaimAcquired, nil
	}
	if !aws.IsConditionalCheckFailed(err) {
		return ClaimBusy, fmt.Errorf("put item (claim): %w", err)
	}

	existing, err := s.Get(ctx, eventID)
	if err != nil {
		return ClaimBusy, err
	}
	switch {
	case existing == nil:
		// markers are never deleted, so the conditional put saw a marker that a
		// consistent read cannot find; let the next delivery retry
		return ClaimBusy, nil
	case existing.Status == StatusDone:
		return ClaimDone, nil
	case existing.LeaseExpiresAt > now.Unix():
		return ClaimBusy, nil
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 eventKey(eventID),
		UpdateExpression:    awsString("SET lease_expires_at = :lease, updated_at = :ua"),
		ConditionExpression: awsString("#s = :inprogress AND lease_expires_at = :seen"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":seen":       epochValue(existing.LeaseExpiresAt),
			":lease":      epochValue(now.Add(s.lease).Unix()),
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ClaimBusy, nil
		}
		return ClaimBusy, fmt.Errorf("update item (take over claim): %w", err)
	}
	return ClaimAcquired, nil
}

// Get retrieves a marker by event id with a consistent read. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, eventID string) (*EventRecord, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            eventKey(eventID),
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec EventRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone sets status to DONE. Once DONE the event is never processed again.
func (s *Store) MarkDone(ctx context.Context, eventID, purchaseID string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              eventKey(eventID),
		UpdateExpression: awsString("SET #s = :done, purchase_id = :pid, lease_expires_at = :zero, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":pid":  &types.AttributeValueMemberS{Value: purchaseID},
			":zero": epochValue(0),
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// Release gives the lease back so the next delivery can retry immediately. The marker
// stays IN_PROGRESS with the note; a DONE marker is left untouched.
func (s *Store) Release(ctx context.Context, eventID, note string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 eventKey(eventID),
		UpdateExpression:    awsString("SET lease_expires_at = :zero, note = :n, updated_at = :ua"),
		ConditionExpression: awsString("#s = :inprogress"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":zero":       epochValue(0),
			":n":          &types.AttributeValueMemberS{Value: note},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("update item (release): %w", err)
	}
	return nil
}

func eventKey(eventID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"event_id": &types.AttributeValueMemberS{Value: eventID},
	}
}

func epochValue(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// Helper
func awsString(s string) *string { return &s }
