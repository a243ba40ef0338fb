package purchases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-course-purchase/internal/aws"
)

// Indexes used by the reconciliation sweep.
const (
	// StatusCreatedIndex is the GSI (status, created_at).
	StatusCreatedIndex = "status_created_index"
	// PropagationDueIndex is the sparse GSI (propagation_due, created_at). Complete sets
	// propagation_due and MarkPropagated removes it.
	PropagationDueIndex = "propagation_due_index"
)

const propagationDue = "due"

// Store encapsulates operations on the purchases table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new purchases Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// now is truncated to whole seconds in UTC so created_at sorts lexically in the index.
func (s *Store) now() time.Time {
	return s.nowFunc().UTC().Truncate(time.Second)
}

// Create persists a new purchase. CreatedAt/UpdatedAt are set if empty.
func (s *Store) Create(ctx context.Context, p Purchase) error {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.CreatedAt = p.CreatedAt.UTC().Truncate(time.Second)
	p.UpdatedAt = now
	p.RecordType = recordPurchase

	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal purchase: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(purchase_id)"),
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches a purchase by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, purchaseID string) (*Purchase, error) {
	item, err := s.getItem(ctx, purchaseID)
	if err != nil || item == nil {
		return nil, err
	}
	var p Purchase
	if err := attributevalue.UnmarshalMap(item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal purchase: %w", err)
	}
	if p.RecordType != recordPurchase {
		return nil, nil
	}
	return &p, nil
}

// GetBySession resolves a purchase through its session guard. Returns (nil, nil) if the
// session id was never attached.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (*Purchase, error) {
	item, err := s.getItem(ctx, sessionKey(sessionID))
	if err != nil || item == nil {
		return nil, err
	}
	var g sessionGuard
	if err := attributevalue.UnmarshalMap(item, &g); err != nil {
		return nil, fmt.Errorf("unmarshal session guard: %w", err)
	}
	return s.Get(ctx, g.PurchaseRef)
}

// AttachSession binds an external session id to a pending purchase. The guard item and
// the purchase update are written in one transaction so a session id can never point at
// two purchases. Returns ErrSessionTaken or ErrStatusMismatch on conflicts.
func (s *Store) AttachSession(ctx context.Context, purchaseID, sessionID string) error {
	now := s.now()
	guard, err := attributevalue.MarshalMap(sessionGuard{
		PurchaseID:  sessionKey(sessionID),
		RecordType:  recordSession,
		PurchaseRef: purchaseID,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("marshal session guard: %w", err)
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                guard,
					ConditionExpression: awsString("attribute_not_exists(purchase_id)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           &s.tableName,
					Key:                 purchaseKey(purchaseID),
					UpdateExpression:    awsString("SET external_session_id = :sid, updated_at = :ua"),
					ConditionExpression: awsString("#s = :pending AND attribute_not_exists(external_session_id)"),
					ExpressionAttributeNames: map[string]string{
						"#s": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":sid":     &types.AttributeValueMemberS{Value: sessionID},
						":ua":      timeValue(now),
						":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
					},
				},
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, input)
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			if conditionFailed(tce, 0) {
				return ErrSessionTaken
			}
			if conditionFailed(tce, 1) {
				return ErrStatusMismatch
			}
		}
		return fmt.Errorf("transact write (attach session): %w", err)
	}
	return nil
}

// Complete moves a pending purchase to completed with the processor-confirmed amount and
// records the ownership marker in the same transaction.
// Returns ErrStatusMismatch if the purchase is no longer pending.
func (s *Store) Complete(ctx context.Context, p Purchase, confirmedAmount int64, eventID string) error {
	now := s.now()
	owner, err := attributevalue.MarshalMap(ownership{
		PurchaseID:  ownershipKey(p.UserID, p.CourseID),
		RecordType:  recordOwnership,
		PurchaseRef: p.PurchaseID,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("marshal ownership: %w", err)
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           &s.tableName,
					Key:                 purchaseKey(p.PurchaseID),
					UpdateExpression:    awsString("SET #s = :completed, amount = :amt, external_event_id = :eid, propagation_due = :due, updated_at = :ua"),
					ConditionExpression: awsString("#s = :pending"),
					ExpressionAttributeNames: map[string]string{
						"#s": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":completed": &types.AttributeValueMemberS{Value: string(StatusCompleted)},
						":pending":   &types.AttributeValueMemberS{Value: string(StatusPending)},
						":amt":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", confirmedAmount)},
						":eid":       &types.AttributeValueMemberS{Value: eventID},
						":due":       &types.AttributeValueMemberS{Value: propagationDue},
						":ua":        timeValue(now),
					},
				},
			},
			{
				Put: &types.Put{
					TableName: &s.tableName,
					Item:      owner,
				},
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, input)
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && conditionFailed(tce, 0) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("transact write (complete): %w", err)
	}
	return nil
}

// Fail moves a pending purchase to failed. eventID may be empty when the failure was
// decided locally (checkout error, reconciliation).
// Returns ErrStatusMismatch if the purchase is no longer pending.
func (s *Store) Fail(ctx context.Context, purchaseID, reason, eventID string) error {
	now := s.now()
	updateExpr := "SET #s = :failed, failure_reason = :r, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":failed":  &types.AttributeValueMemberS{Value: string(StatusFailed)},
		":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
		":r":       &types.AttributeValueMemberS{Value: reason},
		":ua":      timeValue(now),
	}
	if eventID != "" {
		updateExpr += ", external_event_id = :eid"
		values[":eid"] = &types.AttributeValueMemberS{Value: eventID}
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       purchaseKey(purchaseID),
		UpdateExpression:          &updateExpr,
		ConditionExpression:       awsString("#s = :pending"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item (fail): %w", err)
	}
	return nil
}

// MarkPropagated records that enrollment propagation finished. Calling it again for an
// already propagated purchase is a no-op; calling it for a purchase that is not completed
// returns ErrStatusMismatch.
func (s *Store) MarkPropagated(ctx context.Context, purchaseID string) error {
	now := s.now()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 purchaseKey(purchaseID),
		UpdateExpression:    awsString("SET propagated_at = :pa, updated_at = :ua REMOVE propagation_due"),
		ConditionExpression: awsString("#s = :completed AND attribute_not_exists(propagated_at)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(StatusCompleted)},
			":pa":        timeValue(now),
			":ua":        timeValue(now),
		},
	})
	if err == nil {
		return nil
	}
	if !aws.IsConditionalCheckFailed(err) {
		return fmt.Errorf("update item (mark propagated): %w", err)
	}

	p, getErr := s.Get(ctx, purchaseID)
	if getErr != nil {
		return getErr
	}
	if p != nil && p.Status == StatusCompleted {
		return nil
	}
	return ErrStatusMismatch
}

// HasCompleted reports whether userID owns a completed purchase of courseID.
// It reads the ownership marker with a strongly consistent read.
func (s *Store) HasCompleted(ctx context.Context, userID, courseID string) (bool, error) {
	item, err := s.getItem(ctx, ownershipKey(userID, courseID))
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

// ListByStatus returns up to limit purchases in status created before the cutoff, oldest
// first, using the (status, created_at) index. Index reads are eventually consistent;
// callers must rely on guarded writes.
func (s *Store) ListByStatus(ctx context.Context, status Status, before time.Time, limit int32) ([]Purchase, error) {
	return s.query(ctx, statusQuery(s.tableName, status, before), limit)
}

// ListOrphaned returns up to limit pending purchases created before the cutoff that never
// got a checkout session. The filter runs per page, so pages are followed until limit
// matches are found or the index is exhausted.
func (s *Store) ListOrphaned(ctx context.Context, before time.Time, limit int32) ([]Purchase, error) {
	input := statusQuery(s.tableName, StatusPending, before)
	input.FilterExpression = awsString("attribute_not_exists(external_session_id)")
	return s.query(ctx, input, limit)
}

// ListUnpropagated returns up to limit completed purchases created before the cutoff whose
// enrollment propagation has not finished. It reads the sparse propagation index, which
// holds only purchases between Complete and MarkPropagated.
func (s *Store) ListUnpropagated(ctx context.Context, before time.Time, limit int32) ([]Purchase, error) {
	return s.query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(PropagationDueIndex),
		KeyConditionExpression: awsString("propagation_due = :due AND created_at < :before"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":due":    &types.AttributeValueMemberS{Value: propagationDue},
			":before": timeValue(before.UTC().Truncate(time.Second)),
		},
	}, limit)
}

func statusQuery(table string, status Status, before time.Time) *dyn.QueryInput {
	return &dyn.QueryInput{
		TableName:              &table,
		IndexName:              awsString(StatusCreatedIndex),
		KeyConditionExpression: awsString("#s = :st AND created_at < :before"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":     &types.AttributeValueMemberS{Value: string(status)},
			":before": timeValue(before.UTC().Truncate(time.Second)),
		},
	}
}

// query follows LastEvaluatedKey until limit items are collected (limit <= 0 reads all).
func (s *Store) query(ctx context.Context, input *dyn.QueryInput, limit int32) ([]Purchase, error) {
	if limit > 0 {
		input.Limit = &limit
	}

	var list []Purchase
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", deref(input.IndexName), err)
		}
		var page []Purchase
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal purchases: %w", err)
		}
		list = append(list, page...)

		if limit > 0 && int32(len(list)) >= limit {
			return list[:limit], nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return list, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) getItem(ctx context.Context, key string) (map[string]types.AttributeValue, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            purchaseKey(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func purchaseKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"purchase_id": &types.AttributeValueMemberS{Value: id},
	}
}

// conditionFailed reports whether the i-th transact item failed its condition.
func conditionFailed(tce *types.TransactionCanceledException, i int) bool {
	if i >= len(tce.CancellationReasons) {
		return false
	}
	code := tce.CancellationReasons[i].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

// timeValue encodes t the same way attributevalue encodes time.Time fields.
func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.Format(time.RFC3339Nano)}
}

func awsString(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func awsBool(b bool) *bool { return &b }
