package catalog

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-course-purchase/internal/aws"
)

// Store reads courses and lectures and applies the enrollment-side updates.
type Store struct {
	client        aws.DynamoDBAPI
	coursesTable  string
	lecturesTable string
}

func NewStore(client aws.DynamoDBAPI, coursesTable, lecturesTable string) *Store {
	return &Store{
		client:        client,
		coursesTable:  coursesTable,
		lecturesTable: lecturesTable,
	}
}

// GetCourse fetches a course with a consistent read. Returns (nil, nil) if not found.
func (s *Store) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	item, err := s.get(ctx, s.coursesTable, "course_id", courseID)
	if err != nil || item == nil {
		return nil, err
	}
	var c Course
	if err := attributevalue.UnmarshalMap(item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal course: %w", err)
	}
	return &c, nil
}

// GetLecture fetches a lecture. Returns (nil, nil) if not found.
func (s *Store) GetLecture(ctx context.Context, lectureID string) (*Lecture, error) {
	item, err := s.get(ctx, s.lecturesTable, "lecture_id", lectureID)
	if err != nil || item == nil {
		return nil, err
	}
	var l Lecture
	if err := attributevalue.UnmarshalMap(item, &l); err != nil {
		return nil, fmt.Errorf("unmarshal lecture: %w", err)
	}
	return &l, nil
}

// CourseDetail loads a course and its lectures. Lectures listed on the course but missing
// from the lectures table are skipped. Returns (nil, nil) if the course does not exist.
func (s *Store) CourseDetail(ctx context.Context, courseID string) (*CourseDetail, error) {
	c, err := s.GetCourse(ctx, courseID)
	if err != nil || c == nil {
		return nil, err
	}
	detail := &CourseDetail{Course: *c, Lectures: make([]Lecture, 0, len(c.LectureIDs))}
	for _, id := range c.LectureIDs {
		l, err := s.GetLecture(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lecture %s: %w", id, err)
		}
		if l != nil {
			detail.Lectures = append(detail.Lectures, *l)
		}
	}
	return detail, nil
}

// UnlockLecture sets is_preview on a lecture. Repeating it is harmless.
func (s *Store) UnlockLecture(ctx context.Context, lectureID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.lecturesTable,
		Key:                 key("lecture_id", lectureID),
		UpdateExpression:    awsString("SET is_preview = :t"),
		ConditionExpression: awsString("attribute_exists(lecture_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return fmt.Errorf("lecture %s: %w", lectureID, ErrNotFound)
		}
		return fmt.Errorf("update item (unlock lecture): %w", err)
	}
	return nil
}

// AddEnrolledStudent adds userID to the course's enrolled_students set. Set-union
// semantics make repeated calls converge.
func (s *Store) AddEnrolledStudent(ctx context.Context, courseID, userID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.coursesTable,
		Key:                 key("course_id", courseID),
		UpdateExpression:    awsString("ADD enrolled_students :u"),
		ConditionExpression: awsString("attribute_exists(course_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberSS{Value: []string{userID}},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return fmt.Errorf("course %s: %w", courseID, ErrNotFound)
		}
		return fmt.Errorf("update item (add enrolled student): %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, table, attr, id string) (map[string]types.AttributeValue, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &table,
		Key:            key(attr, id),
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func key(attr, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attr: &types.AttributeValueMemberS{Value: id},
	}
}

func awsString(s string) *string { return &s }
