package checkout

import (
	"context"

	"github.com/imrishuroy/go-course-purchase/internal/apperr"
	"github.com/imrishuroy/go-course-purchase/internal/catalog"
)

// PurchaseStatus is a course with its lectures and whether the caller bought it.
type PurchaseStatus struct {
	Course    *catalog.CourseDetail `json:"course"`
	Purchased bool                  `json:"purchased"`
}

// StatusQuery answers "did this caller buy this course". Reads are consistent and never
// cached.
type StatusQuery struct {
	courses CourseReader
	ledger  Ledger
}

func NewStatusQuery(courses CourseReader, ledger Ledger) *StatusQuery {
	return &StatusQuery{courses: courses, ledger: ledger}
}

func (q *StatusQuery) Get(ctx context.Context, courseID, callerID string) (PurchaseStatus, error) {
	detail, err := q.courses.CourseDetail(ctx, courseID)
	if err != nil {
		return PurchaseStatus{}, apperr.Storage("load course", err)
	}
	if detail == nil {
		return PurchaseStatus{}, apperr.NotFoundErr("course not found")
	}

	purchased, err := q.ledger.HasCompleted(ctx, callerID, courseID)
	if err != nil {
		return PurchaseStatus{}, apperr.Storage("read purchase status", err)
	}
	return PurchaseStatus{Course: detail, Purchased: purchased}, nil
}
