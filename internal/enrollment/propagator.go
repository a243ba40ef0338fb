// Package enrollment grants course access after a completed purchase by updating the
// lecture, user and course aggregates.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/imrishuroy/go-course-purchase/internal/accounts"
	"github.com/imrishuroy/go-course-purchase/internal/apperr"
	"github.com/imrishuroy/go-course-purchase/internal/aws"
	"github.com/imrishuroy/go-course-purchase/internal/catalog"
	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/purchases"
)

type CourseStore interface {
	GetCourse(ctx context.Context, courseID string) (*catalog.Course, error)
	UnlockLecture(ctx context.Context, lectureID string) error
	AddEnrolledStudent(ctx context.Context, courseID, userID string) error
}

type UserStore interface {
	AddEnrolledCourse(ctx context.Context, userID, courseID string) error
}

// Propagator applies the three enrollment updates. Every update is idempotent, so a
// partially applied propagation converges when it is run again.
type Propagator struct {
	courses   CourseStore
	users     UserStore
	retryConf config.RetryConfig
	log       *slog.Logger
}

func NewPropagator(courses CourseStore, users UserStore, retryConf config.RetryConfig, log *slog.Logger) *Propagator {
	return &Propagator{
		courses:   courses,
		users:     users,
		retryConf: retryConf,
		log:       log,
	}
}

// Propagate unlocks every lecture of the purchased course and records the enrollment on
// both the user and the course. Missing aggregates yield apperr.NotFound; anything else
// that survives the retries yields apperr.StorageUnavailable.
func (p *Propagator) Propagate(ctx context.Context, purchase purchases.Purchase) error {
	var course *catalog.Course
	err := p.withRetry(ctx, func() error {
		c, err := p.courses.GetCourse(ctx, purchase.CourseID)
		course = c
		return err
	})
	if err != nil {
		return apperr.Storage("load course", err)
	}
	if course == nil {
		return apperr.NotFoundErr(fmt.Sprintf("course %s not found", purchase.CourseID))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(step string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.withRetry(ctx, fn); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", step, err))
				mu.Unlock()
			}
		}()
	}

	run("unlock lectures", func() error {
		for _, id := range course.LectureIDs {
			if err := p.courses.UnlockLecture(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	run("enroll user", func() error {
		return p.users.AddEnrolledCourse(ctx, purchase.UserID, purchase.CourseID)
	})
	run("enroll student", func() error {
		return p.courses.AddEnrolledStudent(ctx, purchase.CourseID, purchase.UserID)
	})
	wg.Wait()

	if len(errs) == 0 {
		return nil
	}
	err = errors.Join(errs...)
	p.log.Warn("enrollment propagation incomplete",
		slog.String("purchase_id", purchase.PurchaseID),
		slog.Int("failed_steps", len(errs)),
		slog.Any("error", err))

	if errors.Is(err, catalog.ErrNotFound) || errors.Is(err, accounts.ErrNotFound) {
		return apperr.Wrap(apperr.NotFound, "enrollment target missing", err)
	}
	return apperr.Storage("enrollment propagation", err)
}

func (p *Propagator) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(p.retryConf.Attempts),
		retry.Delay(p.retryConf.Delay),
		retry.MaxDelay(p.retryConf.MaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return aws.IsRetryable(err)
		}),
	)
}
