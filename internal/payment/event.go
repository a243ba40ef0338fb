package payment

// EventKind is the closed set of processor notifications the lifecycle reacts to.
type EventKind int

const (
	// Unsupported events are acknowledged without any state change.
	Unsupported EventKind = iota
	PaymentSucceeded
	PaymentFailed
	SessionExpired
)

func (k EventKind) String() string {
	switch k {
	case PaymentSucceeded:
		return "payment_succeeded"
	case PaymentFailed:
		return "payment_failed"
	case SessionExpired:
		return "session_expired"
	}
	return "unsupported"
}

// Stripe event types mapped onto EventKind.
const (
	typeSessionCompleted      = "checkout.session.completed"
	typeAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	typeAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	typeSessionExpired        = "checkout.session.expired"
)

// Metadata keys attached to every checkout session.
const (
	MetaCourseID   = "courseId"
	MetaUserID     = "userId"
	MetaPurchaseID = "purchaseId"
)

// PaymentEvent is a verified, decoded processor notification.
type PaymentEvent struct {
	EventID         string
	SessionID       string
	Kind            EventKind
	ConfirmedAmount int64 // minor units
	Currency        string
	RawType         string
	CourseID        string
	UserID          string
	PurchaseID      string
}
