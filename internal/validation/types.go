package validation

// CheckoutRequest is the payload for POST /purchases/checkout
type CheckoutRequest struct {
	CourseID string `json:"courseId" validate:"required,resource_id"` // catalog course id
}

// StatusParams are the path parameters of GET /purchases/:courseId/status
type StatusParams struct {
	CourseID string `uri:"courseId" validate:"required,resource_id"`
}
