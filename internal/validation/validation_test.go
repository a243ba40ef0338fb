package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCheckoutRequest_Valid(t *testing.T) {
	v := New()

	for _, id := range []string{"course-1", "6f1c2b9e-7d1a-4c55-9a3e-2b7f0c1d4e5f", "go_101"} {
		if err := v.Struct(CheckoutRequest{CourseID: id}); err != nil {
			t.Fatalf("%q: expected valid, got error: %v", id, err)
		}
	}
}

func TestCheckoutRequest_Invalid(t *testing.T) {
	v := New()

	for _, id := range []string{"", "owner#u#c", "a b", strings.Repeat("x", 129)} {
		if err := v.Struct(CheckoutRequest{CourseID: id}); err == nil {
			t.Fatalf("%q: expected validation error, got nil", id)
		}
	}
}

func TestBindAndValidate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := New()

	tests := []struct {
		name    string
		body    string
		wantErr bool
		field   string
	}{
		{"ok", `{"courseId":"course-1"}`, false, ""},
		{"not json", `{`, true, ""},
		{"missing", `{}`, true, "CheckoutRequest.CourseID"},
		{"bad chars", `{"courseId":"session#x"}`, true, "CheckoutRequest.CourseID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			c.Request.Header.Set("Content-Type", "application/json")

			var req CheckoutRequest
			err := BindAndValidate(c, &req, v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.field == "" {
				return
			}
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Fatalf("fields = %v, want key %s", verr.Fields, tt.field)
			}
		})
	}
}

func TestValidResourceID(t *testing.T) {
	if !ValidResourceID("user-1") || ValidResourceID("user#1") || ValidResourceID("") {
		t.Fatalf("unexpected ValidResourceID results")
	}
}
