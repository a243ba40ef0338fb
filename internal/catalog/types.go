package catalog

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an update targets a course or lecture that does not exist.
var ErrNotFound = errors.New("catalog item not found")

// Course is owned by the catalog service; this package only reads it and adds enrolled
// students.
type Course struct {
	CourseID         string    `dynamodbav:"course_id" json:"id"` // PK
	Title            string    `dynamodbav:"title" json:"title"`
	Subtitle         string    `dynamodbav:"subtitle,omitempty" json:"subtitle,omitempty"`
	Description      string    `dynamodbav:"description,omitempty" json:"description,omitempty"`
	Category         string    `dynamodbav:"category,omitempty" json:"category,omitempty"`
	Level            string    `dynamodbav:"level,omitempty" json:"level,omitempty"`
	Price            int64     `dynamodbav:"price" json:"price"` // minor units
	Thumbnail        string    `dynamodbav:"thumbnail,omitempty" json:"thumbnail,omitempty"`
	InstructorID     string    `dynamodbav:"instructor_id" json:"instructor_id"`
	InstructorName   string    `dynamodbav:"instructor_name,omitempty" json:"instructor_name,omitempty"`
	LectureIDs       []string  `dynamodbav:"lecture_ids" json:"lecture_ids"`
	EnrolledStudents []string  `dynamodbav:"enrolled_students,stringset,omitempty" json:"enrolled_students"`
	IsPublished      bool      `dynamodbav:"is_published" json:"is_published"`
	CreatedAt        time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt        time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// Lecture is a single lesson. IsPreview grants access without a purchase.
type Lecture struct {
	LectureID string `dynamodbav:"lecture_id" json:"id"` // PK
	CourseID  string `dynamodbav:"course_id" json:"course_id"`
	Title     string `dynamodbav:"title" json:"title"`
	VideoURL  string `dynamodbav:"video_url,omitempty" json:"video_url,omitempty"`
	Duration  int    `dynamodbav:"duration" json:"duration"` // seconds
	IsPreview bool   `dynamodbav:"is_preview" json:"is_preview"`
}

// CourseDetail is a course with its lectures resolved, in lecture order.
type CourseDetail struct {
	Course
	Lectures []Lecture `json:"lectures"`
}
