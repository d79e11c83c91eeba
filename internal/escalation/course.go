package escalation

import (
	"time"

	"admissions/api/internal/deadline"
	"admissions/api/internal/store"
)

// CourseAnalysisValidDays is how long a course analysis stays current.
const CourseAnalysisValidDays = 39

// NeedsCourseUpdate reports whether the student should update their course
// selection. Graduated students never do; students without a course record
// always do. A record analysed within CourseAnalysisValidDays and not edited
// after the analysis is current.
// TODO: confirm the 39-day rule with product; the previous portal always escalated.
func NeedsCourseUpdate(student store.Student, now time.Time) bool {
	if student.IsGraduated == "Yes" {
		return false
	}
	if student.Courses == nil {
		return true
	}
	analysed := student.Courses.AnalysisUpdatedAt
	if analysed == nil || student.Courses.UpdatedAt.After(*analysed) {
		return true
	}
	return deadline.DaysSince(*analysed, now) > CourseAnalysisValidDays
}
