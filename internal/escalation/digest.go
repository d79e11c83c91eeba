package escalation

import (
	"fmt"
	"html"
	"strings"
	"time"

	"admissions/api/internal/store"
)

// Thresholds are the externally configured escalation triggers.
type Thresholds struct {
	AgeDays             int
	DeadlineTriggerDays int
}

// Section groups one student's escalations in a digest.
type Section struct {
	Student      store.Student
	Actionable   []Item
	Deadlines    []Item
	CourseUpdate bool
}

func (s Section) Empty() bool {
	return len(s.Actionable) == 0 && len(s.Deadlines) == 0 && !s.CourseUpdate
}

// BuildSections evaluates every active student for the viewer, preserving the
// order of students. Students with nothing to report are left out.
func BuildSections(students []store.Student, viewerID, role string, thresholds Thresholds, now time.Time) []Section {
	sections := make([]Section, 0, len(students))
	for _, student := range students {
		if !student.Active() {
			continue
		}
		section := Section{
			Student:    student,
			Actionable: Actionable(student, viewerID, role, thresholds.AgeDays, now),
			Deadlines:  DeadlineEscalations(student, thresholds.DeadlineTriggerDays, now),
		}
		if role == store.RoleStudent || role == store.RoleAgent {
			section.CourseUpdate = NeedsCourseUpdate(student, now)
		}
		if section.Empty() {
			continue
		}
		sections = append(sections, section)
	}
	return sections
}

// RenderDigest renders the sections as an HTML fragment in source order.
func RenderDigest(sections []Section, portalURL string) string {
	portalURL = strings.TrimRight(portalURL, "/")
	var b strings.Builder
	for _, section := range sections {
		name := strings.TrimSpace(section.Student.Firstname + " " + section.Student.Lastname)
		fmt.Fprintf(&b, "<h3>%s</h3>\n", html.EscapeString(name))
		if len(section.Actionable) > 0 {
			b.WriteString("<p>Threads waiting for you:</p>\n<ul>\n")
			for _, item := range section.Actionable {
				fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a> (updated %s)</li>\n",
					html.EscapeString(threadURL(portalURL, item.Link.ThreadID)),
					html.EscapeString(item.Label()),
					item.Link.UpdatedAt.UTC().Format("2006-01-02"),
				)
			}
			b.WriteString("</ul>\n")
		}
		if len(section.Deadlines) > 0 {
			b.WriteString("<p>Deadline approaching:</p>\n<ul>\n")
			for _, item := range section.Deadlines {
				fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a> deadline %s (%d days left)</li>\n",
					html.EscapeString(threadURL(portalURL, item.Link.ThreadID)),
					html.EscapeString(item.Label()),
					html.EscapeString(item.Deadline),
					item.DaysLeft,
				)
			}
			b.WriteString("</ul>\n")
		}
		if section.CourseUpdate {
			fmt.Fprintf(&b, "<p>Course selection needs an update: <a href=\"%s\">courses</a></p>\n",
				html.EscapeString(portalURL+"/my-courses/"+section.Student.ID))
		}
	}
	return b.String()
}

func threadURL(portalURL, threadID string) string {
	return portalURL + "/document-modification/" + threadID
}
