// Package escalation decides which open document threads need a given role's attention.
package escalation

import (
	"fmt"
	"time"

	"admissions/api/internal/deadline"
	"admissions/api/internal/store"
)

// deadlinePastWindow is how many days past a deadline an item keeps escalating.
const deadlinePastWindow = -30

// NoAgeFilter disables the days-since-update filter.
const NoAgeFilter = -1

// Item is one thread surfaced for attention.
type Item struct {
	StudentID     string
	ApplicationID string
	School        string
	ProgramName   string
	Deadline      string
	DaysLeft      int
	Link          store.ThreadLink
}

// IsGeneral reports whether the item is a general (not program-specific) thread.
func (i Item) IsGeneral() bool {
	return i.ApplicationID == ""
}

// Label is the human readable scope of the item.
func (i Item) Label() string {
	if i.IsGeneral() {
		return i.Link.FileType
	}
	return fmt.Sprintf("%s %s %s", i.School, i.ProgramName, i.Link.FileType)
}

// scope enumerates the student's open thread links in digest order: general
// threads first, then each active application's threads in program order.
func scope(student store.Student, now time.Time) []Item {
	items := make([]Item, 0, len(student.GeneralDocThreads))
	nearest := deadline.Nearest(student.Applications, now)
	nearestDays, _ := deadline.DaysUntil(nearest, now)
	for _, link := range student.GeneralDocThreads {
		items = append(items, Item{
			StudentID: student.ID,
			Deadline:  nearest,
			DaysLeft:  nearestDays,
			Link:      link,
		})
	}
	for _, application := range student.Applications {
		if !application.IsDecided() || application.IsWithdrawn() {
			continue
		}
		label, err := deadline.ApplicationDeadline(application)
		if err != nil {
			label = deadline.FormatDeadline(application.ApplicationYear, "")
		}
		days, _ := deadline.DaysUntil(label, now)
		for _, link := range application.DocThreads {
			items = append(items, Item{
				StudentID:     student.ID,
				ApplicationID: application.ID,
				School:        application.Program.School,
				ProgramName:   application.Program.ProgramName,
				Deadline:      label,
				DaysLeft:      days,
				Link:          link,
			})
		}
	}
	return items
}

// Actionable returns the student's non-final threads that need the viewer's
// attention under the role's policy. When ageThresholdDays is not negative,
// only threads idle for more than that many days are returned.
func Actionable(student store.Student, viewerID, role string, ageThresholdDays int, now time.Time) []Item {
	policy, ok := PolicyFor(role)
	if !ok {
		return []Item{}
	}
	result := make([]Item, 0)
	for _, item := range scope(student, now) {
		if item.Link.IsFinalVersion {
			continue
		}
		if !policy.NeedsAttention(item.Link.LatestMessageAuthorID, viewerID) {
			continue
		}
		if ageThresholdDays >= 0 && deadline.DaysSince(item.Link.UpdatedAt, now) <= ageThresholdDays {
			continue
		}
		result = append(result, item)
	}
	return result
}

// DeadlineEscalations returns non-final threads whose deadline lies in the
// open window (-30, triggerDays) days from now, regardless of authorship.
func DeadlineEscalations(student store.Student, triggerDays int, now time.Time) []Item {
	result := make([]Item, 0)
	for _, item := range scope(student, now) {
		if item.Link.IsFinalVersion {
			continue
		}
		if item.DaysLeft <= deadlinePastWindow || item.DaysLeft >= triggerDays {
			continue
		}
		result = append(result, item)
	}
	return result
}
