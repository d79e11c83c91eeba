package escalation

import (
	"time"

	"admissions/api/internal/store"
)

var fixtureNow = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

func day(month time.Month, d int) time.Time {
	return time.Date(2025, month, d, 0, 0, 0, 0, time.UTC)
}

func link(id, fileType, author string, updated time.Time, final bool) store.ThreadLink {
	return store.ThreadLink{ThreadID: id, FileType: fileType, LatestMessageAuthorID: author, UpdatedAt: updated, IsFinalVersion: final}
}

func fixtureStudent() store.Student {
	return store.Student{
		ID:        "stu-1",
		Firstname: "Ada",
		Lastname:  "Lovelace",
		Agents:    []string{"agent-1"},
		Editors:   []string{"editor-1"},
		GeneralDocThreads: []store.ThreadLink{
			link("thr-cv", store.FileCV, "", day(time.April, 20), false),
			link("thr-rla", store.FileRLA, "editor-1", day(time.April, 25), false),
			link("thr-rlb", store.FileRLB, "stu-1", day(time.April, 1), true),
		},
		Applications: []store.Application{
			{
				ID:              "app-1",
				ApplicationYear: 2025,
				Decided:         store.FlagYes,
				Closed:          store.FlagPending,
				Program:         store.Program{School: "TUM", ProgramName: "Informatics", Semester: "WS", ApplicationDeadline: "05-31"},
				DocThreads: []store.ThreadLink{
					link("thr-ml", store.FileML, "stu-1", day(time.April, 28), false),
					link("thr-ess", store.FileEssay, "editor-1", day(time.April, 10), false),
				},
			},
			{
				ID:              "app-2",
				ApplicationYear: 2026,
				Decided:         store.FlagPending,
				Closed:          store.FlagPending,
				Program:         store.Program{School: "RWTH", ProgramName: "Data Science", Semester: "SS", ApplicationDeadline: "01-15"},
				DocThreads: []store.ThreadLink{
					link("thr-x", store.FileML, "", day(time.April, 1), false),
				},
			},
			{
				ID:              "app-3",
				ApplicationYear: 2025,
				Decided:         store.FlagYes,
				Closed:          store.FlagPending,
				Program:         store.Program{School: "LMU", ProgramName: "Physics", Semester: "WS", ApplicationDeadline: "rolling"},
				DocThreads: []store.ThreadLink{
					link("thr-sup", store.FileSupplementaryForm, "", day(time.March, 1), false),
				},
			},
		},
	}
}

func threadIDs(items []Item) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Link.ThreadID)
	}
	return ids
}
