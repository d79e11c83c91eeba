// Package blob stores thread attachments under "{studentId}/{threadId}/".
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"admissions/api/internal/store"
)

var ErrNotFound = errors.New("blob not found")

// Store is a key/value blob service.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	// RemovePrefix deletes every object under prefix and reports how many went.
	RemovePrefix(ctx context.Context, prefix string) (int, error)
}

var imageExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true, "svg": true,
}

// IsImage reports whether the file name carries an image extension.
func IsImage(name string) bool {
	return imageExtensions[extension(name)]
}

// ThreadPrefix is the working directory of a thread.
func ThreadPrefix(studentID, threadID string) string {
	return studentID + "/" + threadID + "/"
}

// Key places a file in the thread directory; images go under img/.
func Key(studentID, threadID, name string) string {
	name = path.Base(name)
	if IsImage(name) {
		return ThreadPrefix(studentID, threadID) + "img/" + name
	}
	return ThreadPrefix(studentID, threadID) + name
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// AttachmentName names an uploaded file after the student, the program (for
// program threads) and the document type, keeping the original extension:
// "Lovelace_Ada_TUM_Informatics_ML.pdf".
func AttachmentName(student store.Student, program *store.Program, fileType, original string) string {
	parts := []string{student.Lastname, student.Firstname}
	if program != nil {
		parts = append(parts, program.School, program.ProgramName)
	}
	parts = append(parts, fileType)
	for i, part := range parts {
		parts[i] = strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSpace(part), "_"), "_")
	}
	name := strings.Join(nonEmpty(parts), "_")
	if ext := extension(original); ext != "" {
		name += "." + ext
	}
	return name
}

// Versioned returns name, or name with the lowest free "_v{n}" suffix (n >= 2)
// when name is already taken in the thread.
func Versioned(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_v%d%s", base, n, ext)
		if !taken[candidate] {
			return candidate
		}
	}
}

// DuplicateExtension returns the first extension shared by two of the files.
func DuplicateExtension(names []string) (string, bool) {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		ext := extension(name)
		if seen[ext] {
			return ext, true
		}
		seen[ext] = true
	}
	return "", false
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

func nonEmpty(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Collector purges the working directory of finalized threads.
type Collector struct {
	store Store
}

func NewCollector(s Store) *Collector {
	return &Collector{store: s}
}

// Collect removes everything stored for the thread.
func (c *Collector) Collect(ctx context.Context, studentID, threadID string) (int, error) {
	if studentID == "" || threadID == "" {
		return 0, fmt.Errorf("collect: student and thread ids are required")
	}
	removed, err := c.store.RemovePrefix(ctx, ThreadPrefix(studentID, threadID))
	if err != nil {
		return removed, fmt.Errorf("collect %s/%s: %w", studentID, threadID, err)
	}
	return removed, nil
}
