package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admissions/api/internal/store"
)

func TestKeyConvention(t *testing.T) {
	assert.Equal(t, "stu-1/thr-1/", ThreadPrefix("stu-1", "thr-1"))
	assert.Equal(t, "stu-1/thr-1/Lovelace_Ada_CV.pdf", Key("stu-1", "thr-1", "Lovelace_Ada_CV.pdf"))
	assert.Equal(t, "stu-1/thr-1/img/scan.PNG", Key("stu-1", "thr-1", "scan.PNG"))
	assert.Equal(t, "stu-1/thr-1/passwd", Key("stu-1", "thr-1", "../../etc/passwd"))
}

func TestAttachmentName(t *testing.T) {
	student := store.Student{Firstname: "Ada", Lastname: "Lovelace"}

	assert.Equal(t, "Lovelace_Ada_CV.pdf", AttachmentName(student, nil, store.FileCV, "my cv.PDF"))
	assert.Equal(t, "Lovelace_Ada_TU_M_nchen_Data_Science_ML.docx",
		AttachmentName(student, &store.Program{School: "TU München", ProgramName: "Data Science"}, store.FileML, "draft.docx"))
	assert.Equal(t, "Lovelace_Ada_Essay", AttachmentName(student, nil, store.FileEssay, "noext"))
}

func TestVersioned(t *testing.T) {
	taken := map[string]bool{}
	assert.Equal(t, "Lovelace_Ada_CV.pdf", Versioned("Lovelace_Ada_CV.pdf", taken))

	taken["Lovelace_Ada_CV.pdf"] = true
	taken["Lovelace_Ada_CV_v2.pdf"] = true
	assert.Equal(t, "Lovelace_Ada_CV_v3.pdf", Versioned("Lovelace_Ada_CV.pdf", taken))
	assert.Equal(t, "Lovelace_Ada_CV.docx", Versioned("Lovelace_Ada_CV.docx", taken))
}

func TestDuplicateExtension(t *testing.T) {
	ext, dup := DuplicateExtension([]string{"a.pdf", "b.docx", "c.PDF"})
	assert.True(t, dup)
	assert.Equal(t, "pdf", ext)

	_, dup = DuplicateExtension([]string{"a.pdf", "b.docx", "c.png"})
	assert.False(t, dup)
}

func TestCollectorPurgesOnlyThreadDirectory(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	for _, key := range []string{"stu-1/thr-1/a.pdf", "stu-1/thr-1/img/x.png", "stu-1/thr-10/b.pdf", "stu-2/thr-1/c.pdf"} {
		require.NoError(t, mem.Put(ctx, key, strings.NewReader("data"), 4, "application/octet-stream"))
	}

	removed, err := NewCollector(mem).Collect(ctx, "stu-1", "thr-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"stu-1/thr-10/b.pdf", "stu-2/thr-1/c.pdf"}, mem.Keys())
}

func TestCollectorRequiresIDs(t *testing.T) {
	_, err := NewCollector(NewMemoryStore()).Collect(context.Background(), "", "thr-1")
	assert.Error(t, err)
}

func TestMemoryStoreGet(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.Put(ctx, "k", strings.NewReader("hello"), 5, "text/plain"))

	rc, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(data))

	_, err = mem.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
