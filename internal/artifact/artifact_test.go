package artifact

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDir_JSON(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "doc-1"))
	require.NoError(t, err)

	type report struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	require.NoError(t, d.WriteJSON(AuditReport, report{OK: false, Reason: "Kṛṣṇa <&>"}))

	raw, err := os.ReadFile(d.File(AuditReport))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"reason": "Kṛṣṇa <&>"`, "indented, unescaped output")

	var got report
	require.NoError(t, d.ReadJSON(AuditReport, &got))
	assert.Equal(t, "Kṛṣṇa <&>", got.Reason)
}

func TestDir_Text(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	assert.False(t, d.Exists(FinalText))
	require.NoError(t, d.WriteText(FinalText, "first"))
	require.NoError(t, d.WriteText(FinalText, "second"))
	assert.True(t, d.Exists(FinalText))

	got, err := d.ReadText(FinalText)
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	entries, err := os.ReadDir(d.Path())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".forja-tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestDir_ReadMissing(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = d.ReadText(EditedText)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorIs(t, d.ReadJSON(RunReport, &struct{}{}), fs.ErrNotExist)
}
