package anthropic

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumberLines(t *testing.T) {
	content := "one\ntwo\nthree\n"

	assert.Equal(t, "     1\tone\n     2\ttwo\n     3\tthree\n", numberLines(content, 0, 0))
	assert.Equal(t, "     2\ttwo\n", numberLines(content, 2, 1))
	assert.Equal(t, "(file has 3 lines)", numberLines(content, 10, 5))
	assert.Equal(t, "(empty file)", numberLines("", 0, 0))
}

func TestReadTool(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "content"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "content", "about.md"), []byte("line a\nline b\n"), 0o644))

	out, err := readTool(root, map[string]any{"file_path": "content/about.md"})
	require.NoError(t, err)
	assert.Contains(t, out, "1\tline a")

	// JSON numbers arrive as float64.
	out, err = readTool(root, map[string]any{"file_path": "content/about.md", "offset": float64(2), "limit": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, "     2\tline b\n", out)

	_, err = readTool(root, map[string]any{})
	assert.ErrorIs(t, err, errMissingPath)

	_, err = readTool(root, map[string]any{"file_path": "missing.md"})
	assert.ErrorContains(t, err, "does not exist")

	_, err = readTool(root, map[string]any{"file_path": "content"})
	assert.ErrorContains(t, err, "is a directory")
}

func TestSkillTool(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".claude", "skills", "resume")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# Resume\n"), 0o644))

	out, err := skillTool(root, map[string]any{"skill": "resume"})
	require.NoError(t, err)
	assert.Equal(t, "# Resume\n", out)

	_, err = skillTool(root, map[string]any{"skill": "../../etc"})
	assert.ErrorIs(t, err, errBadSkill)

	_, err = skillTool(root, map[string]any{"skill": "unknown"})
	assert.ErrorContains(t, err, "not available")
}

func TestExecuteToolUnknown(t *testing.T) {
	out, isError := executeTool(t.TempDir(), "Bash", map[string]any{"command": "ls"})
	assert.True(t, isError)
	assert.Contains(t, out, "not available")
}

func TestOfferedTools(t *testing.T) {
	profiles, _ := newProfiles(t)

	chat, err := offeredTools(profiles.Conversational())
	require.NoError(t, err)
	require.Len(t, chat, 2)
	assert.Equal(t, "Read", chat[0].OfTool.Name)
	assert.Equal(t, "Skill", chat[1].OfTool.Name)

	raw, err := json.Marshal(chat[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "file_path")
	assert.False(t, strings.Contains(string(raw), "$schema"))

	view, err := offeredTools(profiles.StructuredView())
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, viewToolName, view[0].OfTool.Name)
}
