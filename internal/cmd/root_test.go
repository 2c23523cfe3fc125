package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	SetVersionInfo("1.2.0", "abc123", "2026-01-15")
	assert.Equal(t, "1.2.0", versionInfo.Version)
	assert.Equal(t, "abc123", versionInfo.Commit)
	assert.Equal(t, "2026-01-15", versionInfo.BuildDate)
}

func TestVersionCommandOutput(t *testing.T) {
	origVersion := versionInfo.Version
	defer func() { versionInfo.Version = origVersion }()
	SetVersionInfo("9.9.9", "deadbeef", "2026-02-01")

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, out.String(), "9.9.9")
	assert.Contains(t, out.String(), "deadbeef")
}

func TestGeminiKeysAssignsPositionalIDs(t *testing.T) {
	keys := geminiKeys([]string{"sk-a", "sk-b", "sk-c"})
	require.Len(t, keys, 3)
	assert.Equal(t, "1", keys[0].ID)
	assert.Equal(t, "sk-a", keys[0].Secret)
	assert.Equal(t, "3", keys[2].ID)
}

func TestLoadRubricRejectsEmptyCriteria(t *testing.T) {
	path := writeTempFile(t, `{"id":"r1","name":"Essay","criteria":[]}`)
	_, err := loadRubric(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no criteria")
}

func TestLoadRubricParsesCriteria(t *testing.T) {
	path := writeTempFile(t, `{"id":"r1","name":"Essay","criteria":[{"id":"c1","name":"Argument","maxScore":60}]}`)
	rubric, err := loadRubric(path)
	require.NoError(t, err)
	assert.Equal(t, "r1", rubric.ID)
	require.Len(t, rubric.Criteria, 1)
	assert.Equal(t, float64(60), rubric.Criteria[0].MaxScore)
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rubric.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
