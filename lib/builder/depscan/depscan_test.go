package depscan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func TestDiscover_FindsVenvDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".venv", "lib", "python3.11", "site-packages", "pkg", "__init__.py"), "")
	writeFile(t, filepath.Join(dir, "app.py"), "")

	files, err := Discover(dir, "", "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "lib/python3.11/site-packages/pkg/__init__.py", filepath.ToSlash(files[0].Rel[len(".venv")+1:]))
}

func TestDiscover_NoVenvDirectoryIsNilNotError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app.py"), "")

	files, err := Discover(dir, "", "")
	require.NoError(t, err)
	assert.Nil(t, files)
}

func TestDiscover_RequirementsFileMustExist(t *testing.T) {
	dir := t.TempDir()

	_, err := Discover(dir, "requirements.txt", "")
	require.Error(t, err)
}

func TestDiscover_RequirementsFilePresentTriggersVenvScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "requirements.txt"), "flask==3.0.0\n")
	writeFile(t, filepath.Join(dir, "venv", "lib", "site-packages", "flask", "__init__.py"), "")

	files, err := Discover(dir, "requirements.txt", "")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestDiscover_OfflineDepsDirTakesPrecedenceOverVenv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".venv", "a.txt"), "")
	writeFile(t, filepath.Join(dir, "vendor", "flask-3.0.0-py3-none-any.whl"), "")

	files, err := Discover(dir, "", "vendor")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(dir, "vendor", "flask-3.0.0-py3-none-any.whl"), files[0].Abs)
}

func TestDiscover_OfflineDepsDirMustExist(t *testing.T) {
	dir := t.TempDir()

	_, err := Discover(dir, "", "vendor")
	require.Error(t, err)
}

func TestDiscover_PrefersDotVenvOverVenv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".venv", "a.txt"), "")
	writeFile(t, filepath.Join(dir, "venv", "b.txt"), "")

	files, err := Discover(dir, "", "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(dir, ".venv", "a.txt"), files[0].Abs)
}
