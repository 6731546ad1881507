package provision

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/space-intake-api/internal/models"
	"github.com/noah-isme/space-intake-api/pkg/storage"
)

func newTestMaterializer(t *testing.T) (*Materializer, string) {
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	return New(store, "relay.example.com", []string{"admin1", "admin2"}), dir
}

func testApp() *models.Application {
	return &models.Application{
		Schema:      "gardeners",
		Pubkey:      "ab12cd34",
		Name:        "Gardeners",
		Description: "A space for gardeners",
		Image:       "https://img.example/g.png",
		Metadata:    models.Metadata{},
	}
}

func TestWriteRendersDocument(t *testing.T) {
	m, dir := newTestMaterializer(t)

	host, err := m.Write(testApp(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "gardeners.relay.example.com", host)

	raw, err := os.ReadFile(filepath.Join(dir, "gardeners.yml"))
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	assert.Equal(t, "gardeners.relay.example.com", doc["host"])
	assert.Equal(t, "gardeners", doc["schema"])
	assert.Equal(t, "s3cret", doc["secret"])
	assert.Equal(t, []interface{}{"admin1", "admin2"}, doc["admins"])

	info := doc["info"].(map[string]interface{})
	assert.Equal(t, "Gardeners", info["name"])
	assert.Equal(t, "ab12cd34", info["pubkey"])
}

func TestWriteOverwritesPrevious(t *testing.T) {
	m, dir := newTestMaterializer(t)

	_, err := m.Write(testApp(), "first")
	require.NoError(t, err)
	_, err = m.Write(testApp(), "second")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "gardeners.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "second")
	assert.NotContains(t, string(raw), "first")
}

func TestSetPathChangesOnlyTargetKey(t *testing.T) {
	m, _ := newTestMaterializer(t)
	_, err := m.Write(testApp(), "s3cret")
	require.NoError(t, err)

	require.NoError(t, m.SetPath("gardeners", "info.pubkey", "ff00ff00"))

	raw, err := m.store.Load("gardeners.yml")
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(raw, &doc))

	info := doc["info"].(map[string]interface{})
	assert.Equal(t, "ff00ff00", info["pubkey"])
	assert.Equal(t, "Gardeners", info["name"])
	assert.Equal(t, "A space for gardeners", info["description"])
	assert.Equal(t, "s3cret", doc["secret"])
}

func TestSetPathUnknownKey(t *testing.T) {
	m, _ := newTestMaterializer(t)
	_, err := m.Write(testApp(), "s3cret")
	require.NoError(t, err)

	err = m.SetPath("gardeners", "info.nope", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "info.nope")
}

func TestRemoveMissingFileIsNoError(t *testing.T) {
	m, _ := newTestMaterializer(t)
	assert.NoError(t, m.Remove("never-created"))
}

func TestExists(t *testing.T) {
	m, _ := newTestMaterializer(t)
	assert.False(t, m.Exists("gardeners"))

	_, err := m.Write(testApp(), "s3cret")
	require.NoError(t, err)
	assert.True(t, m.Exists("gardeners"))

	require.NoError(t, m.Remove("gardeners"))
	assert.False(t, m.Exists("gardeners"))
}
