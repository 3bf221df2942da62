package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSecrets(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestEnvProvider(t *testing.T) {
	ctx := context.Background()
	p := NewEnvProvider("")
	assert.Equal(t, "env", p.Name())

	t.Setenv("MNEMO_EMBEDDING_API_KEY", "prefixed")
	val, err := p.Get(ctx, "embedding_api_key")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", val)

	t.Setenv("OPENAI_API_KEY", "bare")
	val, err = p.Get(ctx, "openai_api_key")
	require.NoError(t, err)
	assert.Equal(t, "bare", val)

	_, err = p.Get(ctx, "missing_key_xyz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	path := writeSecrets(t, `{"embedding_api_key": "from-file"}`)

	p, err := NewFileProvider(path)
	require.NoError(t, err)
	val, err := p.Get(ctx, "embedding_api_key")
	require.NoError(t, err)
	assert.Equal(t, "from-file", val)

	require.NoError(t, os.WriteFile(path, []byte(`{"embedding_api_key": "rotated"}`), 0o600))
	require.NoError(t, p.Reload())
	val, _ = p.Get(ctx, "embedding_api_key")
	assert.Equal(t, "rotated", val)

	_, err = p.Get(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileProvider_Errors(t *testing.T) {
	_, err := NewFileProvider("")
	assert.Error(t, err)

	p, err := NewFileProvider(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	_, err = p.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewFileProvider(writeSecrets(t, "not json"))
	assert.Error(t, err)
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	t.Setenv("MNEMO_ONLY_IN_ENV", "env-value")
	t.Setenv("MNEMO_SHADOWED", "env-value")

	r, err := NewResolver(Config{File: writeSecrets(t, `{"shadowed": "file-value"}`)})
	require.NoError(t, err)

	val, err := r.Resolve(ctx, "plain-key")
	require.NoError(t, err)
	assert.Equal(t, "plain-key", val)

	val, err = r.Resolve(ctx, "secret:shadowed")
	require.NoError(t, err)
	assert.Equal(t, "file-value", val)

	val, err = r.Resolve(ctx, "secret:only_in_env")
	require.NoError(t, err)
	assert.Equal(t, "env-value", val)

	_, err = r.Resolve(ctx, "secret:nowhere_to_be_found")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_Caches(t *testing.T) {
	ctx := context.Background()
	t.Setenv("MNEMO_TOKEN", "first")
	r, err := NewResolver(Config{})
	require.NoError(t, err)

	val, _ := r.Get(ctx, "token")
	assert.Equal(t, "first", val)
	t.Setenv("MNEMO_TOKEN", "second")
	val, _ = r.Get(ctx, "token")
	assert.Equal(t, "first", val)
}
