package openiap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	calls  int
	schema []byte
}

func (r *countingResolver) ResolveSchema(string) ([]byte, error) {
	r.calls++
	return r.schema, nil
}

// TEST720: Test resolved schemas and misses are cached per collection
func TestSchemaResolverCaching(t *testing.T) {
	r := &countingResolver{schema: []byte(`{"type":"object","required":["id"]}`)}
	v := NewSchemaValidatorWithResolver(r)

	require.NoError(t, v.ValidateDocument("items", `{"id":1}`))
	require.Error(t, v.ValidateDocument("items", `{}`))
	assert.Equal(t, 1, r.calls)

	r.schema = nil
	require.NoError(t, v.ValidateDocument("free", `{}`))
	require.NoError(t, v.ValidateDocument("free", `{}`))
	assert.Equal(t, 2, r.calls)
}

// TEST721: Test malformed documents and arrays are reported as invalid JSON
func TestSchemaInvalidJSON(t *testing.T) {
	v := NewSchemaValidator()
	require.NoError(t, v.Set("items", `{"type":"object"}`))

	err := v.ValidateDocuments("items", `{"not":"an array"}`)
	var sve *SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, "InvalidJson", sve.Type)

	err = v.ValidateDocument("items", `{broken`)
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, "InvalidJson", sve.Type)

	assert.NoError(t, v.ValidateDocument("unknown", `{broken`))
}

// TEST722: Test the file resolver reads <collection>.json and rejects path tricks
func TestFileSchemaResolver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json"), []byte(`{"type":"object"}`), 0o644))
	r := NewFileSchemaResolver(dir)

	data, err := r.ResolveSchema("users")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object"}`, string(data))

	data, err = r.ResolveSchema("absent")
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = r.ResolveSchema("../users")
	assert.Error(t, err)
	_, err = r.ResolveSchema("..")
	assert.Error(t, err)
}
