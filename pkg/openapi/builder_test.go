package openapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGroupsOperationsByPath(t *testing.T) {
	t.Parallel()
	d := New("gatehouse", "1.0.0", "https://gw.example.com")
	d.Add(Operation{Method: "POST", Path: "/v1/tools/echo/say", Summary: "say", Tags: []string{"echo"},
		Permissions: []string{"tools:invoke"}})
	d.Add(Operation{Method: "POST", Path: "/v1/tools/httpapi/request", Summary: "request"})

	doc := d.Build()
	paths := doc["paths"].(map[string]any)
	require.Len(t, paths, 2)
	say := paths["/v1/tools/echo/say"].(map[string]any)["post"].(map[string]any)
	assert.Equal(t, []string{"tools:invoke"}, say["x-required-permissions"])
	assert.Contains(t, say["responses"], "504")
	assert.Equal(t, []map[string]any{{"url": "https://gw.example.com"}}, doc["servers"])
}

func TestWriteServesJSON(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	New("gatehouse", "1.0.0", "").Write(rec)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "3.1.0", got["openapi"])
	assert.NotContains(t, got, "servers")
}
