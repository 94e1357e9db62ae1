package problems

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("mount: %w", ModuleNotEnabled("calendar"))

	assert.ErrorIs(t, err, ErrModuleNotEnabled)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
}

func TestInstantiationSubkinds(t *testing.T) {
	t.Parallel()
	bad := BadConfiguration("mail", "base_url is not a URL", nil)
	dep := DependencyUnavailable("mail", "upstream down", errors.New("dial tcp"))

	assert.ErrorIs(t, bad, ErrModuleInstantiationFailed)
	assert.ErrorIs(t, bad, ErrBadConfiguration)
	assert.NotErrorIs(t, bad, ErrDependencyUnavailable)
	assert.ErrorIs(t, dep, ErrModuleInstantiationFailed)
	assert.ErrorIs(t, dep, ErrDependencyUnavailable)
	assert.NotErrorIs(t, ErrModuleInstantiationFailed, ErrBadConfiguration)
}

func TestWriteCarriesActionableFields(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		err    error
		status int
		field  string
		value  string
	}{
		{"permission", PermissionDenied("roles:assign"), http.StatusForbidden, "permission", "roles:assign"},
		{"module", ModuleNotEnabled("calendar"), http.StatusNotFound, "module", "calendar"},
		{"setup", NotBootstrapped("complete_setup"), http.StatusServiceUnavailable, "setup_step", "complete_setup"},
		{"decrypt", DecryptionFailed("b", "a"), http.StatusUnprocessableEntity, "keys", "a,b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			Write(rec, fmt.Errorf("wrapped: %w", tc.err))

			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			var doc Document
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
			assert.Equal(t, tc.value, doc.Fields[tc.field])
		})
	}
}

func TestUnknownErrorsDoNotLeak(t *testing.T) {
	t.Parallel()
	doc := From(errors.New("pq: password authentication failed for user admin"))

	assert.Equal(t, http.StatusInternalServerError, doc.Status)
	assert.Empty(t, doc.Detail)
	assert.Equal(t, Kind("internal"), doc.Kind)
}

func TestTimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	doc := From(InstantiationTimeout("mail"))

	assert.True(t, doc.Retryable)
	assert.Equal(t, http.StatusGatewayTimeout, doc.Status)
}
