package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type fake struct {
	d     Descriptor
	panic bool
}

func (f fake) Descriptor() Descriptor {
	if f.panic {
		panic("broken module")
	}
	return f.d
}
func (fake) Instantiate(context.Context, Config) (Handle, error) { return nil, errors.New("unused") }
func (fake) Shutdown(Handle) error                               { return nil }

func desc(name string, fields ...Field) Descriptor {
	return Descriptor{Name: name, Category: "test", ConfigSchema: fields, Operations: []Operation{{Name: "run"}}}
}

func TestRegistryExcludesInvalidModules(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()
	reg := NewRegistry(log,
		fake{d: desc("calendar", Field{Key: "api_key", Type: TypeString, Sensitive: true})},
		fake{d: desc("Bad Name")},
		fake{d: desc("weird", Field{Key: "x", Type: "blob"})},
		fake{d: desc("dupkeys", Field{Key: "a", Type: TypeString}, Field{Key: "a", Type: TypeInt})},
		fake{d: desc("baddefault", Field{Key: "n", Type: TypeInt, Default: "ten"})},
		fake{d: desc("calendar")},
		fake{panic: true},
		nil,
		fake{d: desc("mail", Field{Key: "from", Type: TypeString, Required: true})},
	)

	assert.Equal(t, []string{"calendar", "mail"}, reg.Names())
	d, ok := reg.Descriptor("calendar")
	assert.True(t, ok)
	f, ok := d.Field("api_key")
	assert.True(t, ok)
	assert.True(t, f.Sensitive)

	_, ok = reg.Lookup("weird")
	assert.False(t, ok)
	assert.Len(t, reg.Descriptors(), 2)
}

func TestFieldCheck(t *testing.T) {
	t.Parallel()
	cases := []struct {
		typ   FieldType
		value string
		ok    bool
	}{
		{TypeString, "anything", true},
		{TypeInt, "42", true},
		{TypeInt, "4.2", false},
		{TypeBool, "true", true},
		{TypeBool, "yes", false},
		{TypeURL, "https://api.example.com/v1", true},
		{TypeURL, "/relative", false},
		{TypeDuration, "15s", true},
		{TypeDuration, "15", false},
	}
	for _, tc := range cases {
		err := Field{Key: "k", Type: tc.typ}.Check(tc.value)
		if tc.ok {
			assert.NoError(t, err, "%s %q", tc.typ, tc.value)
		} else {
			assert.Error(t, err, "%s %q", tc.typ, tc.value)
		}
	}
}

func TestDefaultsAndMissing(t *testing.T) {
	t.Parallel()
	d := desc("x",
		Field{Key: "a", Type: TypeString, Default: "dflt"},
		Field{Key: "b", Type: TypeString, Required: true},
	)
	cfg := WithDefaults(d, map[string]string{"ignored": "1"})
	assert.Equal(t, Config{"a": "dflt"}, cfg)
	assert.Equal(t, []string{"b"}, Missing(d, cfg))
}
