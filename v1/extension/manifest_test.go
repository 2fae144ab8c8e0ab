package extension

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		line  string
		names []string
		id    string
		ok    bool
	}{
		{line: "", ok: false},
		{line: "   # only a comment", ok: false},
		{line: "a.B", id: "a.B", ok: true},
		{line: "  name = a.B  # trailing", names: []string{"name"}, id: "a.B", ok: true},
		{line: "x, y ,,z=a.B", names: []string{"x", "y", "z"}, id: "a.B", ok: true},
		{line: "name=", ok: false},
		{line: "=a.B", id: "=a.B", ok: true},
	}
	for _, tc := range cases {
		e, ok := parseLine(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		if !tc.ok {
			continue
		}
		assert.Equal(t, tc.names, e.names, tc.line)
		assert.Equal(t, tc.id, e.id, tc.line)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "backend", KindBackend.String())
	assert.Equal(t, "decorator", KindDecorator.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}
