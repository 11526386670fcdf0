package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeys(t *testing.T) {
	got, err := Canonical(map[string]interface{}{
		"zulu":  1,
		"alpha": "x",
		"mike":  true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mike":true,"zulu":1}`, string(got))
}

func TestCanonicalStableAcrossEquivalentInputs(t *testing.T) {
	type entry struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	s, err := Canonical(entry{A: "1", B: "2"})
	require.NoError(t, err)

	m, err := Canonical(map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)

	assert.Equal(t, string(m), string(s))
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	got, err := Canonical(map[string]string{"url": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"a<b>&c"}`, string(got))
}

func TestCanonicalNestedStructures(t *testing.T) {
	got, err := Canonical(map[string]interface{}{
		"outer": map[string]interface{}{"y": []int{1, 2}, "x": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"x":null,"y":[1,2]}}`, string(got))
}

func TestHashDeterministic(t *testing.T) {
	v := map[string]interface{}{"k": "v", "n": 42}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(map[string]interface{}{"n": 42, "k": "v"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashDiffersOnContentChange(t *testing.T) {
	h1, err := Hash(map[string]string{"k": "v"})
	require.NoError(t, err)
	h2, err := Hash(map[string]string{"k": "w"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
