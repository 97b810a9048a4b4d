package templates

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "zkgate/pkg/domain-errors"
)

func TestTemplates(t *testing.T) {
	assert.Equal(t, []string{"age-verification", "pharma-rules", "shipping-rules"}, Names())

	for _, name := range Names() {
		b, err := Get(name)
		require.NoError(t, err, name)
		assert.True(t, json.Valid(b), name)
	}

	_, err := Get("../templates")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = Get("missing")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}
