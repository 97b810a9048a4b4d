package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "zkgate/pkg/domain-errors"
)

func TestParseTenantID(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseTenantID("  ")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects characters outside the slug alphabet", func(t *testing.T) {
		for _, in := range []string{"acme corp", "-acme", "acme/../x", strings.Repeat("a", 64)} {
			_, err := ParseTenantID(in)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), in)
		}
	})

	t.Run("normalises case and whitespace", func(t *testing.T) {
		tenant, err := ParseTenantID(" ACME-Pharma ")
		require.NoError(t, err)
		assert.Equal(t, TenantID("acme-pharma"), tenant)
	})
}

func TestParseProgramIdentity(t *testing.T) {
	t.Run("round-trips through String", func(t *testing.T) {
		pid := IdentityOf([]byte("artifact"))
		parsed, err := ParseProgramIdentity(pid.String())
		require.NoError(t, err)
		assert.Equal(t, pid, parsed)
	})

	t.Run("rejects zero identity", func(t *testing.T) {
		_, err := ParseProgramIdentity(strings.Repeat("0", 64))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects wrong length and non-hex", func(t *testing.T) {
		_, err := ParseProgramIdentity("abcd")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		_, err = ParseProgramIdentity(strings.Repeat("zz", 32))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("identity depends on every byte", func(t *testing.T) {
		assert.NotEqual(t, IdentityOf([]byte("a")), IdentityOf([]byte("b")))
	})
}

func TestParseNullifier(t *testing.T) {
	hexToken := strings.Repeat("ab", 32)

	n, err := ParseNullifier("0x" + hexToken)
	require.NoError(t, err)
	assert.Equal(t, hexToken, n.String())

	_, err = NullifierFromBytes([]byte{1, 2, 3})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestParseJobID(t *testing.T) {
	_, err := ParseJobID(uuid.Nil.String())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	id := NewJobID()
	parsed, err := ParseJobID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}
