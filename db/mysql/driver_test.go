package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN(t *testing.T) {
	out, err := NormalizeDSN("quest:pw@tcp(db:3306)/questboard")
	require.NoError(t, err)
	assert.Contains(t, out, "parseTime=true")
	assert.Contains(t, out, "charset=utf8mb4")
	assert.Contains(t, out, "tcp(db:3306)/questboard")
}

func TestNormalizeDSN_KeepsExplicitCharset(t *testing.T) {
	out, err := NormalizeDSN("quest:pw@tcp(db:3306)/questboard?charset=utf8")
	require.NoError(t, err)
	assert.Contains(t, out, "charset=utf8")
	assert.NotContains(t, out, "utf8mb4")
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	_, err := NormalizeDSN("not a dsn")
	assert.Error(t, err)
}
