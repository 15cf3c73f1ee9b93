package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("X_STR", "v")
	t.Setenv("X_INT", "12")
	t.Setenv("X_BAD_INT", "twelve")
	t.Setenv("X_DUR", "90s")
	t.Setenv("X_BOOL", "false")
	t.Setenv("X_BAD_BOOL", "maybe")

	assert.Equal(t, "v", GetEnv("X_STR", "d"))
	assert.Equal(t, "d", GetEnv("X_UNSET", "d"))
	assert.Equal(t, 12, GetEnvInt("X_INT", 1))
	assert.Equal(t, 1, GetEnvInt("X_BAD_INT", 1))
	assert.Equal(t, 90*time.Second, GetEnvDuration("X_DUR", time.Second))
	assert.False(t, GetEnvBool("X_BOOL", true))
	assert.True(t, GetEnvBool("X_BAD_BOOL", true))
}

func TestGetEnvDate(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	t.Setenv("X_DATE", "2024-03-05")
	d, err := GetEnvDate("X_DATE", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, loc), d)

	d, err = GetEnvDate("X_NO_DATE", loc)
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	t.Setenv("X_DATE", "5 March")
	_, err = GetEnvDate("X_DATE", loc)
	assert.Error(t, err)
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("X_LIST", " NSE ,,BSE ")
	assert.Equal(t, []string{"NSE", "BSE"}, GetEnvList("X_LIST"))
	assert.Nil(t, GetEnvList("X_NO_LIST"))
}
