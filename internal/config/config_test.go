package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateJWTSecretRejectsWeakSecrets(t *testing.T) {
	cases := []struct {
		name   string
		secret string
	}{
		{"empty", ""},
		{"too short", "short"},
		{"low diversity", string(make([]byte, 40))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, ValidateJWTSecret(tc.secret))
		})
	}
}

func TestValidateJWTSecretAcceptsStrongSecret(t *testing.T) {
	assert.NoError(t, ValidateJWTSecret("a1b2c3d4e5f6789012345678901234567890abcdef"))
}

func TestRotateSecretPreservesPreviousForTransition(t *testing.T) {
	InitializeKeyManager("a1b2c3d4e5f6789012345678901234567890abcdef")

	require.NoError(t, ValidateJWTSecret(GetCurrentSecret()))
	assert.Empty(t, GetPreviousSecret())

	newSecret := "ffeeddccbbaa998877665544332211009988776655"
	require.NoError(t, RotateSecret(newSecret))

	assert.Equal(t, newSecret, GetCurrentSecret())
	assert.Equal(t, "a1b2c3d4e5f6789012345678901234567890abcdef", GetPreviousSecret())

	current, previous, hasPrevious := GetAllActiveSecrets()
	assert.Equal(t, newSecret, current)
	assert.Equal(t, "a1b2c3d4e5f6789012345678901234567890abcdef", previous)
	assert.True(t, hasPrevious)
}

func TestRotateSecretRejectsWeakReplacement(t *testing.T) {
	InitializeKeyManager("a1b2c3d4e5f6789012345678901234567890abcdef")
	err := RotateSecret("short")
	assert.Error(t, err)
	assert.Equal(t, "a1b2c3d4e5f6789012345678901234567890abcdef", GetCurrentSecret())
}

func TestSetRotationIntervalEnforcesMinimum(t *testing.T) {
	InitializeKeyManager("a1b2c3d4e5f6789012345678901234567890abcdef")
	SetRotationInterval(5 * time.Minute)
	_, interval := GetRotationInfo()
	assert.Equal(t, time.Hour, interval, "intervals under one hour must clamp to the minimum")

	SetRotationInterval(2 * time.Hour)
	_, interval = GetRotationInfo()
	assert.Equal(t, 2*time.Hour, interval)
}

func TestShouldRotateReflectsElapsedInterval(t *testing.T) {
	InitializeKeyManager("a1b2c3d4e5f6789012345678901234567890abcdef")
	SetRotationInterval(time.Hour)
	assert.False(t, ShouldRotate(), "freshly initialized secret should not need rotation yet")
}

func TestGetJWTSecretRequiresInitialization(t *testing.T) {
	InitializeKeyManager("a1b2c3d4e5f6789012345678901234567890abcdef")
	secret, err := GetJWTSecret()
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4e5f6789012345678901234567890abcdef", secret)
}

func TestGetEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("E2EE_TEST_CONFIG_VAR", "")
	assert.Equal(t, "fallback", getEnv("E2EE_TEST_CONFIG_VAR_UNSET", "fallback"))

	t.Setenv("E2EE_TEST_CONFIG_VAR", "set-value")
	assert.Equal(t, "set-value", getEnv("E2EE_TEST_CONFIG_VAR", "fallback"))
}
