package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"dukaan/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "123456"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigAcceptsHashedPIN(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("739154"), bcrypt.MinCost)
	require.NoError(t, err)

	err = validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: string(hashed)})
	assert.NoError(t, err)
}

func TestValidatePINStrength(t *testing.T) {
	for _, pin := range []string{"777777", "345678", "876543", "147258"} {
		assert.Error(t, validatePINStrength(pin), pin)
	}
	assert.NoError(t, validatePINStrength("739154"))
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger("chatty")
	assert.Error(t, err)

	logger, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
