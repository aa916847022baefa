package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRequiresDatabaseURL(t *testing.T) {
	c := Config{}
	assert.Error(t, c.Validate())

	c.DatabaseURL = "postgres://localhost/db"
	assert.NoError(t, c.Validate())
}

func TestIsDevelopmentDefault(t *testing.T) {
	c := Load()
	assert.True(t, c.IsDevelopment())
}
