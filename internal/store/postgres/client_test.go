package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSNPassesThroughExplicitString(t *testing.T) {
	cfg := ClientConfig{
		DSN:  "postgres://app:secret@db:5432/rebalancer?sslmode=require",
		Host: "ignored",
	}
	assert.Equal(t, cfg.DSN, DSN(cfg))
}

func TestDSNAssemblesFromFields(t *testing.T) {
	cfg := ClientConfig{
		Host:     "localhost",
		Database: "rebalancer",
		User:     "postgres",
		Password: "pw",
	}
	// Port and sslmode fall back to 5432 / disable.
	assert.Equal(t,
		"postgres://postgres:pw@localhost:5432/rebalancer?sslmode=disable",
		DSN(cfg),
	)
}
