package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInCooldown(t *testing.T) {
	now := time.Now()

	assert.False(t, ThrottleState{}.InCooldown(now))

	until := now.Add(time.Minute)
	assert.True(t, ThrottleState{CooldownUntil: &until}.InCooldown(now))
	assert.False(t, ThrottleState{CooldownUntil: &until}.InCooldown(now.Add(2*time.Minute)))
}
