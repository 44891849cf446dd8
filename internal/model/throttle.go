// internal/model/throttle.go
package model

import "time"

// ThrottleState is shared across every campaign that sends through the same
// provider resource. Version is the CAS counter for read-modify-write.
type ThrottleState struct {
	ResourceKey    string     `db:"resource_key" json:"resource_key"`
	TargetRate     float64    `db:"target_rate" json:"target_rate"`
	CooldownUntil  *time.Time `db:"cooldown_until" json:"cooldown_until,omitempty"`
	LastIncreaseAt *time.Time `db:"last_increase_at" json:"last_increase_at,omitempty"`
	Version        int64      `db:"version" json:"-"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// InCooldown reports whether the resource is still backing off.
func (s ThrottleState) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}
