package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors(t *testing.T) {
	h := NewHealthy("pool", "8 active sessions")
	assert.True(t, h.IsHealthy())
	assert.True(t, h.Healthy)
	assert.False(t, h.Timestamp.IsZero())

	u := NewUnhealthy("transport", "disconnected")
	assert.True(t, u.IsUnhealthy())
	assert.False(t, u.Healthy)

	d := NewDegraded("pool", "near capacity")
	assert.True(t, d.IsDegraded())
	assert.False(t, d.Healthy)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{
			name: "empty is healthy",
			want: StateHealthy,
		},
		{
			name: "all healthy",
			subs: []Status{NewHealthy("a", ""), NewHealthy("b", "")},
			want: StateHealthy,
		},
		{
			name: "one unhealthy dominates",
			subs: []Status{NewHealthy("a", ""), NewDegraded("b", ""), NewUnhealthy("c", "")},
			want: StateUnhealthy,
		},
		{
			name: "degraded without unhealthy",
			subs: []Status{NewHealthy("a", ""), NewDegraded("b", "")},
			want: StateDegraded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_CopiesSubStatuses(t *testing.T) {
	subs := []Status{NewHealthy("a", "")}
	got := Aggregate("system", subs)

	subs[0].Status = StateUnhealthy
	assert.True(t, got.SubStatuses[0].IsHealthy())
}
