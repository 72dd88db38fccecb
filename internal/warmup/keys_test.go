package warmup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		raw  string
		want Key
	}{
		{"profile:u1", Profile("u1")},
		{"class:c1", Class("c1")},
		{"activity:a1", Activity("a1")},
		{"notifications:u1", Notifications("u1")},
		{"class_activities:c1", ClassActivities("c1")},
		{"class_members:c1", ClassMembers("c1")},
		{"user_classes:u1", UserClasses("u1")},
		{"class:org:42", Class("org:42")},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseKey(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.raw, got.String())
		})
	}
}

func TestParseKey_Rejects(t *testing.T) {
	for _, raw := range []string{"", "profile", "profile:", "classes:c1", "Profile:u1", ":x"} {
		_, err := ParseKey(raw)
		assert.ErrorIs(t, err, ErrUnknownKey, raw)
	}
}

func TestKind_TTL(t *testing.T) {
	assert.Less(t, KindNotifications.TTL(), KindProfile.TTL())
	assert.Equal(t, "unknown", Kind(0).String())
	assert.Positive(t, Kind(0).TTL())
}
