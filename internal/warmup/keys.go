package warmup

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownKey is returned by ParseKey for a prefix no fetcher handles.
var ErrUnknownKey = errors.New("unrecognized cache key")

// Kind is the closed set of cacheable record shapes.
type Kind int

const (
	KindProfile Kind = iota + 1
	KindClass
	KindActivity
	KindNotifications
	KindClassActivities
	KindClassMembers
	KindUserClasses
)

var kindNames = map[Kind]string{
	KindProfile:         "profile",
	KindClass:           "class",
	KindActivity:        "activity",
	KindNotifications:   "notifications",
	KindClassActivities: "class_activities",
	KindClassMembers:    "class_members",
	KindUserClasses:     "user_classes",
}

var kindTTLs = map[Kind]time.Duration{
	KindProfile:         time.Hour,
	KindClass:           30 * time.Minute,
	KindActivity:        30 * time.Minute,
	KindNotifications:   5 * time.Minute,
	KindClassActivities: 15 * time.Minute,
	KindClassMembers:    15 * time.Minute,
	KindUserClasses:     15 * time.Minute,
}

// String is the key prefix without the colon.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// TTL is how long a warmed record of this kind stays cached.
func (k Kind) TTL() time.Duration {
	if ttl, ok := kindTTLs[k]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// Key identifies one cached record, e.g. Class("c1") encodes to "class:c1".
type Key struct {
	Kind Kind
	ID   string
}

func Profile(userID string) Key          { return Key{KindProfile, userID} }
func Class(classID string) Key           { return Key{KindClass, classID} }
func Activity(activityID string) Key     { return Key{KindActivity, activityID} }
func Notifications(userID string) Key    { return Key{KindNotifications, userID} }
func ClassActivities(classID string) Key { return Key{KindClassActivities, classID} }
func ClassMembers(classID string) Key    { return Key{KindClassMembers, classID} }
func UserClasses(userID string) Key      { return Key{KindUserClasses, userID} }

func (k Key) String() string {
	return k.Kind.String() + ":" + k.ID
}

// ParseKey decodes "<prefix>:<id>". The id may itself contain colons.
func ParseKey(s string) (Key, error) {
	prefix, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || id == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKey, s)
	}
	for kind, name := range kindNames {
		if name == prefix {
			return Key{Kind: kind, ID: id}, nil
		}
	}
	return Key{}, fmt.Errorf("%w: %q", ErrUnknownKey, s)
}
