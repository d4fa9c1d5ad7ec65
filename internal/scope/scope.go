// Package scope derives and authorises the scope keys that gate row
// visibility. A scope key is a flat "prefix:value" string derived from
// a scope field by stripping an "_id" suffix (user_id: "u1" becomes
// "user:u1"). The partitioned form "<partition>::<key>" is the only
// shape the realtime registry indexes.
package scope

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for scope resolution.
var (
	ErrDenied = errors.New("scope: requested scopes exceed grant")
)

// Key is a flat "prefix:value" scope key.
type Key string

// PartitionedKey is a scope key prefixed with its partition:
// "<partition>::<prefix>:<value>". Constructing one requires going
// through Key.InPartition, which keeps unprefixed keys out of the
// registry by type.
type PartitionedKey string

// NewKey derives a key from a scope field name and value. The "_id"
// suffix is stripped from the field name; a field that is nothing but
// the suffix keeps its original name.
func NewKey(field, value string) Key {
	prefix := strings.TrimSuffix(field, "_id")
	if prefix == "" {
		prefix = field
	}
	return Key(prefix + ":" + value)
}

// InPartition returns the partition-prefixed form of the key.
func (k Key) InPartition(partitionID string) PartitionedKey {
	return PartitionedKey(partitionID + "::" + string(k))
}

// Split separates a partitioned key into its partition and plain key.
func (pk PartitionedKey) Split() (string, Key) {
	s := string(pk)
	if i := strings.Index(s, "::"); i >= 0 {
		return s[:i], Key(s[i+2:])
	}
	return "", Key(s)
}

// Set is an unordered collection of scope keys.
type Set map[Key]struct{}

// NewSet builds a Set from keys.
func NewSet(keys ...Key) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// FromStrings builds a Set from raw key strings.
func FromStrings(keys []string) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		if k != "" {
			s[Key(k)] = struct{}{}
		}
	}
	return s
}

// FromScopes derives a Set from a scopes mapping as it appears on the
// wire: each value is a string or a list of strings. Empty and null
// values contribute no key.
func FromScopes(scopes map[string]any) (Set, error) {
	s := make(Set, len(scopes))
	for field, v := range scopes {
		switch val := v.(type) {
		case nil:
		case string:
			if val != "" {
				s[NewKey(field, val)] = struct{}{}
			}
		case []string:
			for _, item := range val {
				if item != "" {
					s[NewKey(field, item)] = struct{}{}
				}
			}
		case []any:
			for _, item := range val {
				str, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("scope: value for %q must be a string or list of strings", field)
				}
				if str != "" {
					s[NewKey(field, str)] = struct{}{}
				}
			}
		default:
			return nil, fmt.Errorf("scope: value for %q must be a string or list of strings", field)
		}
	}
	return s, nil
}

// Add inserts a key.
func (s Set) Add(k Key) {
	s[k] = struct{}{}
}

// Has reports whether the key is present.
func (s Set) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// Merge adds every key of other into s.
func (s Set) Merge(other Set) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Intersects reports whether the two sets share at least one key.
func (s Set) Intersects(other Set) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for k := range small {
		if _, ok := large[k]; ok {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every key of s is present in other.
func (s Set) SubsetOf(other Set) bool {
	for k := range s {
		if _, ok := other[k]; !ok {
			return false
		}
	}
	return true
}

// Keys returns the sorted keys.
func (s Set) Keys() []Key {
	keys := make([]Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Strings returns the sorted keys as plain strings.
func (s Set) Strings() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

// Partitioned returns the sorted partition-prefixed form of every key.
func (s Set) Partitioned(partitionID string) []PartitionedKey {
	keys := make([]PartitionedKey, 0, len(s))
	for k := range s {
		keys = append(keys, k.InPartition(partitionID))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Grant is what a caller may subscribe to, derived from its credential
// by the auth layer. Wildcard grants (admin credentials) see every row.
type Grant struct {
	ActorID  string
	Wildcard bool
	Keys     Set
}

// Allows reports whether the grant covers the key.
func (g Grant) Allows(k Key) bool {
	return g.Wildcard || g.Keys.Has(k)
}

// Resolution is the effective authorisation for one subscription. All
// set means the caller sees every row of the table regardless of the
// scopes attached to it.
type Resolution struct {
	All  bool
	Keys Set
}

// Empty reports whether the resolution matches nothing. The pull
// planner treats an empty resolution as a revoked subscription.
func (r Resolution) Empty() bool {
	return !r.All && len(r.Keys) == 0
}

// Matches reports whether a row tagged with the given scope keys is
// visible under this resolution.
func (r Resolution) Matches(rowKeys []string) bool {
	if r.All {
		return true
	}
	for _, k := range rowKeys {
		if r.Keys.Has(Key(k)) {
			return true
		}
	}
	return false
}
