package table

import (
	"cmp"
	"fmt"
	"slices"
)

// Version is firmware version and build of the meter, later versions reshape table layouts.
type Version struct {
	Major uint8
	Minor uint8
	Build uint16
}

func NewVersion(major, minor uint8, build uint16) Version {
	return Version{Major: major, Minor: minor, Build: build}
}

// Compare is three way, version first, build second.
func (v Version) Compare(o Version) int {
	if c := cmp.Compare(v.Major, o.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, o.Minor); c != 0 {
		return c
	}
	return cmp.Compare(v.Build, o.Build)
}

// AtLeast reports v is floor or anything later.
func (v Version) AtLeast(floor Version) bool {
	return v.Compare(floor) >= 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%03d build %d", v.Major, v.Minor, v.Build)
}

// VersionRule selects Layout for floor version and everything later.
type VersionRule[L any] struct {
	Floor  Version
	Layout L
}

// VersionTable is the supported version matrix of one table, newest floor first.
type VersionTable[L any] struct {
	rules []VersionRule[L]
	def   L
}

// NewVersionTable sorts rules so the most specific (highest) floor is evaluated first,
// def is the layout of firmware older than every floor.
func NewVersionTable[L any](def L, rules ...VersionRule[L]) VersionTable[L] {
	r := slices.Clone(rules)
	slices.SortStableFunc(r, func(a, b VersionRule[L]) int {
		return b.Floor.Compare(a.Floor)
	})
	return VersionTable[L]{rules: r, def: def}
}

// Select returns layout of the first rule v satisfies.
func (t VersionTable[L]) Select(v Version) L {
	for _, r := range t.rules {
		if v.AtLeast(r.Floor) {
			return r.Layout
		}
	}
	return t.def
}
