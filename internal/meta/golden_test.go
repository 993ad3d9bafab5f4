package meta

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// TestCanonicalGolden pins the exact canonical byte output. Any change
// here breaks verification of every previously signed record.
func TestCanonicalGolden(t *testing.T) {
	obj := Object{
		"title":  String("Décor guide"),
		"tags":   Strings("api", "draft"),
		"rank":   Int(5),
		"draft":  Bool(true),
		"nested": Object{"b": Int(2), "a": Int(1)},
	}

	canonical, err := MarshalCanonical(obj)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "canonical_metadata", canonical)
}
