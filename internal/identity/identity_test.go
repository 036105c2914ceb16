package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicNormalize(t *testing.T) {
	cfg := DefaultConfig()

	cases := map[string]string{
		"Claude":                  "claude",
		"CLAUDE":                  "claude",
		"Dr. Smith":               "dr_smith",
		"John-Doe":                "john_doe",
		"Jane O'Connor":           "jane_oconnor",
		"Microsoft Corp.":         "microsoft_corp",
		"  Extra  Spaces  ":       "extra_spaces",
		"Multiple___Underscores":  "multiple_underscores",
	}
	for in, want := range cases {
		assert.Equal(t, want, cfg.Normalize(in), "input %q", in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	for _, name := range []string{"Dr. John Smith", "BMO Corporate Travel", "josé garcía"} {
		once := cfg.Normalize(name)
		assert.Equal(t, once, cfg.Normalize(once))
	}
}

func TestNormalizeDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NormalizeNames = false
	assert.Equal(t, "Dr. John Smith", cfg.Normalize("Dr. John Smith"))
}

func TestEnhancedNormalize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enhanced = true

	cases := map[string]string{
		"Dr. John Smith":       "john_smith",
		"Jane Doe Jr.":         "jane_doe",
		"Microsoft Corp.":      "microsoft",
		"Prof. Bob Wilson PhD": "robert_wilson",
		"Mr. Mike Johnson":     "michael_johnson",
		"Apple Inc.":           "apple",
		"Tom's Restaurant":     "thomas_restaurant",
		"José García":          "jose_garcia",
	}
	for in, want := range cases {
		assert.Equal(t, want, cfg.Normalize(in), "input %q", in)
	}
}

func TestEnhancedFallsBackWhenEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enhanced = true
	// Nothing but special characters: enhanced yields nothing, basic falls
	// back to the original input.
	assert.Equal(t, "!!@#$%", cfg.Normalize("!!@#$%"))
}

func TestDeterministicEntityID(t *testing.T) {
	cfg := DefaultConfig()

	id1 := cfg.EntityID("Claude", "tenant-a")
	id2 := cfg.EntityID("claude", "tenant-a")
	id3 := cfg.EntityID("CLAUDE", "tenant-a")
	assert.Equal(t, id1, id2)
	assert.Equal(t, id1, id3)

	// Tenant isolation.
	assert.NotEqual(t, id1, cfg.EntityID("Claude", "tenant-b"))

	// Matches the documented derivation exactly.
	ns := uuid.NewSHA1(uuid.NameSpaceDNS, []byte("graphiti.entity.tenant-a"))
	want := uuid.NewSHA1(ns, []byte("claude")).String()
	assert.Equal(t, want, id1)
}

func TestEntityIDPinnedVector(t *testing.T) {
	// Known value computed from v5(v5(DNS, "graphiti.entity.T"), "claude").
	// Guards the namespace strings against drift: interop with ids minted by
	// other services depends on the exact derivation.
	cfg := DefaultConfig()
	assert.Equal(t, "d52a6824-2cfe-5c81-a316-36f03d85ece5", cfg.EntityID("Claude", "T"))
}

func TestRandomIDsWhenNotDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Deterministic = false
	a := cfg.EntityID("Claude", "t")
	b := cfg.EntityID("Claude", "t")
	require.NotEqual(t, a, b)
}

func TestDeterministicEdgeID(t *testing.T) {
	cfg := DefaultConfig()
	src, dst := cfg.EntityID("a", "t"), cfg.EntityID("b", "t")

	id1 := cfg.EdgeID(src, dst, "knows", "t")
	id2 := cfg.EdgeID(src, dst, "KNOWS", "t")
	assert.Equal(t, id1, id2, "relation name is upper-cased before hashing")

	defaulted := cfg.EdgeID(src, dst, "", "t")
	explicit := cfg.EdgeID(src, dst, "RELATES_TO", "t")
	assert.Equal(t, explicit, defaulted)

	ns := uuid.NewSHA1(uuid.NameSpaceDNS, []byte("graphiti.edge.t"))
	want := uuid.NewSHA1(ns, []byte(src+"|"+dst+"|KNOWS")).String()
	assert.Equal(t, want, id1)
}

func TestSimilarity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enhanced = true

	assert.Equal(t, 1.0, cfg.Similarity("John Smith", "john smith"))
	assert.Equal(t, 1.0, cfg.Similarity("Dr. John Smith", "John Smith"))
	assert.Equal(t, 1.0, cfg.Similarity("Bob", "Robert"))
	assert.GreaterOrEqual(t, cfg.Similarity("John", "Jon"), 0.8)
	assert.Less(t, cfg.Similarity("Apple", "Orange"), 0.5)
	assert.Equal(t, 0.0, cfg.Similarity("", ""))
	assert.Equal(t, 0.0, cfg.Similarity("John", ""))
}

func TestLikelySameThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enhanced = true
	cfg.SimilarityThreshold = 0.8
	assert.True(t, cfg.LikelySame("Dr. John Smith", "John Smith"))
	assert.True(t, cfg.LikelySame("Bob Wilson", "Robert Wilson"))
	assert.False(t, cfg.LikelySame("Apple", "Orange"))
	assert.False(t, cfg.LikelySame("", ""))

	cfg.SimilarityThreshold = 0.95
	assert.False(t, cfg.LikelySame("John", "Jon"))
}

func TestCompoundPairGuard(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.IsCompoundPair("BMO", "BMO Corporate Travel"))
	assert.True(t, cfg.IsCompoundPair("BMO Corporate Travel", "BMO"))

	// Token difference of one is not enough.
	assert.False(t, cfg.IsCompoundPair("BMO", "BMO Travel"))
	// Not a subset.
	assert.False(t, cfg.IsCompoundPair("BMO Bank", "BMO Corporate Travel"))
	assert.False(t, cfg.IsCompoundPair("", "BMO Corporate Travel"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("USE_DETERMINISTIC_IDS", "false")
	t.Setenv("DEDUP_ENHANCED_NORMALIZATION", "true")
	t.Setenv("DEDUP_SIMILARITY_THRESHOLD", "0.9")

	cfg := ConfigFromEnv()
	assert.False(t, cfg.Deterministic)
	assert.True(t, cfg.Enhanced)
	assert.Equal(t, 0.9, cfg.SimilarityThreshold)
}
