// Package identity derives deterministic entity and edge identifiers and
// provides the canonical name normalization the dedup engine keys on.
//
// Deterministic ids collapse concurrent inserts of the same logical entity
// into a single winner: two workers extracting "Claude" in tenant T will both
// derive the same v5 id, and the store's unique constraint does the rest.
package identity

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Config controls id derivation and normalization behavior.
type Config struct {
	// Deterministic switches entity/edge ids from random v4 to v5 derived
	// from (name, tenant).
	Deterministic bool
	// NormalizeNames enables any normalization at all.
	NormalizeNames bool
	// Enhanced applies the title/suffix/abbreviation-aware normalizer on top
	// of the basic one.
	Enhanced bool
	// SimilarityThreshold is the LikelySame cutoff.
	SimilarityThreshold float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Deterministic:       true,
		NormalizeNames:      true,
		Enhanced:            false,
		SimilarityThreshold: 0.85,
	}
}

// ConfigFromEnv reads the DEDUP_* and USE_DETERMINISTIC_IDS variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Deterministic = boolEnv("USE_DETERMINISTIC_IDS", cfg.Deterministic)
	cfg.NormalizeNames = boolEnv("DEDUP_NORMALIZE_NAMES", cfg.NormalizeNames)
	cfg.Enhanced = boolEnv("DEDUP_ENHANCED_NORMALIZATION", cfg.Enhanced)
	if v := os.Getenv("DEDUP_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SimilarityThreshold = f
		}
	}
	return cfg
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// EntityID derives the identifier for an entity. With deterministic mode on
// it is v5(v5(DNS, "graphiti.entity."+tenant), normalized name); otherwise a
// random v4. Caller-supplied ids always win upstream of this call.
func (c Config) EntityID(name, tenant string) string {
	if !c.Deterministic {
		return uuid.NewString()
	}
	ns := uuid.NewSHA1(uuid.NameSpaceDNS, []byte("graphiti.entity."+tenant))
	return uuid.NewSHA1(ns, []byte(c.Normalize(name))).String()
}

// EdgeID derives the identifier for an edge between two node ids. The
// relation name is upper-cased, defaulting to RELATES_TO when empty.
func (c Config) EdgeID(sourceID, targetID, relation, tenant string) string {
	if !c.Deterministic {
		return uuid.NewString()
	}
	rel := strings.ToUpper(strings.TrimSpace(relation))
	if rel == "" {
		rel = "RELATES_TO"
	}
	ns := uuid.NewSHA1(uuid.NameSpaceDNS, []byte("graphiti.edge."+tenant))
	key := fmt.Sprintf("%s|%s|%s", sourceID, targetID, rel)
	return uuid.NewSHA1(ns, []byte(key)).String()
}

var (
	separatorRe  = regexp.MustCompile(`[-.\s]+`)
	invalidRe    = regexp.MustCompile(`[^a-z0-9_]`)
	underscoreRe = regexp.MustCompile(`_+`)
	tokenRe      = regexp.MustCompile(`[a-z0-9]+`)
)

// Leading personal titles dropped by the enhanced normalizer.
var commonTitles = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true,
	"prof": true, "sir": true, "madam": true,
}

// Trailing suffixes dropped by the enhanced normalizer.
var commonSuffixes = map[string]bool{
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
	"phd": true, "md": true, "esq": true,
}

// Company indicators dropped anywhere in the token stream.
var companyIndicators = map[string]bool{
	"inc": true, "corp": true, "ltd": true, "llc": true, "co": true,
	"company": true, "corporation": true, "limited": true,
}

// Known short forms expanded so "Bob Wilson" and "Robert Wilson" normalize
// identically.
var abbreviationMap = map[string]string{
	"bob":   "robert",
	"rob":   "robert",
	"bobby": "robert",
	"mike":  "michael",
	"bill":  "william",
	"will":  "william",
	"dick":  "richard",
	"rick":  "richard",
	"jim":   "james",
	"jimmy": "james",
	"tom":   "thomas",
	"tommy": "thomas",
	"dave":  "david",
	"dan":   "daniel",
	"danny": "daniel",
	"joe":   "joseph",
	"tony":  "anthony",
	"steve": "steven",
	"chris": "christopher",
	"matt":  "matthew",
	"liz":   "elizabeth",
	"beth":  "elizabeth",
	"kate":  "katherine",
	"prof":  "professor",
	"mr":    "mister",
	"dr":    "doctor",
}

// Normalize canonicalizes an entity name according to the configured mode.
// It is idempotent; an empty normalization result falls back to the input.
func (c Config) Normalize(name string) string {
	if !c.NormalizeNames {
		return name
	}
	if strings.TrimSpace(name) == "" {
		return name
	}
	if c.Enhanced {
		if out := enhancedNormalize(name); out != "" {
			return out
		}
	}
	return basicNormalize(name)
}

// basicNormalize lowercases, collapses separators to underscores, strips
// everything outside [a-z0-9_], and trims underscores.
func basicNormalize(name string) string {
	out := strings.ToLower(name)
	out = separatorRe.ReplaceAllString(out, "_")
	out = invalidRe.ReplaceAllString(out, "")
	out = underscoreRe.ReplaceAllString(out, "_")
	out = strings.Trim(out, "_")
	if out == "" {
		return name
	}
	return out
}

// enhancedNormalize strips unicode combining marks, possessives and
// contractions, removes titles, suffixes, and company indicators, and
// expands known abbreviations. Returns "" when nothing survives.
func enhancedNormalize(name string) string {
	out := stripCombining(name)
	out = strings.ToLower(out)
	out = strings.ReplaceAll(out, "'s", "")
	out = strings.ReplaceAll(out, "’s", "")
	out = strings.ReplaceAll(out, "n't", "not")
	out = strings.ReplaceAll(out, "'", "")

	tokens := tokenRe.FindAllString(out, -1)
	if len(tokens) == 0 {
		return ""
	}

	// Leading titles.
	for len(tokens) > 0 && commonTitles[tokens[0]] && len(tokens) > 1 {
		tokens = tokens[1:]
	}
	// Trailing suffixes.
	for len(tokens) > 1 && commonSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	// Company indicators anywhere, then abbreviation expansion.
	kept := tokens[:0:0]
	for _, tok := range tokens {
		if companyIndicators[tok] && len(tokens) > 1 {
			continue
		}
		if full, ok := abbreviationMap[tok]; ok {
			tok = full
		}
		kept = append(kept, tok)
	}
	if len(kept) == 0 {
		return ""
	}
	joined := strings.Join(kept, "_")
	joined = invalidRe.ReplaceAllString(joined, "")
	joined = underscoreRe.ReplaceAllString(joined, "_")
	return strings.Trim(joined, "_")
}

// stripCombining applies NFKD and drops combining marks, so "José" and
// "Jose" normalize identically.
func stripCombining(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Similarity scores two names in [0, 1]: the max of a subsequence ratio over
// the normalized forms and 0.8 times the token Jaccard overlap.
func (c Config) Similarity(a, b string) float64 {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return 0
	}
	na, nb := c.Normalize(a), c.Normalize(b)
	if na == nb {
		return 1
	}
	ratio := sequenceRatio(na, nb)
	jaccard := tokenJaccard(na, nb) * 0.8
	if jaccard > ratio {
		return jaccard
	}
	return ratio
}

// LikelySame reports whether two names refer to the same entity at the
// configured threshold.
func (c Config) LikelySame(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return false
	}
	return c.Similarity(a, b) >= c.SimilarityThreshold
}

// sequenceRatio is 2*LCS/(len(a)+len(b)), the classic similarity ratio.
func sequenceRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

func tokenJaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Split(s, "_") {
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

// IsCompoundPair applies the compound-name guard: when one normalized name's
// token set is a strict subset of the other's and the token-count difference
// is at least two, the names denote different entities ("bmo" vs
// "bmo_corporate_travel") no matter how similar their embeddings are.
func (c Config) IsCompoundPair(a, b string) bool {
	ta := tokenList(c.Normalize(a))
	tb := tokenList(c.Normalize(b))
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}
	if len(tb)-len(ta) < 2 {
		return false
	}
	longer := make(map[string]bool, len(tb))
	for _, tok := range tb {
		longer[tok] = true
	}
	for _, tok := range ta {
		if !longer[tok] {
			return false
		}
	}
	return true
}

func tokenList(s string) []string {
	parts := strings.Split(s, "_")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
