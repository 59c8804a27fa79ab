package replset

import "sort"

// ScoreGroups buckets members by a caller-assigned float score and can
// hand them back grouped and sorted in descending-score order. The
// producer's sync-source selection uses it to prefer higher-priority,
// better-connected peers without needing a single fragile "best so far"
// comparison.
type ScoreGroups struct {
	idx []float64
	m   map[float64][]*Member
}

// NewScoreGroups returns an empty set of score groups.
func NewScoreGroups() *ScoreGroups {
	return &ScoreGroups{m: make(map[float64][]*Member)}
}

// Add records m at score sc.
func (g *ScoreGroups) Add(m *Member, sc float64) {
	group, ok := g.m[sc]
	if !ok {
		g.idx = append(g.idx, sc)
	}
	g.m[sc] = append(group, m)
}

// Groups returns every score bucket, highest score first.
func (g *ScoreGroups) Groups() [][]*Member {
	sort.Sort(sort.Reverse(sort.Float64Slice(g.idx)))
	out := make([][]*Member, len(g.idx))
	for i, sc := range g.idx {
		out[i] = g.m[sc]
	}
	return out
}

// Best returns one member from the highest-scoring non-empty group,
// breaking ties with tiebreak (which should return true if a is
// preferable to b); nil if no member was ever added.
func (g *ScoreGroups) Best(tiebreak func(a, b *Member) bool) *Member {
	groups := g.Groups()
	if len(groups) == 0 {
		return nil
	}
	top := groups[0]
	best := top[0]
	for _, m := range top[1:] {
		if tiebreak(m, best) {
			best = m
		}
	}
	return best
}
