package vecindex

import "sort"

// hnswGraph is a single-layer navigable small-world graph: each node keeps
// its M nearest neighbors found greedily during insertion, searched via
// best-first beam expansion. This is intentionally the simplified,
// single-layer member of the HNSW family (full multi-layer skip
// structure is the textbook design the example pack's own sqvect-style
// graph index approximates too) — brute-force ExactSearch remains the
// correctness oracle at every corpus size, per spec.md §4.6 and
// DESIGN.md's HNSW-vs-brute-force Open Question decision.
type hnswGraph struct {
	m            int
	efConstruct  int
	entries      []Entry
	neighbors    [][]int // neighbors[i] = indices into entries of i's links
}

// BuildHNSW constructs (or rebuilds) the approximate graph over the
// index's current saved rows, using m/efConstruction from
// config.VecIndexConfig. Nothing in the ingest path calls it: the graph
// exists only after an explicit call, and until then SearchTopK always
// takes the exact path.
func (idx *Index) BuildHNSW(m, efConstruction int) {
	entries := idx.allEntries()
	g := &hnswGraph{m: m, efConstruct: efConstruction, entries: entries}
	g.neighbors = make([][]int, len(entries))
	for i := range entries {
		g.insert(i)
	}
	idx.hnsw = g
}

// insert greedily links node i to its m nearest already-inserted nodes,
// and symmetrically back-links so the graph remains navigable from either
// side of an edge.
func (g *hnswGraph) insert(i int) {
	if i == 0 {
		return
	}
	type cand struct {
		idx   int
		score float32
	}
	candidates := make([]cand, 0, i)
	for j := 0; j < i; j++ {
		candidates = append(candidates, cand{j, dot(g.entries[i].Vector, g.entries[j].Vector)})
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].score > candidates[b].score })
	m := g.m
	if m > len(candidates) {
		m = len(candidates)
	}
	for _, c := range candidates[:m] {
		g.neighbors[i] = append(g.neighbors[i], c.idx)
		g.neighbors[c.idx] = append(g.neighbors[c.idx], i)
	}
}

// search performs a best-first beam search from an arbitrary entry point,
// expanding through the graph's links and applying filter to each visited
// candidate after scoring it,
// matching ExactSearch's tie-break so fusion ranks cannot disagree about
// ordering between the approximate and exact paths for the same corpus.
func (g *hnswGraph) search(idx *Index, query []float32, k int, filter *Filter) []Hit {
	if len(g.entries) == 0 {
		return nil
	}
	visited := make(map[int]bool, g.efConstruct*4)
	beamWidth := k * 4
	if beamWidth < g.efConstruct {
		beamWidth = g.efConstruct
	}

	type scored struct {
		idx   int
		score float32
	}
	frontier := []scored{{0, dot(query, g.entries[0].Vector)}}
	visited[0] = true
	best := make([]scored, 0, beamWidth)

	for len(frontier) > 0 {
		sort.Slice(frontier, func(a, b int) bool { return frontier[a].score > frontier[b].score })
		if len(frontier) > beamWidth {
			frontier = frontier[:beamWidth]
		}
		cur := frontier[0]
		frontier = frontier[1:]
		best = append(best, cur)

		for _, n := range g.neighbors[cur.idx] {
			if visited[n] {
				continue
			}
			visited[n] = true
			frontier = append(frontier, scored{n, dot(query, g.entries[n].Vector)})
		}
		if len(visited) > beamWidth*8 {
			break
		}
	}

	h := &hitHeap{}
	for _, s := range best {
		e := g.entries[s.idx]
		if !filter.match(e.Row) {
			continue
		}
		pushBounded(h, Hit{Row: e.Row, Score: s.score}, k)
	}
	_ = idx
	return drainSorted(h)
}
