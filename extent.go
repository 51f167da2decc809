package dirfat

// extent is a contiguous run of FAT entries that are either all identical
// (a "literal" extent: unallocated, bad-cluster, or some other constant) or
// form part of a singly-linked allocation chain (a "chain" extent: entries
// start..end-1 each point at their successor, and entry end points at next).
//
// Literal extents are marked by prev == 0: cluster 0 is permanently reserved
// so it can never be a legitimate back-pointer, which makes it a safe
// sentinel (ported from the starting/ending_cluster/next/prev layout in
// original_source/fat.cpp).
type extent struct {
	start, end uint32
	next       uint32
	prev       uint32
}

func (e *extent) isLiteral() bool {
	return e.prev == 0
}

// findExtent returns the index of the extent containing cluster, or -1.
// Extents are kept sorted and non-overlapping, so this is a binary search.
func findExtent(extents []extent, cluster uint32) int {
	l, h := 0, len(extents)-1
	for l <= h {
		m := (l + h) / 2
		switch {
		case cluster < extents[m].start:
			h = m - 1
		case cluster > extents[m].end:
			l = m + 1
		default:
			return m
		}
	}
	return -1
}

// insertAt inserts v into extents at index i, shifting the tail right.
func insertAt(extents []extent, i int, v ...extent) []extent {
	extents = append(extents, v...) // grow
	copy(extents[i+len(v):], extents[i:len(extents)-len(v)])
	copy(extents[i:], v)
	return extents
}

func removeAt(extents []extent, i int) []extent {
	return append(extents[:i], extents[i+1:]...)
}

// tryIncExtent attempts to absorb a newly observed entry value into the
// extent at index i, without touching the following extent (the caller is
// responsible for patching that up). Returns true iff absorbed.
func tryIncExtent(extents []extent, i int, value uint32, validChain func(uint32) bool) bool {
	e := &extents[i]
	if e.isLiteral() {
		if e.next == value {
			e.end++
			return true
		}
		return false
	}
	// Chains can be extended if next was already pointing past the end
	// anyway - this happens while processing a freshly allocated chain.
	if e.next == e.end+1 && validChain(value) {
		e.next = value
		e.end++
		return true
	}
	return false
}

// bumpExtent adjusts the extent at index i after its first entry was stolen
// by the preceding extent's growth.
func bumpExtent(extents []extent, i int) []extent {
	e := &extents[i]
	if e.start == e.end {
		return removeAt(extents, i)
	}
	e.start++
	if !e.isLiteral() {
		e.prev = EndOfChain // the back-link is now stale
	}
	return extents
}

// tryRenextExtent changes the terminal next pointer of a chain extent, if
// that's a sensible thing to do (not a reserved entry, not a literal, and the
// new value is a syntactically valid chain value).
func tryRenextExtent(extents []extent, i int, value uint32, validChain func(uint32) bool) bool {
	e := &extents[i]
	if i < ReservedFATEntries {
		return false
	}
	if e.isLiteral() {
		return false
	}
	if !validChain(value) {
		return false
	}
	e.next = value
	return true
}

// punchExtent splits or reuses the extent at index i so that cluster becomes
// its own single-cluster extent holding value, classified as a literal if
// value is UNALLOCATED/BAD_CLUSTER, else a single-cluster chain.
func punchExtent(extents []extent, i int, cluster, value uint32) []extent {
	newExt := extent{start: cluster, end: cluster, next: value}
	if value == Unallocated || value == BadCluster {
		newExt.prev = 0
	} else {
		newExt.prev = EndOfChain
	}

	e := &extents[i]
	if e.start == e.end {
		*e = newExt
		return extents
	}
	if e.start == cluster {
		e.start++
		return insertAt(extents, i, newExt)
	}
	if e.end == cluster {
		e.end--
		if !e.isLiteral() {
			e.next = cluster // preserve the old terminal value as linkage
		}
		return insertAt(extents, i+1, newExt)
	}

	// Mid-split into three.
	post := extent{start: cluster + 1, end: e.end, next: e.next, prev: e.prev}
	e.end = cluster - 1
	if !e.isLiteral() {
		e.next = cluster
		post.prev = EndOfChain
	}
	return insertAt(extents, i+1, newExt, post)
}
