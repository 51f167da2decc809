package dirfat

import (
	"sort"
)

// Provider supplies bytes for a range of the synthesized image. Fill and
// Receive operate in the provider's own logical byte stream; the ImageMap
// translates image offsets to logical offsets before calling either method.
//
// Generated mock using mockgen:
//
//	mockgen -source=image.go -destination=mock_provider_test.go -package dirfat
type Provider interface {
	// Fill copies len(buf) bytes starting at logical offset into buf.
	// Returns an error for an I/O failure; the ImageMap aborts the whole
	// fill if any provider returns one.
	Fill(buf []byte, offset int64) error

	// Receive is offered len(buf) bytes of newly written data at logical
	// offset, before the ImageMap's overlay is installed. Returning an
	// error rejects the write: no overlay is stored and ImageMap.Receive
	// returns that error.
	Receive(buf []byte, offset int64) error
}

type providerRange struct {
	start    uint64
	length   uint64
	offset   int64
	provider Provider
}

type overlayChunk struct {
	start uint64
	data  []byte
}

// ImageMap routes byte ranges of the synthesized image to Providers and
// overlays bytes received from client writes on top of them. It is the Go
// analogue of original_source/image.cpp's std::map<uint64_t, ...> pair, kept
// here as sorted slices since ranges are inserted in roughly ascending order
// during construction and binary-searched thereafter.
type ImageMap struct {
	providers []providerRange // sorted by start, non-overlapping
	overlays  []overlayChunk  // sorted by start, non-overlapping

	// refs counts outstanding ranges per provider, released to zero when
	// the last range naming a provider is cleared or replaced.
	refs map[Provider]int
}

// NewImageMap returns an empty image map.
func NewImageMap() *ImageMap {
	return &ImageMap{refs: make(map[Provider]int)}
}

func (m *ImageMap) providerIndexAt(pos uint64) int {
	// First provider whose range could contain pos: either the one found by
	// lower_bound, or the one immediately before it.
	i := sort.Search(len(m.providers), func(i int) bool {
		return m.providers[i].start > pos
	})
	if i > 0 {
		prev := &m.providers[i-1]
		if prev.start+prev.length > pos {
			return i - 1
		}
	}
	return i
}

func (m *ImageMap) overlayIndexAt(pos uint64) int {
	i := sort.Search(len(m.overlays), func(i int) bool {
		return m.overlays[i].start > pos
	})
	if i > 0 {
		prev := &m.overlays[i-1]
		if prev.start+uint64(len(prev.data)) > pos {
			return i - 1
		}
	}
	return i
}

func (m *ImageMap) ref(p Provider) {
	m.refs[p]++
}

func (m *ImageMap) deref(p Provider) {
	m.refs[p]--
	if m.refs[p] <= 0 {
		delete(m.refs, p)
	}
}

// Register marks [start, start+length) of the image as produced by provider,
// whose own logical byte stream begins at logicalOffset for this range. Any
// prior registrations overlapping the range are evicted first.
func (m *ImageMap) Register(provider Provider, start, length uint64, logicalOffset int64) {
	if length == 0 {
		return
	}
	m.ClearServices(start, length)
	m.ref(provider)
	i := sort.Search(len(m.providers), func(i int) bool { return m.providers[i].start >= start })
	m.providers = insertProviderRange(m.providers, i, providerRange{start: start, length: length, offset: logicalOffset, provider: provider})
}

func insertProviderRange(s []providerRange, i int, v providerRange) []providerRange {
	s = append(s, providerRange{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertOverlayChunk(s []overlayChunk, i int, v overlayChunk) []overlayChunk {
	s = append(s, overlayChunk{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// Receive offers buf to every provider overlapping [start, start+len(buf)),
// in ascending order; if any rejects, the write is aborted and that error is
// returned, with no overlay installed. Otherwise the range's overlays are
// cleared and replaced with a single new overlay chunk covering exactly
// [start, start+len(buf)).
func (m *ImageMap) Receive(buf []byte, start uint64) error {
	length := uint64(len(buf))
	if length == 0 {
		return nil
	}
	end := start + length

	i := m.providerIndexAt(start)
	for i < len(m.providers) && m.providers[i].start < end {
		r := &m.providers[i]
		var off, bufPos uint64
		if r.start < start {
			off = start - r.start
		} else {
			bufPos = r.start - start
		}
		l := min64(r.length-off, length-bufPos)
		if err := r.provider.Receive(buf[bufPos:bufPos+l], r.offset+int64(off)); err != nil {
			return err
		}
		i++
	}

	m.ClearData(start, length)
	data := make([]byte, length)
	copy(data, buf)
	j := sort.Search(len(m.overlays), func(i int) bool { return m.overlays[i].start >= start })
	m.overlays = insertOverlayChunk(m.overlays, j, overlayChunk{start: start, data: data})
	return nil
}

// Fill walks the mapping in ascending order, preferring overlays over
// providers, leaving any uncovered byte zero.
func (m *ImageMap) Fill(buf []byte, start uint64) error {
	length := uint64(len(buf))
	di := m.overlayIndexAt(start)
	si := m.providerIndexAt(start)

	var filled uint64
	for filled < length {
		maxLen := length - filled
		pos := start + filled

		if di < len(m.overlays) {
			d := &m.overlays[di]
			if d.start <= pos {
				copyOff := pos - d.start
				fillLen := min64(uint64(len(d.data))-copyOff, maxLen)
				copy(buf[filled:filled+fillLen], d.data[copyOff:copyOff+fillLen])
				filled += fillLen
				di++
				continue
			}
			maxLen = min64(d.start-pos, maxLen)
		}

		if si < len(m.providers) {
			s := &m.providers[si]
			if s.start <= pos {
				fillOff := pos - s.start
				if s.length <= fillOff {
					si++
					continue
				}
				fillLen := min64(s.length-fillOff, maxLen)
				if err := s.provider.Fill(buf[filled:filled+fillLen], s.offset+int64(fillOff)); err != nil {
					return err
				}
				filled += fillLen
				continue
			}
			maxLen = min64(s.start-pos, maxLen)
		}

		for k := uint64(0); k < maxLen; k++ {
			buf[filled+k] = 0
		}
		filled += maxLen
	}
	return nil
}

// ClearData drops overlays in [start, start+length), splitting at the
// boundaries if an overlay only partly overlaps the range.
func (m *ImageMap) ClearData(start, length uint64) {
	if length == 0 {
		return
	}
	end := start + length
	i := m.overlayIndexAt(start)
	for i < len(m.overlays) {
		rangeStart := m.overlays[i].start
		data := m.overlays[i].data
		if rangeStart >= end {
			break
		}

		if rangeStart+uint64(len(data)) > end {
			newLen := rangeStart + uint64(len(data)) - end
			newData := make([]byte, newLen)
			copy(newData, data[uint64(len(data))-newLen:])
			j := sort.Search(len(m.overlays), func(k int) bool { return m.overlays[k].start >= end })
			m.overlays = insertOverlayChunk(m.overlays, j, overlayChunk{start: end, data: newData})
			if j <= i {
				i++
			}
		}

		if rangeStart < start {
			m.overlays[i].data = data[:start-rangeStart]
			i++
		} else {
			m.overlays = append(m.overlays[:i], m.overlays[i+1:]...)
		}
	}
}

// ClearServices drops or trims provider records in [start, start+length). A
// record whose entire span falls inside the cleared range loses its
// reference; a record that straddles a boundary is trimmed or split.
func (m *ImageMap) ClearServices(start, length uint64) {
	if length == 0 {
		return
	}
	end := start + length
	i := m.providerIndexAt(start)
	for i < len(m.providers) {
		rangeStart := m.providers[i].start
		r := m.providers[i]
		if rangeStart >= end {
			break
		}

		if rangeStart+r.length > end {
			newStart := end
			newLength := rangeStart + r.length - newStart
			newPart := providerRange{
				start:    newStart,
				length:   newLength,
				offset:   r.offset + int64(newStart-rangeStart),
				provider: r.provider,
			}
			m.ref(r.provider)
			j := sort.Search(len(m.providers), func(k int) bool { return m.providers[k].start >= newStart })
			m.providers = insertProviderRange(m.providers, j, newPart)
			if j <= i {
				i++
			}
		}

		if rangeStart < start {
			m.providers[i].length = start - rangeStart
			i++
		} else {
			m.deref(r.provider)
			m.providers = append(m.providers[:i], m.providers[i+1:]...)
		}
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
