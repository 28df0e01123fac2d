// Package ordering provides the "random" presentation order of an album's photos.
// The order is a pure function of (albumID, photoID), so paging through it never repeats
// or skips a photo. It is not suitable for anything security related.
package ordering

import (
	"slices"
)

// Key mixes albumID and photoID into a 32-bit value. Changing it reorders every random view.
func Key(albumID, photoID int64) uint32 {
	h := uint32(albumID)*2654435761 + uint32(photoID)
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// Order returns a new slice holding photoIDs sorted by Key. Input order breaks ties.
func Order(albumID int64, photoIDs []int64) []int64 {
	out := slices.Clone(photoIDs)
	Sort(albumID, out, func(id int64) int64 { return id })
	return out
}

// Sort reorders items in place the same way Order reorders their ids.
func Sort[T any](albumID int64, items []T, id func(T) int64) {
	slices.SortStableFunc(items, func(a, b T) int {
		ka, kb := Key(albumID, id(a)), Key(albumID, id(b))
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
}
