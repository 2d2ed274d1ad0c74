// Package assignment maps viewers to variants deterministically.
package assignment

import "unicode/utf16"

// Index returns the variant index in [0, count) for viewerID in projectID. It hashes
// viewerID + ":" + projectID over UTF-16 code units with h = h*31 + c in 32-bit signed
// arithmetic and takes the absolute value modulo count. count must be positive.
func Index(viewerID, projectID string, count int) int {
	return int(abs(Hash(viewerID+":"+projectID)) % int64(count))
}

// Hash is the 32-bit rolling hash used by Index.
func Hash(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	return h
}

func abs(h int32) int64 {
	v := int64(h)
	if v < 0 {
		return -v
	}
	return v
}
