package protocol

import (
	"github.com/mmcloughlin/geohash"
	"github.com/nbd-wtf/go-nostr"

	"github.com/user/rideline/internal/types"
)

// PublicPrecision is the number of decimal places kept on locations in
// public events.
const PublicPrecision = 2

// GeohashPrecisions are the cell sizes tagged on public events, coarsest
// first. A 3-character cell is roughly 150km across, 5 is roughly 5km.
var GeohashPrecisions = []uint{3, 4, 5}

// Cell returns the geohash of loc at the given precision.
func Cell(loc types.Location, precision uint) string {
	return geohash.EncodeWithPrecision(loc.Lat, loc.Lon, precision)
}

// geoTags returns one g tag per precision for loc.
func geoTags(loc types.Location) nostr.Tags {
	tags := make(nostr.Tags, 0, len(GeohashPrecisions))
	for _, p := range GeohashPrecisions {
		tags = append(tags, nostr.Tag{"g", Cell(loc, p)})
	}
	return tags
}
