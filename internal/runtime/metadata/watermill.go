package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill converts Watermill metadata, e.g. of a lifecycle event read
// from the event bus, into Metadata.
func FromWatermill(md message.Metadata) Metadata {
	return FromHeaders(md)
}

// ToWatermill converts Metadata into a Watermill map. It never returns nil.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	maps.Copy(wm, md)
	return wm
}
