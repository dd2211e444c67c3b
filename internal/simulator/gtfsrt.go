package simulator

import (
	"math"
	"strconv"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"courier-map/internal/courier"
)

// VehiclePositions renders the fleet as a full-dataset GTFS-Realtime feed, one
// VehiclePosition entity per courier.
func VehiclePositions(couriers courier.Snapshot, at time.Time) *gtfs.FeedMessage {
	ts := uint64(at.Unix())
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(ts),
		},
		Entity: make([]*gtfs.FeedEntity, 0, len(couriers)),
	}
	for _, c := range couriers {
		id := strconv.Itoa(c.ID)
		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{
			Id: proto.String("courier-" + id),
			Vehicle: &gtfs.VehiclePosition{
				Vehicle: &gtfs.VehicleDescriptor{
					Id:    proto.String(id),
					Label: proto.String("Courier " + id),
				},
				Position: &gtfs.Position{
					Latitude:  proto.Float32(float32(c.Current.Lat)),
					Longitude: proto.Float32(float32(c.Current.Lon)),
					Bearing:   proto.Float32(bearing(c.Current, c.Destiny)),
				},
				Timestamp: proto.Uint64(ts),
			},
		})
	}
	return feed
}

// EncodeVehiclePositions is VehiclePositions in protobuf wire format.
func EncodeVehiclePositions(couriers courier.Snapshot, at time.Time) ([]byte, error) {
	return proto.Marshal(VehiclePositions(couriers, at))
}

// bearing is the initial compass heading from a to b in degrees.
func bearing(a, b courier.Location) float32 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return float32(math.Mod(deg+360, 360))
}
