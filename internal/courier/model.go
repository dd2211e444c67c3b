package courier

// Location is a WGS84 coordinate pair. Values are passed to the map untouched.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Courier is one courier on its current trip.
// Origin and Destiny stay fixed for the trip; Current moves between polls.
type Courier struct {
	ID      int      `json:"id"`
	Origin  Location `json:"origin"`
	Destiny Location `json:"destiny"`
	Current Location `json:"current"`
}

// Snapshot is the full courier list returned by one successful fetch.
// Consumers must treat it as read-only.
type Snapshot []Courier
