package route

// Builtin returns the routes shipped with the app. Declared leg distances are the surveyed
// great-circle distances between consecutive waypoints.
func Builtin() []Route {
	return []Route{
		{
			ID:          "main_pilgrimage",
			Name:        "Main Pilgrimage Trail",
			Description: "Valley gate to the temple entrance along the river trail.",
			Waypoints: []Waypoint{
				{ID: "start", Name: "Valley Gate", Type: TypeStart, Lat: 30.6520, Lng: 79.0240, ElevationM: 1982},
				{ID: "checkpoint1", Name: "River Crossing", Type: TypeCheckpoint, Lat: 30.6655, Lng: 79.0368, ElevationM: 2310, DistanceFromPrevM: 1937},
				{ID: "temple_entrance", Name: "Temple Entrance", Type: TypeEnd, Lat: 30.6780, Lng: 79.0475, ElevationM: 2583, DistanceFromPrevM: 1726},
			},
			Safety: Safety{
				Warnings: []string{
					"Carry rain protection, weather changes quickly above the river crossing.",
					"The trail is steep after the river crossing, rest every 30 minutes.",
				},
				DeviationThresholdM: DefaultDeviationThresholdM,
			},
		},
		{
			ID:          "parikrama_circuit",
			Name:        "Riverside Parikrama",
			Description: "Circuit of the ghats with a rest house and a sunset viewpoint.",
			Waypoints: []Waypoint{
				{ID: "circuit_start", Name: "North Ghat", Type: TypeStart, Lat: 25.3176, Lng: 82.9739, ElevationM: 80},
				{ID: "old_shrine", Name: "Old Shrine", Type: TypeCheckpoint, Lat: 25.3109, Lng: 83.0107, ElevationM: 82, DistanceFromPrevM: 3773},
				{ID: "dharamshala", Name: "Pilgrim Rest House", Type: TypeRest, Lat: 25.3072, Lng: 83.0123, ElevationM: 81, DistanceFromPrevM: 442},
				{ID: "sunset_point", Name: "Sunset Point", Type: TypeScenic, Lat: 25.3041, Lng: 83.0143, ElevationM: 84, DistanceFromPrevM: 399},
				{ID: "circuit_end", Name: "Main Ghat", Type: TypeEnd, Lat: 25.3110, Lng: 83.0105, ElevationM: 80, DistanceFromPrevM: 857},
			},
			Safety: Safety{
				Warnings: []string{"Steps near the water are slippery during the monsoon."},
			},
		},
	}
}
