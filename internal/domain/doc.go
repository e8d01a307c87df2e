// Package domain models the data the nowcast service moves between its
// provider adapters, cache, nowcast engine and alert evaluator.
//
// # Grid Conventions
//
// Precipitation fields are rasters over a rectangular window centred on a
// tracked location:
//
//	Row 0 is the northern edge, column 0 the western edge.
//	Cells are stored row-major: index = row*cols + col.
//	Cell size is uniform in degrees (FIELD_CELL_DEG), not in kilometres.
//	Intensities are mm/h and never negative.
//	NoData (-1) marks a cell without a value: outside the provider's
//	coverage, or advected in from beyond the window edge.
//
// Consumers treat NoData as "unknown", never as "dry". A grid with every cell
// NoData is a valid forecast that says nothing.
//
// # Location Keys
//
// A Location's key is its coordinates rounded to four decimals, e.g.
// "39.7392,-104.9903". The label is display-only. Caches, alert stores and
// the query API all address locations by key, so two requests a few metres
// apart share one cache entry.
//
// # Quality and Confidence
//
// Every ObservationField carries a Quality:
//
//	high     government source, strict schema      ceiling 1.00
//	derived  aggregator, interpolated upstream      ceiling 0.85
//	low      stale fallback or partial coverage     ceiling 0.50
//
// A nowcast's confidence never exceeds the ceiling of the worst field it was
// computed from, and never increases with lead time.
//
// # Motion Vectors
//
// Motion is measured in grid cells per observation interval. DX > 0 moves
// features east (increasing column), DY > 0 moves them south (increasing
// row). A vector estimated from fields 10 minutes apart with DX = 2 places a
// feature 6 columns east at lead 30.
//
// # Alert Identity
//
// Alert state is keyed by (geofence id, hazard). Geofences reference their
// centre by value and alert states reference geofences by id only, so nothing
// in the model owns anything else.
//
// Event IDs are truncated SHA-256 hashes of geofence|hazard|grid version. A
// sink that receives the same event twice after a retry can drop the
// duplicate without coordination. See [EventID].
package domain
