package convert

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/verrors"
)

// ParseBBox parses a --bbox argument, accepting either a plain
// "west,south,east,north" rectangle or a GeoJSON geometry/Feature/
// FeatureCollection, clamping the result to the covering rectangle in
// either case.
func ParseBBox(raw string) (coord.GeoBBox, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return coord.GeoBBox{}, verrors.New(verrors.Contract, "convert", "bbox", fmt.Errorf("empty bbox argument"))
	}
	if strings.HasPrefix(raw, "{") {
		return parseGeoJSONBBox(raw)
	}
	return parseRectBBox(raw)
}

func parseRectBBox(raw string) (coord.GeoBBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return coord.GeoBBox{}, verrors.New(verrors.Contract, "convert", raw, fmt.Errorf("expected west,south,east,north"))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return coord.GeoBBox{}, verrors.New(verrors.Contract, "convert", raw, fmt.Errorf("bad coordinate %q: %w", p, err))
		}
		vals[i] = v
	}
	return coord.GeoBBox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}, nil
}

func parseGeoJSONBBox(raw string) (coord.GeoBBox, error) {
	data := []byte(raw)

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil {
		bound := orb.Bound{Min: orb.Point{180, 90}, Max: orb.Point{-180, -90}}
		for _, feature := range fc.Features {
			bound = bound.Union(feature.Geometry.Bound())
		}
		return boundToGeoBBox(bound), nil
	}
	if feature, err := geojson.UnmarshalFeature(data); err == nil {
		return boundToGeoBBox(feature.Geometry.Bound()), nil
	}
	if geom, err := geojson.UnmarshalGeometry(data); err == nil {
		return boundToGeoBBox(geom.Geometry().Bound()), nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return coord.GeoBBox{}, verrors.New(verrors.Contract, "convert", raw, fmt.Errorf("not valid JSON: %w", err))
	}
	return coord.GeoBBox{}, verrors.New(verrors.Contract, "convert", raw, fmt.Errorf("unrecognized GeoJSON shape"))
}

func boundToGeoBBox(b orb.Bound) coord.GeoBBox {
	return coord.GeoBBox{West: b.Min.X(), South: b.Min.Y(), East: b.Max.X(), North: b.Max.Y()}
}
