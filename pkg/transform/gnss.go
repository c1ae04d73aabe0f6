package transform

import (
	"bytes"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ubx-nav coordinates arrive as integers in units of 1e-7 degrees
const ubxCoordScale = 1e7

// Fix is a normalized position record
type Fix struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ParseUBXNav decodes an ubx_gnss_nav record. The payload is either the
// JSON document itself or its hex encoding. otter's serializer leaves a
// stray comma before the closing brace, so an invalid document gets its
// last comma removed and is validated again.
func ParseUBXNav(payload []byte) (Fix, bool) {
	doc := bytes.TrimSpace(payload)
	if len(doc) == 0 {
		return Fix{}, false
	}
	if doc[0] != '{' {
		decoded, ok := decodeHex("", doc)
		if !ok {
			return Fix{}, false
		}
		doc = bytes.TrimSpace(decoded)
	}

	if !gjson.ValidBytes(doc) {
		i := bytes.LastIndexByte(doc, ',')
		if i < 0 {
			return Fix{}, false
		}
		fixed := make([]byte, 0, len(doc)-1)
		fixed = append(fixed, doc[:i]...)
		fixed = append(fixed, doc[i+1:]...)
		if !gjson.ValidBytes(fixed) {
			return Fix{}, false
		}
		doc = fixed
	}

	res := gjson.GetManyBytes(doc, "ubx_gnss_nav.id", "ubx_gnss_nav.lat", "ubx_gnss_nav.lon")
	id, lat, lon := res[0], res[1], res[2]
	if !id.Exists() || !lat.Exists() || !lon.Exists() {
		return Fix{}, false
	}

	fix := Fix{
		ID:  id.String(),
		Lat: lat.Float() / ubxCoordScale,
		Lon: lon.Float() / ubxCoordScale,
	}
	if fix.Lat < -90 || fix.Lat > 90 || fix.Lon < -180 || fix.Lon > 180 {
		return Fix{}, false
	}
	return fix, true
}

// UBXNav rewrites an ubx_gnss_nav record as {"id":..,"lat":..,"lon":..}
func UBXNav(_ string, payload []byte) ([]byte, bool) {
	fix, ok := ParseUBXNav(payload)
	if !ok {
		return nil, false
	}

	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "id", fix.ID); err != nil {
		return nil, false
	}
	if out, err = sjson.SetBytes(out, "lat", fix.Lat); err != nil {
		return nil, false
	}
	if out, err = sjson.SetBytes(out, "lon", fix.Lon); err != nil {
		return nil, false
	}
	return out, true
}
