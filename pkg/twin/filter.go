package twin

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Scope bounds a search to the local host or the whole network.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeLocal
)

func (s Scope) String() string {
	if s == ScopeLocal {
		return "LOCAL"
	}
	return "GLOBAL"
}

// ParseScope parses LOCAL or GLOBAL, case-insensitively.
func ParseScope(s string) (Scope, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GLOBAL":
		return ScopeGlobal, nil
	case "LOCAL":
		return ScopeLocal, nil
	}
	return 0, invalid("scope", "unknown scope %q", s)
}

// ResponseType controls how much of each matching twin the directory returns.
type ResponseType int

const (
	ResponseFull ResponseType = iota
	ResponseLocated
	ResponseMinimal
)

func (r ResponseType) String() string {
	switch r {
	case ResponseLocated:
		return "LOCATED"
	case ResponseMinimal:
		return "MINIMAL"
	default:
		return "FULL"
	}
}

// ParseResponseType parses FULL, LOCATED or MINIMAL, case-insensitively.
func ParseResponseType(s string) (ResponseType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FULL":
		return ResponseFull, nil
	case "LOCATED":
		return ResponseLocated, nil
	case "MINIMAL":
		return ResponseMinimal, nil
	}
	return 0, invalid("responseType", "unknown response type %q", s)
}

// GeoCircle selects twins located within RadiusKm of a point.
type GeoCircle struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusKm float64 `json:"r"`
}

// Validate checks the radius and coordinate ranges.
func (g GeoCircle) Validate() error {
	if g.RadiusKm <= 0 {
		return invalid("location.r", "radius must be positive, got %v", g.RadiusKm)
	}
	if g.Lat < -90 || g.Lat > 90 {
		return invalid("location.lat", "latitude %v out of range [-90, 90]", g.Lat)
	}
	if g.Lon < -180 || g.Lon > 180 {
		return invalid("location.lon", "longitude %v out of range [-180, 180]", g.Lon)
	}
	return nil
}

// DefaultSearchExpiry is applied when a filter carries no expiry.
const DefaultSearchExpiry = 5 * time.Second

// SearchFilter holds the criteria of one bounded search. All criteria are optional;
// an empty filter is sent as is and its semantics are the directory's.
type SearchFilter struct {
	Text         string        `json:"text,omitempty"`
	Location     *GeoCircle    `json:"location,omitempty"`
	Properties   []Property    `json:"properties,omitempty"`
	Scope        Scope         `json:"-"`
	ResponseType ResponseType  `json:"-"`
	Expiry       time.Duration `json:"-"`
}

// Validate checks the location and property matchers and requires a positive expiry.
func (f SearchFilter) Validate() error {
	if f.Location != nil {
		if err := f.Location.Validate(); err != nil {
			return err
		}
	}
	for _, p := range f.Properties {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	if f.Expiry <= 0 {
		return invalid("expiryTimeout", "must be positive, got %s", f.Expiry)
	}
	return nil
}

// ParseSearchRequest applies a JSON search request document on top of base.
// Recognized keys are text, location{r,lat,lon}, properties[], scope,
// responseType and expiryTimeout (seconds). Absent keys keep the base value.
func ParseSearchRequest(data []byte, base SearchFilter) (SearchFilter, error) {
	if !gjson.ValidBytes(data) {
		return SearchFilter{}, invalid("body", "not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return SearchFilter{}, invalid("body", "search request must be a JSON object")
	}
	f := base

	if v := doc.Get("text"); v.Exists() {
		f.Text = v.String()
	}
	if v := doc.Get("location"); v.Exists() && v.Type != gjson.Null {
		loc, err := parseLocation(v)
		if err != nil {
			return SearchFilter{}, err
		}
		f.Location = &loc
	}
	if v := doc.Get("properties"); v.Exists() {
		props, err := ParsePropertyMatchers(v.Raw)
		if err != nil {
			return SearchFilter{}, err
		}
		f.Properties = props
	}
	if v := doc.Get("scope"); v.Exists() {
		scope, err := ParseScope(v.String())
		if err != nil {
			return SearchFilter{}, err
		}
		f.Scope = scope
	}
	if v := doc.Get("responseType"); v.Exists() {
		rt, err := ParseResponseType(v.String())
		if err != nil {
			return SearchFilter{}, err
		}
		f.ResponseType = rt
	}
	if v := doc.Get("expiryTimeout"); v.Exists() {
		if v.Type != gjson.Number {
			return SearchFilter{}, invalid("expiryTimeout", "must be a number of seconds")
		}
		f.Expiry = time.Duration(v.Float() * float64(time.Second))
	}
	if f.Expiry == 0 {
		f.Expiry = DefaultSearchExpiry
	}
	return f, f.Validate()
}

// ParseLocation parses a {r, lat, lon} JSON object.
func ParseLocation(raw string) (GeoCircle, error) {
	if !gjson.Valid(raw) {
		return GeoCircle{}, invalid("location", "not valid JSON")
	}
	return parseLocation(gjson.Parse(raw))
}

func parseLocation(v gjson.Result) (GeoCircle, error) {
	if !v.IsObject() {
		return GeoCircle{}, invalid("location", "must be an object with r, lat and lon")
	}
	for _, key := range []string{"r", "lat", "lon"} {
		if f := v.Get(key); f.Type != gjson.Number {
			return GeoCircle{}, invalid("location."+key, "missing or not a number")
		}
	}
	loc := GeoCircle{
		RadiusKm: v.Get("r").Float(),
		Lat:      v.Get("lat").Float(),
		Lon:      v.Get("lon").Float(),
	}
	return loc, loc.Validate()
}

// ParsePropertyMatchers parses a JSON array of matchers, each with a key and one of
// uri, stringLiteral, langLiteral (with lang) or literal (with optional dataType).
func ParsePropertyMatchers(raw string) ([]Property, error) {
	if !gjson.Valid(raw) {
		return nil, invalid("properties", "not valid JSON")
	}
	arr := gjson.Parse(raw)
	if !arr.IsArray() {
		return nil, invalid("properties", "must be an array")
	}

	var props []Property
	var perr error
	arr.ForEach(func(_, m gjson.Result) bool {
		key := m.Get("key").String()
		var p Property
		switch {
		case m.Get("uri").Exists():
			p = URIProperty(key, m.Get("uri").String())
		case m.Get("stringLiteral").Exists():
			p = StringProperty(key, m.Get("stringLiteral").String())
		case m.Get("langLiteral").Exists():
			p = LangProperty(key, m.Get("langLiteral").String(), m.Get("lang").String())
		case m.Get("literal").Exists():
			p = LiteralProperty(key, m.Get("literal").String(), m.Get("dataType").String())
		default:
			perr = invalid("properties", "matcher for %q has no value", key)
			return false
		}
		if err := p.Validate(); err != nil {
			perr = err
			return false
		}
		props = append(props, p)
		return true
	})
	if perr != nil {
		return nil, perr
	}
	return props, nil
}
