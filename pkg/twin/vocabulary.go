package twin

// Well-known property keys and values used when building twin documents.
const (
	RDFType        = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	RDFSLabel      = "http://www.w3.org/2000/01/rdf-schema#label"
	RDFSComment    = "http://www.w3.org/2000/01/rdf-schema#comment"
	XSDNamespace   = "http://www.w3.org/2001/XMLSchema#"
	HostAllowList  = "http://data.iotics.com/public#hostAllowList"
	AllowAllHosts  = "http://data.iotics.com/public#allHosts"
	SoftwareAppURI = "https://schema.org/SoftwareApplication"

	// DefaultMimeType is attached to shared samples whose payload is a JSON object.
	DefaultMimeType = "application/json"
)

// Location property keys. Values are decimal literals in degrees.
const (
	GeoLat  = "http://www.w3.org/2003/01/geo/wgs84_pos#lat"
	GeoLong = "http://www.w3.org/2003/01/geo/wgs84_pos#long"
)
