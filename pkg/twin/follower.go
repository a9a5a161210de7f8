package twin

import "strings"

// StatusFeedID is the feed every follower twin declares to report its health.
const StatusFeedID = "status"

// FollowerSpec describes the twin that represents a follower in the directory.
type FollowerSpec struct {
	Label   string `json:"label"`
	Comment string `json:"comment"`
	// Type is the classifier URI; empty means a software application.
	Type string `json:"type,omitempty"`
	// KeyName selects the follower identity. The same key name always yields the
	// same twin, which makes registration idempotent.
	KeyName string `json:"keyName"`
}

// Validate requires a label, a comment and a key name.
func (s FollowerSpec) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"label", s.Label},
		{"comment", s.Comment},
		{"keyName", s.KeyName},
	} {
		if strings.TrimSpace(f.value) == "" {
			return invalid("follower."+f.name, "must not be empty")
		}
	}
	return nil
}

// Model builds the follower twin document for the given DID.
func (s FollowerSpec) Model(did string) TwinModel {
	classifier := s.Type
	if classifier == "" {
		classifier = SoftwareAppURI
	}
	return TwinModel{
		ID: did,
		Properties: []Property{
			URIProperty(HostAllowList, AllowAllHosts),
			URIProperty(RDFType, classifier),
			StringProperty(RDFSLabel, s.Label),
			StringProperty(RDFSComment, s.Comment),
		},
		Feeds: []Port{{
			ID:        StatusFeedID,
			StoreLast: true,
			Properties: []Property{
				StringProperty(RDFSLabel, "OperationalStatus"),
				StringProperty(RDFSComment, "Current operational status of this twin"),
			},
			Values: []NamedValue{{Label: "isOperational", DataType: "boolean", Comment: "true if operational"}},
		}},
		Inputs: []Port{},
	}
}
