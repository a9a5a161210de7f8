package twin

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// PropertyKind selects which variant of the Property union is populated.
type PropertyKind int

const (
	KindURI PropertyKind = iota
	KindStringLiteral
	KindLangLiteral
	KindLiteral
)

var kindNames = map[PropertyKind]string{
	KindURI:           "Uri",
	KindStringLiteral: "StringLiteral",
	KindLangLiteral:   "LangLiteral",
	KindLiteral:       "Literal",
}

func (k PropertyKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PropertyKind(%d)", int(k))
}

// ParsePropertyKind accepts the names produced by String, case-insensitively.
func ParsePropertyKind(s string) (PropertyKind, error) {
	for kind, name := range kindNames {
		if strings.EqualFold(name, s) {
			return kind, nil
		}
	}
	return 0, invalid("type", "unknown property type %q", s)
}

// MarshalJSON encodes the kind by name.
func (k PropertyKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name.
func (k *PropertyKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePropertyKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DefaultDataType is used for literals created without an explicit data type.
const DefaultDataType = "string"

var dataTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Property is a semantic key/value pair attached to a twin or port.
// Lang is only meaningful for KindLangLiteral, DataType only for KindLiteral.
type Property struct {
	Key      string       `json:"key"`
	Kind     PropertyKind `json:"type"`
	Value    string       `json:"value"`
	Lang     string       `json:"lang,omitempty"`
	DataType string       `json:"dataType,omitempty"`
}

// URIProperty builds a property whose value is a resource reference.
func URIProperty(key, uri string) Property {
	return Property{Key: key, Kind: KindURI, Value: uri}
}

// StringProperty builds a plain string literal property.
func StringProperty(key, value string) Property {
	return Property{Key: key, Kind: KindStringLiteral, Value: value}
}

// LangProperty builds a language-tagged literal property.
func LangProperty(key, value, lang string) Property {
	return Property{Key: key, Kind: KindLangLiteral, Value: value, Lang: lang}
}

// LiteralProperty builds a typed literal. The data type is normalized with NormalizeDataType.
func LiteralProperty(key, value, dataType string) Property {
	return Property{Key: key, Kind: KindLiteral, Value: value, DataType: NormalizeDataType(dataType)}
}

// NormalizeDataType reduces an absolute XSD type URI to its fragment and
// substitutes DefaultDataType for an empty value.
func NormalizeDataType(dataType string) string {
	dataType = strings.TrimSpace(dataType)
	if dataType == "" {
		return DefaultDataType
	}
	if i := strings.LastIndex(dataType, "#"); i >= 0 && strings.Contains(dataType, "://") {
		return dataType[i+1:]
	}
	return dataType
}

// Validate checks the key and, for literals, the data type name.
func (p Property) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return invalid("property.key", "must not be empty")
	}
	if _, ok := kindNames[p.Kind]; !ok {
		return invalid("property.type", "unknown kind %d for %q", int(p.Kind), p.Key)
	}
	if p.Kind == KindLiteral && p.DataType != "" {
		if !dataTypePattern.MatchString(NormalizeDataType(p.DataType)) {
			return invalid("property.dataType", "%q is not a valid type name", p.DataType)
		}
	}
	return nil
}

// Normalized returns a copy with the data type defaulted and reduced.
func (p Property) Normalized() Property {
	if p.Kind == KindLiteral {
		p.DataType = NormalizeDataType(p.DataType)
	} else {
		p.DataType = ""
	}
	if p.Kind != KindLangLiteral {
		p.Lang = ""
	}
	return p
}

func (p Property) String() string {
	switch p.Kind {
	case KindLangLiteral:
		return fmt.Sprintf("%s=%q@%s", p.Key, p.Value, p.Lang)
	case KindLiteral:
		return fmt.Sprintf("%s=%q^^%s", p.Key, p.Value, p.DataType)
	case KindURI:
		return fmt.Sprintf("%s=<%s>", p.Key, p.Value)
	default:
		return fmt.Sprintf("%s=%q", p.Key, p.Value)
	}
}

// UnmarshalJSON accepts both the canonical {key,type,value,...} form and the
// matcher form {key, uri|stringLiteral|langLiteral|literal, lang, dataType}.
func (p *Property) UnmarshalJSON(data []byte) error {
	var raw struct {
		Key           string        `json:"key"`
		Kind          *PropertyKind `json:"type"`
		Value         string        `json:"value"`
		Lang          string        `json:"lang"`
		DataType      string        `json:"dataType"`
		URI           *string       `json:"uri"`
		StringLiteral *string       `json:"stringLiteral"`
		LangLiteral   *string       `json:"langLiteral"`
		Literal       *string       `json:"literal"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch {
	case raw.Kind != nil:
		*p = Property{Key: raw.Key, Kind: *raw.Kind, Value: raw.Value, Lang: raw.Lang, DataType: raw.DataType}
	case raw.URI != nil:
		*p = URIProperty(raw.Key, *raw.URI)
	case raw.StringLiteral != nil:
		*p = StringProperty(raw.Key, *raw.StringLiteral)
	case raw.LangLiteral != nil:
		*p = LangProperty(raw.Key, *raw.LangLiteral, raw.Lang)
	case raw.Literal != nil:
		*p = LiteralProperty(raw.Key, *raw.Literal, raw.DataType)
	default:
		return invalid("property", "no value given for %q", raw.Key)
	}
	*p = p.Normalized()
	return nil
}
