package twin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// NamedValue describes one labelled value carried by a port sample.
// Value holds the content to share next; it is empty until set.
type NamedValue struct {
	Label    string `json:"label"`
	DataType string `json:"dataType,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Port is a feed or input declared by a twin.
type Port struct {
	ID         string       `json:"id"`
	Properties []Property   `json:"properties"`
	StoreLast  bool         `json:"storeLast"`
	Values     []NamedValue `json:"values"`
}

// Validate checks the port id, its properties and the uniqueness of value labels.
func (p Port) Validate() error {
	if p.ID == "" {
		return invalid("port.id", "must not be empty")
	}
	for _, prop := range p.Properties {
		if err := prop.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]struct{}, len(p.Values))
	for _, v := range p.Values {
		if v.Label == "" {
			return invalid("port.values.label", "must not be empty on port %q", p.ID)
		}
		if _, dup := seen[v.Label]; dup {
			return invalid("port.values.label", "duplicate label %q on port %q", v.Label, p.ID)
		}
		seen[v.Label] = struct{}{}
	}
	return nil
}

// SetShares updates the values whose labels appear in shares. Unknown labels are ignored.
func (p *Port) SetShares(shares map[string]string) {
	for i := range p.Values {
		if v, ok := shares[p.Values[i].Label]; ok {
			p.Values[i].Value = v
		}
	}
}

// Shares returns the populated values keyed by label.
func (p Port) Shares() map[string]string {
	out := make(map[string]string, len(p.Values))
	for _, v := range p.Values {
		if v.Value != "" {
			out[v.Label] = v.Value
		}
	}
	return out
}

// Payload encodes the populated values as a JSON object keyed by label.
// It returns nil when no value is populated, meaning there is nothing to share.
func (p Port) Payload() []byte {
	shares := p.Shares()
	if len(shares) == 0 {
		return nil
	}
	// a map of strings always encodes
	payload, _ := json.Marshal(shares)
	return payload
}

// TwinModel is the twin document exchanged with the directory.
type TwinModel struct {
	HostID     string     `json:"hostDid"`
	ID         string     `json:"id"`
	Properties []Property `json:"properties"`
	Feeds      []Port     `json:"feeds"`
	Inputs     []Port     `json:"inputs"`
}

// Ref returns the identity of the twin.
func (m TwinModel) Ref() TwinRef {
	return TwinRef{HostID: m.HostID, TwinID: m.ID}
}

// FeedRefs returns the references of all declared feeds, in declaration order.
func (m TwinModel) FeedRefs() []FeedRef {
	refs := make([]FeedRef, 0, len(m.Feeds))
	for _, f := range m.Feeds {
		refs = append(refs, m.Ref().Feed(f.ID))
	}
	return refs
}

// FindProperty returns the first property with the given key.
func (m TwinModel) FindProperty(key string) (Property, bool) {
	for _, p := range m.Properties {
		if p.Key == key {
			return p, true
		}
	}
	return Property{}, false
}

// FindFeed returns the feed with the given id.
func (m TwinModel) FindFeed(id string) (Port, bool) {
	for _, f := range m.Feeds {
		if f.ID == id {
			return f, true
		}
	}
	return Port{}, false
}

// Validate checks the twin id, properties and all ports.
func (m TwinModel) Validate() error {
	if m.ID == "" {
		return invalid("id", "must not be empty")
	}
	for _, p := range m.Properties {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	for _, ports := range [][]Port{m.Feeds, m.Inputs} {
		ids := make(map[string]struct{}, len(ports))
		for _, port := range ports {
			if err := port.Validate(); err != nil {
				return err
			}
			if _, dup := ids[port.ID]; dup {
				return invalid("port.id", "duplicate port %q on twin %q", port.ID, m.ID)
			}
			ids[port.ID] = struct{}{}
		}
	}
	return nil
}

// Equal reports whether two models describe the same twin. Properties, ports and
// values are compared as sets, so ordering differences are ignored.
func (m TwinModel) Equal(other TwinModel) bool {
	if m.HostID != other.HostID || m.ID != other.ID {
		return false
	}
	return equalProperties(m.Properties, other.Properties) &&
		equalPorts(m.Feeds, other.Feeds) &&
		equalPorts(m.Inputs, other.Inputs)
}

func equalProperties(a, b []Property) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[Property]int, len(a))
	for _, p := range a {
		counts[p.Normalized()]++
	}
	for _, p := range b {
		n := p.Normalized()
		if counts[n] == 0 {
			return false
		}
		counts[n]--
	}
	return true
}

func equalPorts(a, b []Port) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]Port, len(a))
	for _, p := range a {
		byID[p.ID] = p
	}
	for _, p := range b {
		q, ok := byID[p.ID]
		if !ok || q.StoreLast != p.StoreLast || !equalProperties(q.Properties, p.Properties) {
			return false
		}
		if !equalValues(q.Values, p.Values) {
			return false
		}
	}
	return true
}

func equalValues(a, b []NamedValue) bool {
	if len(a) != len(b) {
		return false
	}
	sorted := func(vs []NamedValue) []NamedValue {
		out := append([]NamedValue(nil), vs...)
		sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
		return out
	}
	sa, sb := sorted(a), sorted(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// ParseTwinModel decodes one twin document. Missing lists decode as empty.
func ParseTwinModel(data []byte) (TwinModel, error) {
	var m TwinModel
	if err := json.Unmarshal(data, &m); err != nil {
		return TwinModel{}, fmt.Errorf("decoding twin: %w", err)
	}
	m.normalize()
	return m, nil
}

// ParseTwinModels decodes either a single twin document or an array of them.
func ParseTwinModels(data []byte) ([]TwinModel, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, invalid("body", "empty document")
	}
	if trimmed[0] != '[' {
		m, err := ParseTwinModel(trimmed)
		if err != nil {
			return nil, err
		}
		return []TwinModel{m}, nil
	}

	var models []TwinModel
	if err := json.Unmarshal(trimmed, &models); err != nil {
		return nil, fmt.Errorf("decoding twin list: %w", err)
	}
	for i := range models {
		models[i].normalize()
	}
	return models, nil
}

func (m *TwinModel) normalize() {
	if m.Properties == nil {
		m.Properties = []Property{}
	}
	if m.Feeds == nil {
		m.Feeds = []Port{}
	}
	if m.Inputs == nil {
		m.Inputs = []Port{}
	}
	for _, ports := range [][]Port{m.Feeds, m.Inputs} {
		for i := range ports {
			if ports[i].Properties == nil {
				ports[i].Properties = []Property{}
			}
			if ports[i].Values == nil {
				ports[i].Values = []NamedValue{}
			}
		}
	}
}
