// Package twin defines the data model shared by every twinmesh component.
//
// A digital twin is a remote record identified by a (host, twin) pair. It carries
// semantic properties and a set of ports: feeds it publishes and inputs it accepts.
// The package provides:
//   - TwinRef, FeedRef and Interest: value identities usable as map keys
//   - Property: a tagged union of URI, string, language-tagged and typed literal values
//   - Port and NamedValue: feed/input declarations and their current sample values
//   - TwinModel: the full twin document exchanged with the directory service
//   - SearchFilter: the criteria for a bounded directory search
//   - FeedRecord: one sample received on a followed feed
//   - BatchOutcome: per-item accounting for fan-out operations
//
// Values in this package are plain data. They are validated with Validate methods that
// return *ValidationError, which matches ErrValidation through errors.Is.
//
// Example usage:
//
//	model, err := twin.ParseTwinModel(data)
//	if err != nil {
//		return err
//	}
//	for _, feed := range model.Feeds {
//		if payload := feed.Payload(); payload != nil {
//			...
//		}
//	}
package twin
