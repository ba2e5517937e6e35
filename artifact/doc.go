// Package artifact stores checkpoint files by slash separated name.
//
// Three backends are provided:
//
//   - LocalStore: files under a root directory
//   - MemoryStore: an in-process map, used by tests
//   - GCSStore: objects under a Google Cloud Storage bucket prefix
//
// Open picks the backend from an output location: "gs://bucket/prefix"
// selects GCS, anything else is a local directory.
//
// A missing artifact is reported as errdefs.ErrResource, as is a write that
// cannot be completed.
package artifact
