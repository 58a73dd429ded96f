// Package collector defines the domain types, collaborator interfaces and error taxonomy shared by
// the collection engine.
//
// The engine collects configured sources (web pages, files, directories), fingerprints the raw
// bytes, decides through the metadata store whether the content is new, binds a stable document id
// to each distinct content version, and hands new content to a DocumentStore and a MessageBus.
// Implementations of the interfaces live in subpackages named after what backs them
// (metadata/sqlite, storage/gcs, publisher/pubsub, ...).
package collector
