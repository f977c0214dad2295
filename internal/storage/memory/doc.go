// Package memory provides in-process JobRepository and BlobStore
// implementations for development and tests.
package memory
