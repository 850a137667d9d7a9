// Package memory provides in-process implementations of the parcel stores
// for development runs and tests. Nothing here survives a restart.
package memory
