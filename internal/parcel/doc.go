// Package parcel holds the shared types, interfaces and error taxonomy of the
// parcel ingest pipeline: candidates and work units flowing in, flattened
// records flowing out, and the batch and scan state tracked in between.
package parcel
