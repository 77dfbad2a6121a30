// Package store provides the vault's persistence layer.
//
// The Store interface is implemented by two interchangeable backends:
//
//   - FlatFileStore: the entire Dataset (api keys, settings, all threads and
//     messages) is one JSON document protected as a single blob at data.json.
//     Every mutation reads the whole document, mutates in memory, re-encodes
//     and overwrites the file.
//   - SQLiteStore: each entity is a row. Message text and api key values are
//     individually field-encrypted; thread metadata is stored in the clear.
//     Legacy plaintext columns are detected and re-encoded on first read.
//
// Backend selection happens once at startup; callers hold a Store and never
// branch on the backend type. Shared behavior lives here too: title
// inference, element-wise no-op write detection, single-active-thread
// switching, and active reassignment after deletion.
package store
