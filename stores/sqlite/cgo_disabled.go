//go:build !cgo

package sqlite

// CGOEnabled is false when go-sqlite3 was compiled without cgo and cannot open
// a database. GetStore refuses the sqlite backend in that build.
const CGOEnabled = false
