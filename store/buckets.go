package store

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketDocuments    = []byte("documents")           // id -> Document JSON
	bucketByMedia      = []byte("documents_by_media")  // media key -> id
	bucketByStatus     = []byte("documents_by_status") // status|created-ts|id -> id
	bucketRawResponses = []byte("raw_responses")       // id -> raw response envelope

	bucketSuppliers        = []byte("suppliers")           // id -> Supplier JSON
	bucketSuppliersByTaxID = []byte("suppliers_by_tax_id") // NIF -> id
	bucketSuppliersByName  = []byte("suppliers_by_name")   // folded name -> id
	bucketInvoices         = []byte("invoices")            // id -> Invoice JSON
	bucketExpenses         = []byte("expenses")            // id -> Expense JSON
	bucketLedgerByDocument = []byte("ledger_by_document")  // document id -> invoice and expense ids
)

var allBuckets = [][]byte{
	bucketDocuments, bucketByMedia, bucketByStatus, bucketRawResponses,
	bucketSuppliers, bucketSuppliersByTaxID, bucketSuppliersByName,
	bucketInvoices, bucketExpenses, bucketLedgerByDocument,
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// statusPrefix is the index prefix shared by every key of one status.
// Format: [status][separator]
func statusPrefix(s Status) []byte {
	p := make([]byte, len(s)+1)
	copy(p, s)
	p[len(s)] = 0
	return p
}

// makeStatusKey creates a key for the documents_by_status index.
// Format: [status][separator][8-byte created timestamp][id]
func makeStatusKey(s Status, created time.Time, id string) []byte {
	prefix := statusPrefix(s)
	key := make([]byte, 0, len(prefix)+8+len(id))
	key = append(key, prefix...)
	key = append(key, encodeTimestamp(created)...)
	key = append(key, id...)
	return key
}

// parseStatusKey extracts the created time and id from a status index key.
func parseStatusKey(s Status, key []byte) (created time.Time, id string) {
	rest := key[len(s)+1:]
	if len(rest) < 8 {
		return time.Time{}, ""
	}
	return decodeTimestamp(rest[:8]), string(rest[8:])
}
