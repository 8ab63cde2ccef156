package native

import "strings"

// Posting records one document's occurrences of a term within a segment.
type Posting struct {
	Doc       uint32 `json:"d"`
	Frequency int    `json:"f"`
	Positions []int  `json:"p,omitempty"`
}

// PostingList is sorted by Doc.
type PostingList []Posting

// TermEntry pairs a field-qualified term key with its postings.
type TermEntry struct {
	Key      string
	Postings PostingList
}

const keySep = "\x00"

// termKey qualifies a term with its field so one dictionary serves every
// field of the schema.
func termKey(field, term string) string {
	return field + keySep + term
}

func splitKey(key string) (field, term string) {
	field, term, _ = strings.Cut(key, keySep)
	return field, term
}
