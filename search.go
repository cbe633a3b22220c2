package imapcore

import (
	"reflect"
	"time"
)

// SearchOptions holds options for the SEARCH command.
type SearchOptions struct {
	// Requires IMAP4rev2 or ESEARCH
	ReturnMin   bool
	ReturnMax   bool
	ReturnAll   bool
	ReturnCount bool
	// Requires IMAP4rev2 or SEARCHRES
	ReturnSave bool
}

// SearchCriteria is a set of criteria to match messages against with the
// SEARCH command.
//
// When multiple fields are populated, the result is the intersection
// ("and" function) of all messages that match each field.
//
// "And", "Not" and "Or" can be used to combine multiple criteria. For
// instance, the following criteria matches messages which do not
// contain "hello" in their body:
//
//	SearchCriteria{Not: []SearchCriteria{{
//		Body: []string{"hello"},
//	}}}
//
// And the following criteria matches messages which contain "hello" or
// "world" in their body:
//
//	SearchCriteria{Or: [][2]SearchCriteria{{
//		{Body: []string{"hello"}},
//		{Body: []string{"world"}},
//	}}}
type SearchCriteria struct {
	SeqNum []SeqSet
	UID    []UIDSet

	// Only the date is used, time and timezone are ignored
	Since      time.Time
	Before     time.Time
	SentSince  time.Time
	SentBefore time.Time

	Header []SearchCriteriaHeaderField
	Body   []string
	Text   []string

	Flag    []Flag
	NotFlag []Flag

	Larger  int64
	Smaller int64

	Not []SearchCriteria
	Or  [][2]SearchCriteria

	ModSeq *SearchCriteriaModSeq // requires CONDSTORE

	// Older matches messages whose internal date is at least this long
	// ago; Younger matches messages more recent than this. Both require
	// the WITHIN extension and are mutually independent (both may be set).
	Older   time.Duration
	Younger time.Duration

	// SaveDateSince/SaveDateBefore match on the server-assigned save
	// date. Only the date is used, time and timezone are ignored.
	// Requires the SAVEDATE extension.
	SaveDateSince  time.Time
	SaveDateBefore time.Time

	// Filter references a server-side saved search by name. Requires the
	// FILTERS extension.
	Filter []string

	// Fuzzy wraps another criteria in a fuzzy (approximate) match.
	// Requires the SEARCH=FUZZY extension.
	Fuzzy *SearchCriteria

	// Annotation matches messages whose entry/attribute annotation value
	// contains Value. Requires the METADATA or METADATA-SERVER
	// extension.
	Annotation []SearchCriteriaAnnotation

	// GMailRaw passes a raw Gmail search query string through X-GM-RAW.
	// GMailMessageID/GMailThreadID/GMailLabels match Gmail's X-GM-MSGID,
	// X-GM-THRID and X-GM-LABELS respectively. All require the
	// X-GM-EXT-1 capability.
	GMailRaw       string
	GMailMessageID uint64
	GMailThreadID  uint64
	GMailLabels    []string
}

// SearchCriteriaAnnotation is an entry/attribute/value triple for the
// ANNOTATION search key.
type SearchCriteriaAnnotation struct {
	Entry     string
	Attribute string
	Value     string
}

// And intersects criteria with other in place.
func (criteria *SearchCriteria) And(other *SearchCriteria) {
	criteria.SeqNum = append(criteria.SeqNum, other.SeqNum...)
	criteria.UID = append(criteria.UID, other.UID...)

	criteria.Since = intersectSince(criteria.Since, other.Since)
	criteria.Before = intersectBefore(criteria.Before, other.Before)
	criteria.SentSince = intersectSince(criteria.SentSince, other.SentSince)
	criteria.SentBefore = intersectBefore(criteria.SentBefore, other.SentBefore)

	criteria.Header = append(criteria.Header, other.Header...)
	criteria.Body = append(criteria.Body, other.Body...)
	criteria.Text = append(criteria.Text, other.Text...)

	criteria.Flag = append(criteria.Flag, other.Flag...)
	criteria.NotFlag = append(criteria.NotFlag, other.NotFlag...)

	if criteria.Larger == 0 || other.Larger > criteria.Larger {
		criteria.Larger = other.Larger
	}
	if criteria.Smaller == 0 || (other.Smaller != 0 && other.Smaller < criteria.Smaller) {
		criteria.Smaller = other.Smaller
	}

	criteria.Not = append(criteria.Not, other.Not...)
	criteria.Or = append(criteria.Or, other.Or...)

	if other.Older > criteria.Older {
		criteria.Older = other.Older
	}
	if criteria.Younger == 0 || (other.Younger != 0 && other.Younger < criteria.Younger) {
		criteria.Younger = other.Younger
	}
	criteria.SaveDateSince = intersectSince(criteria.SaveDateSince, other.SaveDateSince)
	criteria.SaveDateBefore = intersectBefore(criteria.SaveDateBefore, other.SaveDateBefore)

	criteria.Filter = append(criteria.Filter, other.Filter...)
	criteria.Annotation = append(criteria.Annotation, other.Annotation...)

	if other.Fuzzy != nil {
		criteria.Fuzzy = other.Fuzzy
	}

	if other.GMailRaw != "" {
		criteria.GMailRaw = other.GMailRaw
	}
	if other.GMailMessageID != 0 {
		criteria.GMailMessageID = other.GMailMessageID
	}
	if other.GMailThreadID != 0 {
		criteria.GMailThreadID = other.GMailThreadID
	}
	criteria.GMailLabels = append(criteria.GMailLabels, other.GMailLabels...)
}

// intersectSince returns the later of the two dates.
func intersectSince(t1, t2 time.Time) time.Time {
	switch {
	case t1.IsZero():
		return t2
	case t2.IsZero():
		return t1
	case t1.After(t2):
		return t1
	default:
		return t2
	}
}

// intersectBefore returns the earlier of the two dates.
func intersectBefore(t1, t2 time.Time) time.Time {
	switch {
	case t1.IsZero():
		return t2
	case t2.IsZero():
		return t1
	case t1.Before(t2):
		return t1
	default:
		return t2
	}
}

// SearchCriteriaHeaderField is a header field name/value pair to search for.
type SearchCriteriaHeaderField struct {
	Key, Value string
}

// SearchCriteriaModSeq composes a CONDSTORE MODSEQ search criterion,
// optionally scoped to a METADATA entry.
type SearchCriteriaModSeq struct {
	ModSeq       uint64
	MetadataName string
	MetadataType SearchCriteriaMetadataType
}

// SearchCriteriaMetadataType is the metadata scope of a MODSEQ criterion.
type SearchCriteriaMetadataType string

const (
	SearchCriteriaMetadataAll     SearchCriteriaMetadataType = "all"
	SearchCriteriaMetadataPrivate SearchCriteriaMetadataType = "priv"
	SearchCriteriaMetadataShared  SearchCriteriaMetadataType = "shared"
)

// SearchData is the data returned by the SEARCH command.
type SearchData struct {
	All NumSet

	// Requires IMAP4rev2 or ESEARCH
	UID   bool
	Min   uint32
	Max   uint32
	Count uint32

	// Requires CONDSTORE
	ModSeq uint64
}

// AllSeqNums returns All as a slice of message sequence numbers.
func (data *SearchData) AllSeqNums() []uint32 {
	seqSet, ok := data.All.(SeqSet)
	if !ok {
		return nil
	}

	// Note: a dynamic number set here would be a server bug
	nums, ok := seqSet.Nums()
	if !ok {
		panic("imapcore: SearchData.All is a dynamic number set")
	}
	return nums
}

// AllUIDs returns All as a slice of UIDs.
func (data *SearchData) AllUIDs() []UID {
	uidSet, ok := data.All.(UIDSet)
	if !ok {
		return nil
	}

	// Note: a dynamic number set here would be a server bug
	uids, ok := uidSet.Nums()
	if !ok {
		panic("imapcore: SearchData.All is a dynamic number set")
	}
	return uids
}

// searchRes is a special, empty UIDSet used as a marker. It has non-zero
// capacity so that its data pointer is non-nil and can be compared.
//
// It's a UIDSet and not a SeqSet so that it can be passed to UID EXPUNGE.
var (
	searchRes     = make(UIDSet, 0, 1)
	searchResAddr = reflect.ValueOf(searchRes).Pointer()
)

// SearchRes returns a special marker which can be used instead of a UIDSet
// to reference the last SEARCH result. On the wire, it's encoded as '$'.
//
// Requires IMAP4rev2 or the SEARCHRES extension.
func SearchRes() UIDSet {
	return searchRes
}

// IsSearchRes checks whether a number set refers to the last SEARCH
// result. See SearchRes.
func IsSearchRes(numSet NumSet) bool {
	return reflect.ValueOf(numSet).Pointer() == searchResAddr
}
