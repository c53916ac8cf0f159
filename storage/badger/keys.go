package badger

import (
	"encoding/binary"

	"github.com/poiesic/docgraph/core"
)

// Key prefixes for different data types
const (
	urlMapPrefix   = "mapurl" // mapurl:<url> -> id
	idMapPrefix    = "mapid"  // mapid:<id> -> url
	docRecordPrefix = "docrec" // docrec:<id> -> JSON record
	docIndexPrefix = "docidx" // docidx:<score><id> -> id
	catIndexPrefix = "catidx" // catidx:<category>:<score><id> -> id
	linkSetPrefix  = "lnkfwd" // lnkfwd:<id>:<score><target> -> target id
	backSetPrefix  = "lnkrev" // lnkrev:<id>:<score><source> -> source id
)

// makeURLMapKey generates the key for the url -> id mapping.
func makeURLMapKey(url string) []byte {
	return []byte(urlMapPrefix + ":" + url)
}

// makeIDMapKey generates the key for the id -> url mapping.
func makeIDMapKey(id string) []byte {
	return []byte(idMapPrefix + ":" + id)
}

// makeDocumentKey generates the key for a document record by id.
func makeDocumentKey(id string) []byte {
	return []byte(docRecordPrefix + ":" + id)
}

// makeSetKey generates a composite key for a score-ordered set entry.
// Format: partial + score + member, with the score in BigEndian order so
// lexicographic sort works correctly.
func makeSetKey(partial []byte, score uint64, member string) []byte {
	buf := make([]byte, len(partial)+8+len(member))
	offset := copy(buf, partial)
	binary.BigEndian.PutUint64(buf[offset:], score)
	offset += 8
	copy(buf[offset:], member)
	return buf
}

// parseSetKey splits a composite set key back into score and member.
func parseSetKey(key, partial []byte) (score uint64, member string) {
	rest := key[len(partial):]
	score = binary.BigEndian.Uint64(rest[:8])
	member = string(rest[8:])
	return score, member
}

// makeDocIndexKey generates a key for the global document index.
// Format: docidx:<score><id>
func makeDocIndexKey(score uint64, id string) []byte {
	return makeSetKey(makePartialDocIndexKey(), score, id)
}

func makePartialDocIndexKey() []byte {
	return []byte(docIndexPrefix + ":")
}

// makeCatIndexKey generates a key for the per-category document index.
// Format: catidx:<category>:<score><id>
func makeCatIndexKey(category core.Category, score uint64, id string) []byte {
	return makeSetKey(makePartialCatIndexKey(category), score, id)
}

func makePartialCatIndexKey(category core.Category) []byte {
	return []byte(catIndexPrefix + ":" + string(category) + ":")
}

// makeLinkKey generates a key for one entry of a document's link set.
// Format: lnkfwd:<id>:<score><target>
func makeLinkKey(id string, score uint64, target string) []byte {
	return makeSetKey(makePartialLinkKey(id), score, target)
}

func makePartialLinkKey(id string) []byte {
	return []byte(linkSetPrefix + ":" + id + ":")
}

// makeBacklinkKey generates a key for one entry of a document's backlink set.
// Format: lnkrev:<id>:<score><source>
func makeBacklinkKey(id string, score uint64, source string) []byte {
	return makeSetKey(makePartialBacklinkKey(id), score, source)
}

func makePartialBacklinkKey(id string) []byte {
	return []byte(backSetPrefix + ":" + id + ":")
}
