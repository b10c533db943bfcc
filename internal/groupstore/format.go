// Package groupstore implements the on-disk layout of one compact index
// group (spec component D): a metadata file plus one little-endian packed
// array file per array named in the data model, laid out so a reader can
// memory-map each array file and present it as a read-only slice.
package groupstore

import (
	"encoding/binary"
	"fmt"
)

// arrayMagic marks the start of every packed array file, mirroring the
// magic-byte-then-length-prefix convention used by on-disk index formats
// elsewhere in the ecosystem: a reader bails immediately on a
// corrupted or unrelated file instead of misinterpreting its bytes.
var arrayMagic = [4]byte{'f', 'e', 'a', '1'}

const (
	elemFloat32 uint8 = iota
	elemUint64
	elemUint32
)

// writeArrayHeader writes the 4-byte magic, a 1-byte element-kind tag, and
// an 8-byte little-endian element count.
func writeArrayHeader(buf []byte, kind uint8, count uint64) []byte {
	buf = append(buf, arrayMagic[:]...)
	buf = append(buf, kind)
	countBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(countBytes, count)
	return append(buf, countBytes...)
}

// readArrayHeader validates the magic and kind tag and returns the element
// count and the offset the element data starts at.
func readArrayHeader(data []byte, wantKind uint8) (count uint64, dataOffset int, err error) {
	const headerLen = 4 + 1 + 8
	if len(data) < headerLen {
		return 0, 0, fmt.Errorf("groupstore: array file too short for header")
	}
	if [4]byte(data[:4]) != arrayMagic {
		return 0, 0, fmt.Errorf("groupstore: bad array magic")
	}
	kind := data[4]
	if kind != wantKind {
		return 0, 0, fmt.Errorf("groupstore: array kind mismatch: want %d got %d", wantKind, kind)
	}
	count = binary.LittleEndian.Uint64(data[5:13])
	return count, headerLen, nil
}

// metaSchemaVersion guards against reading a group written by an
// incompatible future layout (spec §7 KindIO: "version mismatch in bucket
// metadata").
const metaSchemaVersion uint32 = 1

// groupMeta is the small fixed record persisted as the "meta" file inside
// a group directory: counts and flags, the byte-offset-free companion to
// the array files themselves.
type groupMeta struct {
	SchemaVersion     uint32
	NSpectra          uint64
	NPeaks            uint64
	HasNeutralLoss    bool
	IntensityWeighted bool
}

func encodeMeta(m groupMeta) []byte {
	buf := make([]byte, 0, 4+4+8+8+1+1)
	buf = append(buf, arrayMagic[:]...)
	versionBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(versionBytes, m.SchemaVersion)
	buf = append(buf, versionBytes...)
	eight := make([]byte, 8)
	binary.LittleEndian.PutUint64(eight, m.NSpectra)
	buf = append(buf, eight...)
	binary.LittleEndian.PutUint64(eight, m.NPeaks)
	buf = append(buf, eight...)
	buf = append(buf, boolByte(m.HasNeutralLoss), boolByte(m.IntensityWeighted))
	return buf
}

func decodeMeta(data []byte) (groupMeta, error) {
	const want = 4 + 4 + 8 + 8 + 1 + 1
	if len(data) < want {
		return groupMeta{}, fmt.Errorf("groupstore: meta file too short")
	}
	if [4]byte(data[:4]) != arrayMagic {
		return groupMeta{}, fmt.Errorf("groupstore: bad meta magic")
	}
	m := groupMeta{
		SchemaVersion:     binary.LittleEndian.Uint32(data[4:8]),
		NSpectra:          binary.LittleEndian.Uint64(data[8:16]),
		NPeaks:            binary.LittleEndian.Uint64(data[16:24]),
		HasNeutralLoss:    data[24] != 0,
		IntensityWeighted: data[25] != 0,
	}
	if m.SchemaVersion != metaSchemaVersion {
		return groupMeta{}, fmt.Errorf("groupstore: unsupported meta schema version %d", m.SchemaVersion)
	}
	return m, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
