package catalog

import (
	"encoding/binary"

	"github.com/burstfs/metadb/common/kvstore"
	"github.com/burstfs/metadb/proto"
)

const dataCF = kvstore.CF("default")

const (
	fidSize        = 4
	extentSeekSize = fidSize + 8
	extentSeqSize  = extentSeekSize + 8
	extentKeySize  = extentSeqSize + 12
	attrKeySize    = 4
	edgeKeySize    = 8
)

// signed ids are stored with the sign bit flipped so that byte order
// matches numeric order
func encodeInt32(v int32, b []byte) {
	binary.BigEndian.PutUint32(b, uint32(v)^0x80000000)
}

func decodeInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b) ^ 0x80000000)
}

// extent records are keyed by fid, offset, seq and the writer identity, so
// rewrites of the same range are kept side by side and only a retry of the
// very same write collapses into one record
func encodeExtentKey(k proto.ExtentKey, v *proto.ExtentValue) []byte {
	key := make([]byte, extentKeySize)
	encodeInt32(k.Fid, key)
	binary.BigEndian.PutUint64(key[fidSize:], k.Offset)
	binary.BigEndian.PutUint64(key[extentSeekSize:], v.Seq)
	encodeInt32(v.Delegator, key[extentSeqSize:])
	encodeInt32(v.Rank, key[extentSeqSize+4:])
	encodeInt32(v.AppID, key[extentSeqSize+8:])
	return key
}

func encodeExtentSeekKey(fid proto.Fid, offset uint64) []byte {
	key := make([]byte, extentSeekSize)
	encodeInt32(fid, key)
	binary.BigEndian.PutUint64(key[fidSize:], offset)
	return key
}

func encodeExtentPrefix(fid proto.Fid) []byte {
	key := make([]byte, fidSize)
	encodeInt32(fid, key)
	return key
}

func decodeExtentKey(key []byte) (fid proto.Fid, offset, seq uint64) {
	fid = decodeInt32(key)
	offset = binary.BigEndian.Uint64(key[fidSize:])
	seq = binary.BigEndian.Uint64(key[extentSeekSize:])
	return
}

func encodeAttrKey(gfid proto.Gfid) []byte {
	key := make([]byte, attrKeySize)
	encodeInt32(gfid, key)
	return key
}

func decodeAttrKey(key []byte) proto.Gfid {
	return decodeInt32(key)
}

func encodeEdgeKey(e proto.Edge) []byte {
	key := make([]byte, edgeKeySize)
	encodeInt32(e.Parent, key)
	encodeInt32(e.Child, key[4:])
	return key
}

func encodeEdgePrefix(parent proto.Gfid) []byte {
	key := make([]byte, 4)
	encodeInt32(parent, key)
	return key
}

func decodeEdgeKey(key []byte) proto.Edge {
	return proto.Edge{Parent: decodeInt32(key), Child: decodeInt32(key[4:])}
}
