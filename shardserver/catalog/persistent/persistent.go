// Package persistent holds the stored value formats of the shard indexes.
// Values are protobuf wire encoded so fields can be added without breaking
// databases written by older servers.
package persistent

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/burstfs/metadb/proto"
)

var ErrTruncated = errors.New("persistent: truncated value")

const (
	extentDelegator protowire.Number = iota + 1
	extentLength
	extentAddr
	extentAppID
	extentRank
	extentSeq
)

const (
	attrGfid protowire.Number = iota + 1
	attrFid
	attrFilename
	attrMode
	attrUID
	attrGID
	attrSize
	attrAtime
	attrMtime
	attrCtime
	attrLaminated
	attrParent
	attrHasParent
)

func MarshalExtentValue(v *proto.ExtentValue) []byte {
	b := make([]byte, 0, 48)
	b = appendSint(b, extentDelegator, int64(v.Delegator))
	b = appendUint(b, extentLength, v.Length)
	b = appendUint(b, extentAddr, v.Addr)
	b = appendSint(b, extentAppID, int64(v.AppID))
	b = appendSint(b, extentRank, int64(v.Rank))
	b = appendUint(b, extentSeq, v.Seq)
	return b
}

func UnmarshalExtentValue(b []byte, v *proto.ExtentValue) error {
	return consumeFields(b, func(num protowire.Number, x uint64) {
		switch num {
		case extentDelegator:
			v.Delegator = int32(protowire.DecodeZigZag(x))
		case extentLength:
			v.Length = x
		case extentAddr:
			v.Addr = x
		case extentAppID:
			v.AppID = int32(protowire.DecodeZigZag(x))
		case extentRank:
			v.Rank = int32(protowire.DecodeZigZag(x))
		case extentSeq:
			v.Seq = x
		}
	}, nil)
}

func MarshalFileAttr(a *proto.FileAttr) []byte {
	b := make([]byte, 0, 64+len(a.Filename))
	b = appendSint(b, attrGfid, int64(a.Gfid))
	b = appendSint(b, attrFid, int64(a.Fid))
	b = protowire.AppendTag(b, attrFilename, protowire.BytesType)
	b = protowire.AppendString(b, a.Filename)
	b = appendUint(b, attrMode, uint64(a.Mode))
	b = appendUint(b, attrUID, uint64(a.UID))
	b = appendUint(b, attrGID, uint64(a.GID))
	b = appendUint(b, attrSize, a.Size)
	b = appendSint(b, attrAtime, a.Atime)
	b = appendSint(b, attrMtime, a.Mtime)
	b = appendSint(b, attrCtime, a.Ctime)
	b = appendUint(b, attrLaminated, protowire.EncodeBool(a.IsLaminated))
	b = appendSint(b, attrParent, int64(a.Parent))
	b = appendUint(b, attrHasParent, protowire.EncodeBool(a.HasParent))
	return b
}

func UnmarshalFileAttr(b []byte, a *proto.FileAttr) error {
	return consumeFields(b, func(num protowire.Number, x uint64) {
		switch num {
		case attrGfid:
			a.Gfid = int32(protowire.DecodeZigZag(x))
		case attrFid:
			a.Fid = int32(protowire.DecodeZigZag(x))
		case attrMode:
			a.Mode = uint32(x)
		case attrUID:
			a.UID = uint32(x)
		case attrGID:
			a.GID = uint32(x)
		case attrSize:
			a.Size = x
		case attrAtime:
			a.Atime = protowire.DecodeZigZag(x)
		case attrMtime:
			a.Mtime = protowire.DecodeZigZag(x)
		case attrCtime:
			a.Ctime = protowire.DecodeZigZag(x)
		case attrLaminated:
			a.IsLaminated = protowire.DecodeBool(x)
		case attrParent:
			a.Parent = int32(protowire.DecodeZigZag(x))
		case attrHasParent:
			a.HasParent = protowire.DecodeBool(x)
		}
	}, func(num protowire.Number, v []byte) {
		if num == attrFilename {
			a.Filename = string(v)
		}
	})
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, protowire.EncodeZigZag(v))
}

// consumeFields walks a wire encoded message, unknown fields are skipped.
func consumeFields(b []byte, onVarint func(protowire.Number, uint64), onBytes func(protowire.Number, []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %s", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %s", ErrTruncated, protowire.ParseError(n))
			}
			onVarint(num, x)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %s", ErrTruncated, protowire.ParseError(n))
			}
			if onBytes != nil {
				onBytes(num, v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %s", ErrTruncated, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
