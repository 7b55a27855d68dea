package persistent

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/burstfs/metadb/proto"
)

func TestExtentValue(t *testing.T) {
	v := proto.ExtentValue{Delegator: -1, Length: 4096, Addr: 1 << 40, AppID: 3, Rank: 17, Seq: 99}
	got := proto.ExtentValue{}
	require.NoError(t, UnmarshalExtentValue(MarshalExtentValue(&v), &got))
	require.Equal(t, v, got)

	// a field written by a newer server is skipped
	b := MarshalExtentValue(&v)
	b = protowire.AppendTag(b, 100, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = protowire.AppendTag(b, 101, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)
	got = proto.ExtentValue{}
	require.NoError(t, UnmarshalExtentValue(b, &got))
	require.Equal(t, v, got)

	b = MarshalExtentValue(&v)
	require.ErrorIs(t, UnmarshalExtentValue(b[:len(b)-1], &got), ErrTruncated)
}

func TestFileAttr(t *testing.T) {
	a := proto.FileAttr{
		Gfid: 0xbeef, Fid: 0xfeed, Filename: "/a/b", Mode: 0o644, UID: 1000, GID: 1000,
		Size: 1 << 30, Atime: 1, Mtime: -2, Ctime: 3, IsLaminated: true, Parent: 0xabcd, HasParent: true,
	}
	got := proto.FileAttr{}
	require.NoError(t, UnmarshalFileAttr(MarshalFileAttr(&a), &got))
	require.Equal(t, a, got)

	empty := proto.FileAttr{}
	got = proto.FileAttr{Filename: "stale"}
	require.NoError(t, UnmarshalFileAttr(MarshalFileAttr(&empty), &got))
	require.Equal(t, empty, got)
}
