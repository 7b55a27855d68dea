// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package proto

import (
	"context"

	"google.golang.org/grpc"
)

const MetaShardServiceName = "metadb.MetaShard"

var MetaShardServiceDesc = grpc.ServiceDesc{
	ServiceName: MetaShardServiceName,
	HandlerType: (*MetaShardServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("PutExtents", MetaShardServer.PutExtents),
		unaryMethod("GetExtents", MetaShardServer.GetExtents),
		unaryMethod("ScanExtents", MetaShardServer.ScanExtents),
		unaryMethod("PutAttrs", MetaShardServer.PutAttrs),
		unaryMethod("GetAttrs", MetaShardServer.GetAttrs),
		unaryMethod("DeleteAttr", MetaShardServer.DeleteAttr),
		unaryMethod("ScanAttrs", MetaShardServer.ScanAttrs),
		unaryMethod("PutEdges", MetaShardServer.PutEdges),
		unaryMethod("DeleteEdges", MetaShardServer.DeleteEdges),
		unaryMethod("ListChildren", MetaShardServer.ListChildren),
		unaryMethod("ScanEdges", MetaShardServer.ScanEdges),
		unaryMethod("Commit", MetaShardServer.Commit),
		unaryMethod("ShardStats", MetaShardServer.ShardStats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "metadb/meta_shard",
}

func RegisterMetaShardServer(s grpc.ServiceRegistrar, srv MetaShardServer) {
	s.RegisterService(&MetaShardServiceDesc, srv)
}

func unaryMethod[Req, Resp any](name string, call func(MetaShardServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + MetaShardServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MetaShardServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(MetaShardServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// MetaShardClient is the grpc stub of MetaShardServer.
type MetaShardClient struct {
	cc grpc.ClientConnInterface
}

func NewMetaShardClient(cc grpc.ClientConnInterface) *MetaShardClient {
	return &MetaShardClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+MetaShardServiceName+"/"+name, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MetaShardClient) PutExtents(ctx context.Context, in *PutExtentsRequest, opts ...grpc.CallOption) (*PutExtentsResponse, error) {
	return invoke[PutExtentsResponse](ctx, c.cc, "PutExtents", in, opts)
}

func (c *MetaShardClient) GetExtents(ctx context.Context, in *GetExtentsRequest, opts ...grpc.CallOption) (*GetExtentsResponse, error) {
	return invoke[GetExtentsResponse](ctx, c.cc, "GetExtents", in, opts)
}

func (c *MetaShardClient) ScanExtents(ctx context.Context, in *ScanExtentsRequest, opts ...grpc.CallOption) (*ScanExtentsResponse, error) {
	return invoke[ScanExtentsResponse](ctx, c.cc, "ScanExtents", in, opts)
}

func (c *MetaShardClient) PutAttrs(ctx context.Context, in *PutAttrsRequest, opts ...grpc.CallOption) (*PutAttrsResponse, error) {
	return invoke[PutAttrsResponse](ctx, c.cc, "PutAttrs", in, opts)
}

func (c *MetaShardClient) GetAttrs(ctx context.Context, in *GetAttrsRequest, opts ...grpc.CallOption) (*GetAttrsResponse, error) {
	return invoke[GetAttrsResponse](ctx, c.cc, "GetAttrs", in, opts)
}

func (c *MetaShardClient) DeleteAttr(ctx context.Context, in *DeleteAttrRequest, opts ...grpc.CallOption) (*DeleteAttrResponse, error) {
	return invoke[DeleteAttrResponse](ctx, c.cc, "DeleteAttr", in, opts)
}

func (c *MetaShardClient) ScanAttrs(ctx context.Context, in *ScanAttrsRequest, opts ...grpc.CallOption) (*ScanAttrsResponse, error) {
	return invoke[ScanAttrsResponse](ctx, c.cc, "ScanAttrs", in, opts)
}

func (c *MetaShardClient) PutEdges(ctx context.Context, in *PutEdgesRequest, opts ...grpc.CallOption) (*PutEdgesResponse, error) {
	return invoke[PutEdgesResponse](ctx, c.cc, "PutEdges", in, opts)
}

func (c *MetaShardClient) DeleteEdges(ctx context.Context, in *DeleteEdgesRequest, opts ...grpc.CallOption) (*DeleteEdgesResponse, error) {
	return invoke[DeleteEdgesResponse](ctx, c.cc, "DeleteEdges", in, opts)
}

func (c *MetaShardClient) ListChildren(ctx context.Context, in *ListChildrenRequest, opts ...grpc.CallOption) (*ListChildrenResponse, error) {
	return invoke[ListChildrenResponse](ctx, c.cc, "ListChildren", in, opts)
}

func (c *MetaShardClient) ScanEdges(ctx context.Context, in *ScanEdgesRequest, opts ...grpc.CallOption) (*ScanEdgesResponse, error) {
	return invoke[ScanEdgesResponse](ctx, c.cc, "ScanEdges", in, opts)
}

func (c *MetaShardClient) Commit(ctx context.Context, in *CommitRequest, opts ...grpc.CallOption) (*CommitResponse, error) {
	return invoke[CommitResponse](ctx, c.cc, "Commit", in, opts)
}

func (c *MetaShardClient) ShardStats(ctx context.Context, in *ShardStatsRequest, opts ...grpc.CallOption) (*ShardStatsResponse, error) {
	return invoke[ShardStatsResponse](ctx, c.cc, "ShardStats", in, opts)
}
