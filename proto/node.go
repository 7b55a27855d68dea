package proto

type NodeRole int

const (
	NodeRoleUnknown NodeRole = iota
	// NodeRoleMetaServer owns one shard of every index.
	NodeRoleMetaServer
	// NodeRoleServer only routes requests to the metadata servers.
	NodeRoleServer
)

func (r NodeRole) String() string {
	switch r {
	case NodeRoleMetaServer:
		return "meta_server"
	case NodeRoleServer:
		return "server"
	default:
		return "unknown"
	}
}

type NodeInfo struct {
	Rank     Rank     `json:"rank"`
	Role     NodeRole `json:"role"`
	GrpcAddr string   `json:"grpc_addr"`
	HttpAddr string   `json:"http_addr"`
}

type ServerStats struct {
	Node       NodeInfo     `json:"node"`
	NumServers int          `json:"num_servers"`
	NumShards  int          `json:"num_shards"`
	Shards     []ShardStats `json:"shards"`

	// Unavailable lists the shards that did not report.
	Unavailable []ShardID `json:"unavailable,omitempty"`
}
