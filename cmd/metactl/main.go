package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/google/uuid"

	"github.com/burstfs/metadb/client"
	"github.com/burstfs/metadb/proto"
)

const usage = `usage: metactl [flags] <command> [args]

commands:
  stats                        shards of the cluster as seen by the server
  read <fid> <offset> <length> read plan of a byte range
  children <gfid>              attributes of the children of a directory
  rebuild                      rebuild the hierarchy index from the attributes
  commit                       flush every shard
  sanitize                     remove the databases of the server
`

func main() {
	addr := flag.String("addr", "127.0.0.1:9500", "http address of a metadb server")
	timeoutMs := flag.Uint("timeout-ms", 60000, "request timeout in milliseconds")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	admin := client.NewAdminClient(&client.AdminConfig{Addr: *addr, TimeoutMs: uint32(*timeoutMs)})
	span, ctx := trace.StartSpanFromContextWithTraceID(context.Background(), "metactl", uuid.NewString())
	ret, err := run(ctx, admin, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		log.Fatalf("%s [req-id %s]: %s", flag.Arg(0), span.TraceID(), err)
	}
	if ret == nil {
		return
	}
	out, err := json.MarshalIndent(ret, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}

func run(ctx context.Context, admin *client.AdminClient, cmd string, args []string) (interface{}, error) {
	switch cmd {
	case "stats":
		return admin.Stats(ctx)
	case "read":
		fid, off, length, err := parseReadArgs(args)
		if err != nil {
			return nil, err
		}
		return admin.ReadExtents(ctx, fid, off, length)
	case "children":
		if len(args) != 1 {
			return nil, fmt.Errorf("want 1 argument, got %d", len(args))
		}
		gfid, err := parseID(args[0])
		if err != nil {
			return nil, err
		}
		return admin.GetChildren(ctx, gfid)
	case "rebuild":
		return admin.RebuildHierarchy(ctx)
	case "commit":
		return nil, admin.Commit(ctx)
	case "sanitize":
		return nil, admin.Sanitize(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

// parseReadArgs parses "<fid> <offset> <length>". Ids are signed 32 bit,
// offset and length unsigned 64 bit.
func parseReadArgs(args []string) (fid proto.Fid, off, length uint64, err error) {
	if len(args) != 3 {
		return 0, 0, 0, fmt.Errorf("want 3 arguments, got %d", len(args))
	}
	if fid, err = parseID(args[0]); err != nil {
		return
	}
	if off, err = parseUint(args[1]); err != nil {
		return
	}
	length, err = parseUint(args[2])
	return
}

func parseID(arg string) (int32, error) {
	v, err := strconv.ParseInt(arg, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %s", arg, err)
	}
	return int32(v), nil
}

func parseUint(arg string) (uint64, error) {
	v, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %s", arg, err)
	}
	return v, nil
}
