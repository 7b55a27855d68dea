/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# MetaDB: the metadata index of a burst buffer file system

Application processes write into node local storage. MetaDB records where
the written bytes went and rebuilds, for any read, the list of fragments
that hold the newest bytes of the range.

## Data Model

* Extent, (fid, offset) --> (delegator, length, addr, app id, rank, seq). A write
  of a file range. Later writes win where ranges overlap.

* File Attribute, gfid --> (fid, filename, mode, owner, size, times, laminated, parent)

* Hierarchy, (parent gfid, child gfid) --> empty. Derived from the parent
  field of the attributes and rebuilt from them on demand.

## Partitioning

Keys are cut into slices of a fixed number of consecutive values and the
slices are dealt round robin to the shards. Every process computes the same
mapping from the same configuration, there is no placement service.

## Architecture

Every rank runs a server. Every server routes requests, and one server out
of every META_SERVER_RATIO also owns a shard of each index:

* Router, splits batches by shard, fans them out and merges the answers

* Shard Server, the extent, attribute and hierarchy indexes of one shard

Servers talk gRPC to each other and expose an admin RESTful API.

### Storage

every index of a shard has its own rocksdb instance

## Building Blocks

* gRPC
* Rocksdb
* Prometheus

*/

package metadb
