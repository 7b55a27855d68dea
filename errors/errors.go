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

package errors

import (
	"errors"
	"fmt"
)

var (
	ErrConfig         = errors.New("invalid metadata configuration")
	ErrOutOfMemory    = errors.New("out of memory staging batch")
	ErrBatchTooLarge  = errors.New("batch too large")
	ErrTooManyResults = errors.New("too many results")
	ErrNotFound       = errors.New("not found")

	ErrShardUnavailable = errors.New("shard unavailable")
	ErrIndex            = errors.New("index error")

	ErrShardBusy         = errors.New("shard busy")
	ErrShardDoesNotExist = errors.New("shard does not exist")
	ErrShardNotOwned     = errors.New("key not owned by shard")
	ErrInvalidExtent     = errors.New("invalid extent")
	ErrInvalidAttr       = errors.New("invalid file attribute")
	ErrFilenameTooLong   = errors.New("filename too long")
	ErrNotMetaServer     = errors.New("rank is not a metadata server")
)

// ShardUnavailableError reports a shard that did not answer in time or could
// not be reached. Callers may retry it.
type ShardUnavailableError struct {
	ShardID uint32
	Err     error
}

func (e *ShardUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("shard %d unavailable", e.ShardID)
	}
	return fmt.Sprintf("shard %d unavailable: %s", e.ShardID, e.Err.Error())
}

func (e *ShardUnavailableError) Unwrap() error { return e.Err }

func (e *ShardUnavailableError) Is(target error) bool { return target == ErrShardUnavailable }

// IndexError is an internal fault reported by a shard's backing store.
// It is never retried automatically.
type IndexError struct {
	ShardID uint32
	Err     error
}

func (e *IndexError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("shard %d index error", e.ShardID)
	}
	return fmt.Sprintf("shard %d index error: %s", e.ShardID, e.Err.Error())
}

func (e *IndexError) Unwrap() error { return e.Err }

func (e *IndexError) Is(target error) bool { return target == ErrIndex }

func NewShardUnavailable(shardID uint32, err error) error {
	return &ShardUnavailableError{ShardID: shardID, Err: err}
}

func NewIndexError(shardID uint32, err error) error {
	return &IndexError{ShardID: shardID, Err: err}
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrShardUnavailable)
}

// ShardOf returns the shard id carried by a shard scoped error.
func ShardOf(err error) (uint32, bool) {
	var su *ShardUnavailableError
	if errors.As(err, &su) {
		return su.ShardID, true
	}
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.ShardID, true
	}
	return 0, false
}
