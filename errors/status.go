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
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type codeEntry struct {
	err  error
	code codes.Code
}

// more specific sentinels first, FromStatus matches messages in this order
var codeTable = []codeEntry{
	{ErrShardBusy, codes.Unavailable},
	{ErrShardUnavailable, codes.Unavailable},
	{ErrShardDoesNotExist, codes.NotFound},
	{ErrNotFound, codes.NotFound},
	{ErrBatchTooLarge, codes.ResourceExhausted},
	{ErrTooManyResults, codes.ResourceExhausted},
	{ErrOutOfMemory, codes.ResourceExhausted},
	{ErrShardNotOwned, codes.InvalidArgument},
	{ErrInvalidExtent, codes.InvalidArgument},
	{ErrInvalidAttr, codes.InvalidArgument},
	{ErrFilenameTooLong, codes.InvalidArgument},
	{ErrNotMetaServer, codes.InvalidArgument},
	{ErrConfig, codes.InvalidArgument},
	{ErrIndex, codes.Internal},
}

// remoteError keeps the server message while unwrapping to the local sentinel.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// ToStatus converts an api error into a grpc status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return status.Error(entry.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus rebuilds the api error of a call made to shardID. Transport
// failures and deadlines become ShardUnavailableError, unknown server faults
// become IndexError.
func FromStatus(shardID uint32, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return NewShardUnavailable(shardID, err)
	}

	msg := st.Message()
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Aborted:
		if strings.Contains(msg, ErrShardBusy.Error()) {
			return NewShardUnavailable(shardID, ErrShardBusy)
		}
		return NewShardUnavailable(shardID, errors.New(msg))
	case codes.NotFound, codes.ResourceExhausted, codes.InvalidArgument:
		for _, entry := range codeTable {
			if entry.code == st.Code() && strings.Contains(msg, entry.err.Error()) {
				if msg == entry.err.Error() {
					return entry.err
				}
				return &remoteError{sentinel: entry.err, msg: msg}
			}
		}
		if st.Code() == codes.NotFound {
			return &remoteError{sentinel: ErrNotFound, msg: msg}
		}
		return NewIndexError(shardID, errors.New(msg))
	default:
		return NewIndexError(shardID, errors.New(msg))
	}
}
