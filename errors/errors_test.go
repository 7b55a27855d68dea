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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestShardScopedErrors(t *testing.T) {
	err := NewShardUnavailable(3, context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrShardUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, IsRetryable(err))
	id, ok := ShardOf(err)
	require.True(t, ok)
	require.Equal(t, uint32(3), id)

	err = fmt.Errorf("put batch: %w", NewIndexError(5, errors.New("corruption")))
	require.ErrorIs(t, err, ErrIndex)
	require.False(t, IsRetryable(err))
	id, ok = ShardOf(err)
	require.True(t, ok)
	require.Equal(t, uint32(5), id)

	_, ok = ShardOf(ErrNotFound)
	require.False(t, ok)
	require.False(t, IsRetryable(ErrBatchTooLarge))
}

func TestStatusRoundTrip(t *testing.T) {
	require.Nil(t, ToStatus(nil))
	require.Nil(t, FromStatus(1, nil))

	for _, sentinel := range []error{ErrBatchTooLarge, ErrTooManyResults, ErrOutOfMemory, ErrNotFound, ErrConfig, ErrShardNotOwned} {
		got := FromStatus(1, ToStatus(sentinel))
		require.Equal(t, sentinel, got)

		wrapped := FromStatus(1, ToStatus(fmt.Errorf("%w: 12 > 10", sentinel)))
		require.ErrorIs(t, wrapped, sentinel)
		require.Contains(t, wrapped.Error(), "12 > 10")
	}

	st, _ := status.FromError(ToStatus(ErrTooManyResults))
	require.Equal(t, codes.ResourceExhausted, st.Code())
	st, _ = status.FromError(ToStatus(NewIndexError(2, errors.New("io error"))))
	require.Equal(t, codes.Internal, st.Code())
	st, _ = status.FromError(ToStatus(ErrShardBusy))
	require.Equal(t, codes.Unavailable, st.Code())
}

func TestFromStatus_ShardFailures(t *testing.T) {
	err := FromStatus(7, status.Error(codes.Unavailable, "connection refused"))
	require.ErrorIs(t, err, ErrShardUnavailable)
	id, _ := ShardOf(err)
	require.Equal(t, uint32(7), id)

	err = FromStatus(7, status.Error(codes.DeadlineExceeded, "context deadline exceeded"))
	require.True(t, IsRetryable(err))

	err = FromStatus(7, ToStatus(ErrShardBusy))
	require.ErrorIs(t, err, ErrShardUnavailable)
	require.ErrorIs(t, err, ErrShardBusy)

	err = FromStatus(7, errors.New("dial failed"))
	require.ErrorIs(t, err, ErrShardUnavailable)

	err = FromStatus(7, status.Error(codes.Internal, "bad block"))
	require.ErrorIs(t, err, ErrIndex)
	require.False(t, IsRetryable(err))
}
