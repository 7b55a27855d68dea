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

package util

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenTmpPath(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	require.Len(t, entries, 0)

	other, err := GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(other)
	require.NotEqual(t, path, other)
}

func TestAdvertiseAddr(t *testing.T) {
	addr, err := AdvertiseAddr("10.0.0.1:9400")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:9400", addr)

	_, err = AdvertiseAddr("no-port")
	require.Error(t, err)
}

func TestBufferWriter(t *testing.T) {
	br := GetBufferWriter(1 << 10)
	require.Equal(t, 0, len(br.Bytes()))
	require.Equal(t, 1<<10, cap(br.Bytes()))
	br.WriteString("manifest")
	PutBufferWriter(br)

	br = GetBufferWriter(1 << 10)
	require.Equal(t, 0, len(br.Bytes()))
	require.Equal(t, 1<<10, cap(br.Bytes()))
	PutBufferWriter(br)
}
