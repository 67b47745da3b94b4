// Copyright © 2025 Medroster Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medroster/medroster/internal/sagaadmin/config"
)

func TestNewRootCmd(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "saga-admin", root.Use)

	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "recover")
	assert.Contains(t, names, "cleanup")

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
}

func TestStatusCmdRequiresSagaID(t *testing.T) {
	root := NewRootCmd()
	root.SetArgs([]string{"status"})
	err := root.Execute()
	assert.Error(t, err, "status needs exactly one saga id")
}

func TestCleanupCmdFlags(t *testing.T) {
	var configPath string
	cmd := newCleanupCmd(&configPath)

	older := cmd.Flags().Lookup("older-than-days")
	require.NotNil(t, older)
	assert.Equal(t, "-1", older.DefValue)

	batch := cmd.Flags().Lookup("batch-size")
	require.NotNil(t, batch)
	assert.Equal(t, "0", batch.DefValue)
}

func TestOpenStorageUnknownDriver(t *testing.T) {
	cfg := &config.AdminConfig{}
	cfg.Storage.Driver = "cassandra"
	_, _, err := openStorage(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}
