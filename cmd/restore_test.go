// Copyright (c) 2023 Manifold Finance, Inc.
// The Universal Permissive License (UPL), Version 1.0
// Subject to the condition set forth below, permission is hereby granted to any person obtaining a copy of this software, associated documentation and/or data (collectively the “Software”), free of charge and under any and all copyright rights in the Software, and any and all patent rights owned or freely licensable by each licensor hereunder covering either (i) the unmodified Software as contributed to or provided by such licensor, or (ii) the Larger Works (as defined below), to deal in both
// (a) the Software, and
// (b) any piece of software and/or hardware listed in the lrgrwrks.txt file if one is included with the Software (each a “Larger Work” to which the Software is contributed by such licensors),
// without restriction, including without limitation the rights to copy, create derivative works of, display, perform, and distribute the Software and make, use, sell, offer for sale, import, export, have made, and have sold the Software and the Larger Work(s), and to sublicense the foregoing rights on either these or other terms.
// This license is subject to the following condition:
// The above copyright notice and either this complete permission notice or at a minimum a reference to the UPL must be included in all copies or substantial portions of the Software.
// THE SOFTWARE IS PROVIDED “AS IS”, WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
// This script ensures source code files have copyright license headers. See license.sh for more information.
package cmd

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeObjectStore struct {
	objects  []s3types.Object
	contents map[string][]byte
	fetched  string
}

func (f *fakeObjectStore) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{Contents: f.objects}, nil
}

func (f *fakeObjectStore) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.fetched = aws.ToString(params.Key)
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.contents[f.fetched]))}, nil
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(b)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestLatestBackupKey(t *testing.T) {
	now := time.Now()
	objs := []s3types.Object{
		{Key: aws.String("backup_1.tar.gz"), LastModified: aws.Time(now.Add(-2 * time.Hour))},
		{Key: aws.String("backup_3.tar.gz"), LastModified: aws.Time(now)},
		{Key: aws.String("backup_2.tar.gz"), LastModified: aws.Time(now.Add(-time.Hour))},
		{Key: aws.String("backup_latest.tar"), LastModified: aws.Time(now.Add(time.Hour))},
		{Key: aws.String("backup_4.tar.gz")},
	}
	key, err := latestBackupKey(objs)
	require.NoError(t, err)
	require.Equal(t, "backup_3.tar.gz", key)

	_, err = latestBackupKey(objs[3:])
	require.ErrorIs(t, err, ErrNoBackupFound)
}

func TestExtractBackup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	archive := gzipped(t, newTestTar(t, map[string][]byte{
		"prod.store.db":   []byte("store"),
		"../../escape.db": []byte("nope"),
	}))

	require.NoError(t, extractBackup(bytes.NewReader(archive), dir))

	b, err := os.ReadFile(filepath.Join(dir, "prod.store.db"))
	require.NoError(t, err)
	require.Equal(t, []byte("store"), b)

	b, err = os.ReadFile(filepath.Join(dir, "escape.db"))
	require.NoError(t, err)
	require.Equal(t, []byte("nope"), b)

	require.Error(t, extractBackup(bytes.NewReader([]byte("not gzip")), dir))
}

func TestRunRestore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	now := time.Now()
	client := &fakeObjectStore{
		objects: []s3types.Object{
			{Key: aws.String("backup_1.tar.gz"), LastModified: aws.Time(now.Add(-time.Hour))},
			{Key: aws.String("backup_2.tar.gz"), LastModified: aws.Time(now)},
		},
		contents: map[string][]byte{
			"backup_1.tar.gz": gzipped(t, newTestTar(t, map[string][]byte{"prod.store.db": []byte("old")})),
			"backup_2.tar.gz": gzipped(t, newTestTar(t, map[string][]byte{"prod.store.db": []byte("new")})),
		},
	}

	require.NoError(t, runRestore(context.Background(), client, "relay-backups", dir))
	require.Equal(t, "backup_2.tar.gz", client.fetched)

	b, err := os.ReadFile(filepath.Join(dir, "prod.store.db"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), b)

	err = runRestore(context.Background(), &fakeObjectStore{}, "relay-backups", dir)
	require.ErrorIs(t, err, ErrNoBackupFound)
}
