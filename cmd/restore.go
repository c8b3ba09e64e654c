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
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Restore() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "restore the auctioneer store from the latest s3 backup",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "sha-version",
				Value:   "unknown",
				EnvVars: []string{"SHA_VERSION"},
			},
			&cli.StringFlag{
				Name:    "db-pth",
				Value:   "dbs/prod_db",
				EnvVars: []string{"DB_PTH"},
			},
			bucketFlag,
			awsURIFlag,
		},
		Action: func(c *cli.Context) error {
			defer zap.L().Sync() // nolint:errcheck
			logger.SetVersion(c.String("sha-version"))

			log := logger.WithValues("cmd", "restore")

			dir := c.String("db-pth")
			if _, err := os.Stat(dir); err == nil {
				log.Info("db already exists, skipping restore", "dir", dir)
				return nil
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			client, err := newS3Client(ctx, c.String("aws-uri"))
			if err != nil {
				return err
			}

			return runRestore(ctx, client, c.String("bucket"), dir)
		},
	}
}

type objectStore interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func runRestore(ctx context.Context, client objectStore, bucket, dir string) error {
	log := logger.WithValues("cmd", "restore", "bucket", bucket)

	log.Info("listing backups")
	resp, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(restorePrefix),
	})
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}

	key, err := latestBackupKey(resp.Contents)
	if err != nil {
		return err
	}

	log.Info("downloading backup", "key", key)
	res, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object: %w", err)
	}
	defer res.Body.Close() // nolint:errcheck

	log.Info("extracting backup", "dir", dir, "key", key)
	if err := extractBackup(res.Body, dir); err != nil {
		return err
	}
	log.Info("backup extracted", "dir", dir)
	return nil
}

// latestBackupKey picks the newest object whose key looks like a backup.
func latestBackupKey(objs []types.Object) (string, error) {
	matching := make([]types.Object, 0, len(objs))
	for _, obj := range objs {
		if obj.Key != nil && obj.LastModified != nil && restoreRgx.MatchString(*obj.Key) {
			matching = append(matching, obj)
		}
	}
	if len(matching) == 0 {
		return "", ErrNoBackupFound
	}

	sort.Slice(matching, func(i, j int) bool {
		return matching[i].LastModified.After(*matching[j].LastModified)
	})
	return *matching[0].Key, nil
}

// extractBackup unpacks a gzipped tar into dir. Entry names are flattened so
// an archive can never write outside dir.
func extractBackup(r io.Reader, dir string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close() // nolint:errcheck

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		pth := filepath.Join(dir, filepath.Base(header.Name))
		logger.Info("extracting file", "file", pth)
		if err := writeFile(pth, tr, header.FileInfo().Mode()); err != nil {
			return err
		}
	}
}

func writeFile(pth string, r io.Reader, mode os.FileMode) error {
	file, err := os.OpenFile(pth, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer file.Close() // nolint:errcheck

	_, err = io.Copy(file, r)
	return err
}
