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
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Backup() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "snapshot the auctioneer store through the admin api and upload it to s3",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "sha-version",
				Value:   "unknown",
				EnvVars: []string{"SHA_VERSION"},
			},
			&cli.StringFlag{
				Name:    "backup-url",
				Usage:   "admin api backup endpoint",
				Value:   "http://localhost:50052/backup",
				EnvVars: []string{"BACKUP_URL"},
			},
			bucketFlag,
			awsURIFlag,
		},
		Action: func(c *cli.Context) error {
			defer zap.L().Sync() // nolint:errcheck
			logger.SetVersion(c.String("sha-version"))

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			client, err := newS3Client(ctx, c.String("aws-uri"))
			if err != nil {
				return err
			}

			return runBackup(ctx, http.DefaultClient, manager.NewUploader(client), c.String("backup-url"), c.String("bucket"))
		},
	}
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// runBackup streams the tar served at url through gzip into bucket, keyed by
// the filename the admin api hands out.
func runBackup(ctx context.Context, hc *http.Client, up uploader, url, bucket string) error {
	log := logger.WithValues("cmd", "backup")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("requesting backup", "url", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backup unexpected status code: %d", resp.StatusCode)
	}

	filename, err := backupFilename(resp.Header.Get("Content-Disposition"))
	if err != nil {
		return err
	}

	r, w := io.Pipe()
	defer r.Close() // nolint:errcheck

	go func() {
		gz := gzip.NewWriter(w)
		_, err := io.Copy(gz, resp.Body)
		if err == nil {
			err = gz.Close()
		}
		// closing the pipe with the copy error aborts the upload instead of
		// storing a truncated archive
		w.CloseWithError(err) // nolint:errcheck
	}()

	key := fmt.Sprintf("%s.gz", filename)
	log.Info("uploading", "bucket", bucket, "key", key)
	result, err := up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return err
	}
	log.Info("uploaded", "location", result.Location)
	return nil
}

func backupFilename(contentDisposition string) (string, error) {
	const prefix = "attachment; filename="
	if !strings.HasPrefix(contentDisposition, prefix) {
		return "", errors.New("missing backup filename")
	}
	name := strings.Trim(strings.TrimPrefix(contentDisposition, prefix), `"`)
	if !strings.HasPrefix(name, restorePrefix) {
		return "", fmt.Errorf("unexpected backup filename %q", name)
	}
	return name, nil
}
