package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bitrise-io/go-blobstore/blob"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <blob-url>",
		Short: "Print the properties and metadata of a blob.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client(args[0])
			if err != nil {
				return err
			}

			props, err := client.GetProperties(cmd.Context())
			if err != nil {
				return err
			}

			a.logger.Infof("Blob properties:")
			a.logger.Printf("- size: %s (%d bytes)", units.BytesSize(float64(props.ContentLength)), props.ContentLength)
			a.logger.Printf("- etag: %s", props.ETag)
			a.logger.Printf("- type: %s", props.BlobType)
			a.logger.Printf("- content type: %s", props.ContentType)
			if props.ContentEncoding != "" {
				a.logger.Printf("- content encoding: %s", props.ContentEncoding)
			}
			if len(props.ContentMD5) > 0 {
				a.logger.Printf("- content md5: %s", base64.StdEncoding.EncodeToString(props.ContentMD5))
			}
			if !props.LastModified.IsZero() {
				a.logger.Printf("- last modified: %s", props.LastModified)
			}
			for key, value := range props.Metadata {
				a.logger.Printf("- metadata %s: %s", key, value)
			}
			return nil
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	var (
		output     string
		parallel   bool
		decompress bool
		offset     int64
		count      int64
	)

	getCmd := &cobra.Command{
		Use:   "get <blob-url>",
		Short: "Download a blob to a file or to stdout.",
		Long:  `Get streams the blob content and resumes it from the last received byte when the connection breaks. With --parallel the blob is downloaded to the output file in concurrent ranged requests instead.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client(args[0])
			if err != nil {
				return err
			}

			if parallel {
				if output == "" || output == "-" {
					return fmt.Errorf("--parallel requires an output file")
				}
				if err := client.DownloadFile(cmd.Context(), output); err != nil {
					return err
				}
				a.logger.Donef("Downloaded %s", output)
				return nil
			}

			resp, err := client.Download(cmd.Context(), blob.DownloadOptions{
				Offset:     offset,
				Count:      count,
				Decompress: decompress,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := resp.Close(); err != nil {
					a.logger.Warnf("Failed to close download: %s", err)
				}
			}()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer func() {
					if err := file.Close(); err != nil {
						a.logger.Warnf("Failed to close %s: %s", output, err)
					}
				}()
				w = file
			}

			n, err := io.Copy(w, resp.Body)
			if err != nil {
				return fmt.Errorf("download failed after %s: %w", units.BytesSize(float64(n)), err)
			}
			a.logger.Debugf("Wrote %s (%d resumes)", units.BytesSize(float64(n)), resp.Resumes())
			return nil
		},
	}

	getCmd.Flags().StringVarP(&output, "output", "o", "", "Output file, - for stdout")
	getCmd.Flags().BoolVar(&parallel, "parallel", false, "Download with concurrent ranged requests (requires --output)")
	getCmd.Flags().BoolVar(&decompress, "decompress", false, "Decode zstd encoded content")
	getCmd.Flags().Int64Var(&offset, "offset", 0, "First byte to download")
	getCmd.Flags().Int64Var(&count, "count", 0, "Number of bytes to download, 0 for the rest of the blob")
	return getCmd
}

func newPutCmd(a *app) *cobra.Command {
	var (
		contentType string
		compress    bool
		metadata    []string
		concurrency int
	)

	putCmd := &cobra.Command{
		Use:   "put <file> <blob-url>",
		Short: "Upload a file as a block blob.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}

			client, err := a.client(args[1])
			if err != nil {
				return err
			}

			opts := blob.UploadFileOptions{
				UploadOptions: blob.UploadOptions{
					ContentType: contentType,
					Metadata:    meta,
					Compress:    compress,
				},
			}
			opts.Blocks.Concurrency = concurrency

			result, err := client.UploadFile(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			a.logger.Donef("Uploaded %s (etag %s)", args[0], result.ETag)
			return nil
		},
	}

	putCmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "Content type stored with the blob")
	putCmd.Flags().BoolVar(&compress, "compress", false, "Store the content zstd compressed")
	putCmd.Flags().StringArrayVarP(&metadata, "metadata", "m", nil, "Metadata entry as key=value, can be repeated")
	putCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel block uploads for large files, 0 for a CPU based default")
	return putCmd
}

func parseMetadata(entries []string) (map[string]string, error) {
	meta := map[string]string{}
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", entry)
		}
		meta[strings.TrimSpace(key)] = value
	}
	return meta, nil
}
