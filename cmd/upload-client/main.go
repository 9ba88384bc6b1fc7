package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/upload-relay/internal/batch"
	"github.com/osbuild/upload-relay/internal/client"
	"github.com/osbuild/upload-relay/internal/common"
	"github.com/osbuild/upload-relay/internal/transfer"
)

type options struct {
	server          string
	basePath        string
	bucketName      string
	pathLocation    string
	credentialsFile string
	credentialKind  string
	urlScheme       string
	maxFileSize     int64
	retryMax        int
	verbose         bool
}

func newUploadCmd(logger *logrus.Logger, out io.Writer) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "upload-client [flags] FILE...",
		Short:        "Upload files to a bucket through the upload relay",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.verbose {
				logger.SetLevel(logrus.DebugLevel)
			}
			return upload(cmd.Context(), logger, out, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.server, "server", "s", "http://localhost:8080", "URL of the upload relay")
	cmd.Flags().StringVar(&opts.basePath, "base-path", client.DefaultBasePath, "API path of the upload relay")
	cmd.Flags().StringVarP(&opts.bucketName, "bucket-name", "b", "", "target bucket name")
	cmd.Flags().StringVarP(&opts.pathLocation, "path", "p", "", "path prefix of the uploaded objects in the bucket")
	cmd.Flags().StringVarP(&opts.credentialsFile, "credentials", "c", "", "file with the service account JSON")
	cmd.Flags().StringVar(&opts.credentialKind, "credential-type", "", "expected type of the credentials, service_account if empty")
	cmd.Flags().StringVar(&opts.urlScheme, "url-scheme", "gs", "scheme of the object store in messages, e.g. s3 or az")
	cmd.Flags().Int64Var(&opts.maxFileSize, "max-file-size", batch.DefaultMaxFileSize, "largest accepted file in bytes")
	cmd.Flags().IntVar(&opts.retryMax, "retries", 5, "how often to retry reaching the relay before uploading")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print debug output")
	_ = cmd.MarkFlagRequired("bucket-name")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("credentials")

	return cmd
}

func upload(ctx context.Context, logger *logrus.Logger, out io.Writer, opts options, paths []string) error {
	files := make([]batch.File, 0, len(paths))
	for _, p := range paths {
		f, err := client.FileFromPath(p)
		if err != nil {
			return err
		}
		files = append(files, f)
	}
	fmt.Fprintln(out, batch.Selection(files))

	credential, err := os.ReadFile(opts.credentialsFile)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	c := client.New(client.Config{
		URL:      opts.server,
		BasePath: opts.basePath,
		RetryMax: opts.retryMax,
	}, logger)
	o := batch.NewOrchestrator(c, logger, batch.Config{
		MaxFileSize:    opts.maxFileSize,
		CredentialKind: opts.credentialKind,
		URLScheme:      opts.urlScheme,
	})

	dest := batch.Destination{Bucket: opts.bucketName, Prefix: opts.pathLocation}
	if err := o.Validate(files, dest, credential); err != nil {
		return err
	}
	if err := c.WaitReady(ctx); err != nil {
		return err
	}

	printer := newProgressPrinter(logger)
	b, err := o.SubmitBatch(ctx, files, dest, credential,
		batch.WithObserver(printer.observe))
	if err != nil {
		return err
	}

	outcome, err := b.Wait(ctx)
	if err != nil {
		return err
	}

	for _, v := range b.Snapshot().Files {
		switch v.Status {
		case transfer.StatusSuccess:
			fmt.Fprintf(out, "%s: %s (%s)\n", v.Name, v.Status, v.CommittedObjectName)
		default:
			fmt.Fprintf(out, "%s: %s: %s\n", v.Name, v.Status, v.ErrorDetail)
		}
	}
	fmt.Fprintln(out, outcome.Message)

	if outcome.ErrorCount > 0 {
		return errors.New(outcome.Message)
	}
	return nil
}

// progressPrinter logs status changes and every tenth percent of progress.
type progressPrinter struct {
	logger logrus.FieldLogger

	mu   sync.Mutex
	last map[string]transfer.View
}

func newProgressPrinter(logger logrus.FieldLogger) *progressPrinter {
	return &progressPrinter{
		logger: logger,
		last:   make(map[string]transfer.View),
	}
}

func (p *progressPrinter) observe(v transfer.View) {
	p.mu.Lock()
	prev, seen := p.last[v.Key]
	p.last[v.Key] = v
	p.mu.Unlock()

	if seen && prev.Status == v.Status && prev.Percentage/10 == v.Percentage/10 {
		return
	}

	entry := p.logger.WithFields(logrus.Fields{
		"file":     v.Name,
		"status":   v.Status.String(),
		"progress": fmt.Sprintf("%d%%", v.Percentage),
		"sent":     common.FormatFileSize(v.BytesAcknowledged),
	})
	if v.Status == transfer.StatusError {
		entry.Warn(v.ErrorDetail)
		return
	}
	entry.Info("Upload progress")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newUploadCmd(logrus.StandardLogger(), os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
