package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigbio/pride_downloader/internal/downloader"
	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

var errFilesFailed = errors.New("some files failed to download")

// batchFlags are shared by the download commands.
type batchFlags struct {
	accession       string
	outputFolder    string
	protocol        string
	inputFolder     string
	skipExisting    bool
	prefixAccession bool
	maxBandwidth    string
	maxParallel     int
	checksums       bool
	verify          bool
}

func (f *batchFlags) register(cmd *cobra.Command, withProtocol bool) {
	flags := cmd.Flags()

	flags.StringVarP(&f.accession, "accession", "a", "", "PRIDE project accession")
	flags.StringVarP(&f.outputFolder, "output-folder", "o", "", "output folder for the downloaded files")
	flags.BoolVarP(&f.skipExisting, "skip-if-downloaded-already", "s", true, "skip files already present in the output folder")
	flags.IntVar(&f.maxParallel, "max-parallel", 0, "files downloaded at once (default MAX_PARALLEL; FTP is always sequential)")

	if withProtocol {
		flags.StringVarP(&f.protocol, "protocol", "p", "ftp", "protocol: ftp, aspera, s3 or globus")
		flags.StringVarP(&f.inputFolder, "input-folder", "i", "", "copy from this mounted archive folder instead of downloading")
		flags.BoolVar(&f.prefixAccession, "prefix-accession", false, "name files <accession>-<file name>")
		flags.StringVar(&f.maxBandwidth, "aspera-maximum-bandwidth", "", "Aspera bandwidth cap, e.g. 100M (default ASPERA_MAX_BANDWIDTH)")
		flags.BoolVarP(&f.checksums, "checksum-check", "c", false, "save the project's checksum manifest next to the files")
		flags.BoolVar(&f.verify, "verify-checksums", false, "verify downloaded files against the checksum manifest")
	}

	cobra.CheckErr(cmd.MarkFlagRequired("accession"))
	cobra.CheckErr(cmd.MarkFlagRequired("output-folder"))
}

func (f *batchFlags) driverOptions() (driverOptions, error) {
	if f.inputFolder != "" {
		return driverOptions{protocol: transfer.Local, inputFolder: f.inputFolder}, nil
	}

	if f.protocol == "" {
		return driverOptions{}, nil
	}

	p, err := transfer.ParseProtocol(f.protocol)
	if err != nil {
		return driverOptions{}, err
	}

	return driverOptions{protocol: p, maxBandwidth: f.maxBandwidth}, nil
}

func (f *batchFlags) options(a *app, protocol transfer.Protocol) downloader.Options {
	maxParallel := f.maxParallel
	if maxParallel < 1 {
		maxParallel = a.cfg.MaxParallel
	}

	return downloader.Options{
		OutputDir:       f.outputFolder,
		Protocol:        protocol,
		SkipExisting:    f.skipExisting,
		PrefixAccession: f.prefixAccession,
		MaxParallel:     maxParallel,
		FetchChecksums:  f.checksums,
		VerifyChecksums: f.verify,
	}
}

// finish prints the report, notifies and turns failed files into a non-zero exit.
func finish(cmd *cobra.Command, a *app, accession string, outcomes []transfer.Outcome, err error) error {
	ctx := cmd.Context()

	if len(outcomes) > 0 {
		printReport(cmd.OutOrStdout(), outcomes)

		summary := downloader.Summarize(outcomes)
		a.notify(ctx, fmt.Sprintf("%s: %s", accession, summary))

		if err == nil && summary.Failed > 0 {
			err = fmt.Errorf("%d of %d files: %w", summary.Failed, len(outcomes), errFilesFailed)
		}
	}

	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download finished with errors", "accession", accession, "err", err)
	}

	return err
}

func newDownloadAllRawFilesCmd() *cobra.Command {
	var f batchFlags

	cmd := &cobra.Command{
		Use:   "download-all-raw-files",
		Short: "Download every RAW file of a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := f.driverOptions()
			if err != nil {
				return err
			}

			ctx, a, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			ctx = logctx.WithAccession(ctx, f.accession)
			cmd.SetContext(ctx)

			files, err := a.catalog.RawFiles(ctx, f.accession)
			if err != nil {
				return fmt.Errorf("failed to list raw files: %w", err)
			}

			logctx.LoggerFromContext(ctx).InfoContext(ctx, "listed raw files", "count", len(files), "protocol", opts.protocol.String())

			outcomes, err := a.downloader.DownloadBatch(ctx, files, f.options(a, opts.protocol))

			return finish(cmd, a, f.accession, outcomes, err)
		},
	}

	f.register(cmd, true)

	return cmd
}

func newDownloadFileByNameCmd() *cobra.Command {
	var (
		f        batchFlags
		fileName string
		username string
		password string
	)

	cmd := &cobra.Command{
		Use:   "download-file-by-name",
		Short: "Download one file of a project by its name",
		Long:  "Downloads one file of a project by its name. With --username the file is fetched from a private dataset over authenticated HTTPS.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := f.driverOptions()
			if err != nil {
				return err
			}

			var creds *downloader.Credentials
			if username != "" {
				creds = &downloader.Credentials{Username: username, Password: passwordOrEnv(password)}
				opts.protocol = 0
			}

			ctx, a, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			cmd.SetContext(ctx)

			outcome, err := a.downloader.DownloadFileByName(ctx, f.accession, fileName, f.options(a, opts.protocol), creds)

			var outcomes []transfer.Outcome
			if outcome.Task != nil {
				outcomes = append(outcomes, outcome)
			}

			return finish(cmd, a, f.accession, outcomes, err)
		},
	}

	f.register(cmd, true)
	cmd.Flags().StringVarP(&fileName, "file-name", "f", "", "name of the file to download")
	cmd.Flags().StringVarP(&username, "username", "u", "", "PRIDE login for private datasets")
	cmd.Flags().StringVar(&password, "password", "", "PRIDE password (default $PRIDE_PASSWORD)")
	cobra.CheckErr(cmd.MarkFlagRequired("file-name"))

	return cmd
}

func newDownloadPrivateFilesCmd() *cobra.Command {
	var (
		f         batchFlags
		username  string
		password  string
		fileNames []string
	)

	cmd := &cobra.Command{
		Use:   "download-private-files",
		Short: "Download the files of a private dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, err := setup(cmd.Context(), driverOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			cmd.SetContext(ctx)

			creds := downloader.Credentials{Username: username, Password: passwordOrEnv(password)}

			outcomes, err := a.downloader.DownloadPrivateFiles(ctx, f.accession, creds, fileNames, f.options(a, transfer.HTTPS))

			return finish(cmd, a, f.accession, outcomes, err)
		},
	}

	f.register(cmd, false)
	cmd.Flags().StringVarP(&username, "username", "u", "", "PRIDE login")
	cmd.Flags().StringVar(&password, "password", "", "PRIDE password (default $PRIDE_PASSWORD)")
	cmd.Flags().StringSliceVarP(&fileNames, "file-name", "f", nil, "only download these files (repeatable)")
	cobra.CheckErr(cmd.MarkFlagRequired("username"))

	return cmd
}

func passwordOrEnv(password string) string {
	if password != "" {
		return password
	}

	return os.Getenv("PRIDE_PASSWORD")
}

func init() {
	rootCmd.AddCommand(
		newDownloadAllRawFilesCmd(),
		newDownloadFileByNameCmd(),
		newDownloadPrivateFilesCmd(),
	)
}
