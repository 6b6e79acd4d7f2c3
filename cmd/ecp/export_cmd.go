package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/valdrix/enforcement/pkg/config"
	"github.com/valdrix/enforcement/pkg/export"
)

// runExportCmd builds a signed bundle for one tenant window and writes the
// zip locally, or uploads it when the archive bucket is configured and
// -upload is set.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant id (required)")
	fromFlag := fs.String("from", "", "window start, RFC 3339 or YYYY-MM-DD (required)")
	toFlag := fs.String("to", "", "window end, exclusive (required)")
	out := fs.String("out", "", "output zip path (default <tenant>-export.zip)")
	upload := fs.Bool("upload", false, "upload to the configured archive bucket instead of writing locally")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *fromFlag == "" || *toFlag == "" {
		fmt.Fprintln(stderr, "export: -tenant, -from and -to are required")
		return 2
	}

	from, err := parseStamp(*fromFlag)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 2
	}
	to, err := parseStamp(*toFlag)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 2
	}

	cfg := config.Load()
	setupLogger(cfg.LogLevel)
	if cfg.ExportSigningSecret == "" {
		fmt.Fprintln(stderr, "export: ENFORCEMENT_EXPORT_SIGNING_SECRET is required")
		return 1
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	defer st.Close()

	signer, err := export.NewSigner(cfg.ExportSigningKID, cfg.ExportSigningSecret)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	builder := export.NewBuilder(export.Stores{
		Decisions:    st.decisions,
		Approvals:    st.approvals,
		Reservations: st.credits,
	}, signer)

	bundle, err := builder.Build(ctx, *tenant, from, to)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}

	if *upload {
		if cfg.ExportArchiveBucket == "" {
			fmt.Fprintln(stderr, "export: ENFORCEMENT_EXPORT_ARCHIVE_BUCKET is required for -upload")
			return 1
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "export: aws config: %v\n", err)
			return 1
		}
		archiver := export.NewArchiver(s3.NewFromConfig(awsCfg), cfg.ExportArchiveBucket)
		key, err := archiver.Archive(ctx, bundle)
		if err != nil {
			fmt.Fprintf(stderr, "export: upload: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "uploaded s3://%s/%s\n", cfg.ExportArchiveBucket, key)
		return 0
	}

	payload, err := export.Zip(bundle)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	path := *out
	if path == "" {
		path = *tenant + "-export.zip"
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s (%d decisions, signing kid %s)\n",
		path, bundle.Manifest.Counts[export.FileDecisions], bundle.Manifest.SigningKID)
	return 0
}

func parseStamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
