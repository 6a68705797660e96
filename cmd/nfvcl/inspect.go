package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"nfvcl.io/nfvcl/internal/config"
	"nfvcl.io/nfvcl/internal/infrastructure"
	"nfvcl.io/nfvcl/internal/pkg/archive"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/repository"
)

func newInspectCommand(out io.Writer) *cobra.Command {
	var (
		format   string
		archived bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Print a stored blueprint document, corrupted ones included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if format != "json" && format != "yaml" {
				return fmt.Errorf("inspect: unknown output format %q", format)
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var raw []byte
			if archived {
				raw, err = fetchArchived(ctx, cfg, args[0])
			} else {
				raw, err = fetchStored(ctx, cfg, args[0])
			}
			if err != nil {
				return err
			}
			return render(out, raw, format)
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "json", "Output format: json or yaml")
	cmd.Flags().BoolVar(&archived, "archived", false, "Read the archived document of a destroyed blueprint from S3")
	return cmd
}

func fetchStored(ctx context.Context, cfg *config.Config, id string) ([]byte, error) {
	if cfg.Database.Memory {
		return nil, fmt.Errorf("inspect: database.memory is set, documents live only inside the server")
	}
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	doc, err := repository.NewPostgresStore(db.Pool).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func fetchArchived(ctx context.Context, cfg *config.Config, id string) ([]byte, error) {
	s3, err := archive.NewS3(ctx, archive.S3Options{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		Bucket:          cfg.S3.Bucket,
		Prefix:          cfg.S3.Prefix,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		UsePathStyle:    cfg.S3.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return s3.Fetch(ctx, id)
}

// render writes the JSON document raw to out, indented or converted to YAML.
func render(out io.Writer, raw []byte, format string) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
