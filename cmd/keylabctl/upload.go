package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"keylab/internal/security"
	"keylab/internal/upload"
)

func (a *app) uploadCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload artifact files to keylabd",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && len(args) > 1 {
				return fmt.Errorf("--name needs exactly one file")
			}
			return a.runUpload(cmd.Context(), args, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "artifact name (default: the file's base name)")
	return cmd
}

func (a *app) runUpload(ctx context.Context, paths []string, name string) error {
	c, err := a.client()
	if err != nil {
		return err
	}
	policy := security.UploadPolicy{MaxSize: a.cfg.Storage.MaxFileSize}

	failed := 0
	for _, path := range paths {
		artifact := name
		if artifact == "" {
			artifact = filepath.Base(path)
		}
		data, err := os.ReadFile(path)
		if err == nil {
			_, err = policy.ValidateUpload(artifact, data)
		}
		if err == nil {
			var r *upload.Result
			r, err = c.PutArtifact(ctx, artifact, data)
			if err == nil {
				printOK(a.out, "uploaded %s (%d bytes) %s", r.FileName, r.Size, r.URL)
				continue
			}
		}
		failed++
		if upload.IsRateLimited(err) {
			printWarn(a.out, "%s: rate limited, try again later", artifact)
			continue
		}
		printError(a.out, fmt.Errorf("%s: %w", artifact, err))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(paths))
	}
	return nil
}
