package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/iotguard/resource"
)

func newEvidenceCmd(a *app) *cobra.Command {
	var output string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "evidence <id>",
		Short: "Download an evidence image",
		Long: `Download the protected image of an evidence record.

Without -o the image is kept in a temporary file whose path is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid evidence id %q", args[0])
			}
			return a.downloadEvidence(cmd.Context(), id, output, timeout)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the image to this file")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up after this long")
	return cmd
}

func (a *app) downloadEvidence(ctx context.Context, id int64, output string, timeout time.Duration) error {
	if !a.store.Get().Authenticated() {
		return fmt.Errorf("not logged in")
	}

	materializer := resource.NewTempDirMaterializer("")
	loader := resource.NewLoader(a.store, a.client.PlainHTTPClient(), materializer,
		resource.WithBaseURL(a.client.BaseURL()),
		resource.WithLogger(a.logger.Logger),
		resource.WithRecorder(a.metrics),
	)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	loader.SetSource(fmt.Sprintf("/evidences/%d/file", id))
	view, err := loader.Await(ctx)
	if err == nil && rejected(view) {
		// The loader never renews. A gateway call does, and the loader
		// reloads by itself once the renewed token lands in the store.
		a.logger.Debug("evidence request rejected, renewing session", "evidence_id", id)
		if _, err := a.client.Me(ctx); err != nil {
			loader.Close()
			return err
		}
		view, err = loader.Await(ctx)
	}
	if err != nil {
		loader.Close()
		return fmt.Errorf("download of evidence %d did not finish: %w", id, err)
	}
	if view.State != resource.Loaded {
		loader.Close()
		return fmt.Errorf("failed to download evidence %d: %w", id, view.Err)
	}

	path, err := resource.FilePath(view.Handle)
	if err != nil {
		loader.Close()
		return err
	}

	if output == "" {
		// The file outlives this process; the user asked for its path.
		loader.Detach()
		fmt.Fprintf(a.out, "%s (%s, %d bytes)\n", path, view.Handle.ContentType, view.Handle.Size)
		return nil
	}

	defer loader.Close()
	if err := copyFile(path, output); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Saved evidence %d to %s (%s, %d bytes)\n", id, output, view.Handle.ContentType, view.Handle.Size)
	return nil
}

func rejected(view resource.View) bool {
	var loadErr *resource.LoadError
	return view.State == resource.Error && errors.As(view.Err, &loadErr) && loadErr.StatusCode == http.StatusUnauthorized
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open downloaded file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return out.Close()
}
