package cli

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func (c *Cli) uploadCommand() *cobra.Command {
	var objectPath string
	cmd := &cobra.Command{
		Use:   "upload <bucket> <file>",
		Short: "Upload a file to object storage and print its public URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, file := args[0], args[1]
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open file: %w", err)
			}
			defer func() { _ = f.Close() }()

			contentType, err := detectContentType(f, file)
			if err != nil {
				return err
			}
			if objectPath == "" {
				objectPath = filepath.Base(file)
			}

			resp, err := c.app.API().Upload(cmd.Context(), bucket, objectPath, contentType, f)
			if err != nil {
				return err
			}
			c.io.Printf("✓ Uploaded %s/%s\n", resp.Bucket, resp.Path)
			c.io.Println(resp.PublicURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&objectPath, "path", "", "object path inside the bucket (default: file name)")
	return cmd
}

// detectContentType определяет тип по расширению, иначе по первым 512 байтам
func detectContentType(f *os.File, name string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct, nil
	}
	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind file: %w", err)
	}
	return http.DetectContentType(head[:n]), nil
}
