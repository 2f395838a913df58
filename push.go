package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/pagesave/internal/config"
	"github.com/tonimelisma/pagesave/internal/conflict"
	"github.com/tonimelisma/pagesave/internal/frame"
	"github.com/tonimelisma/pagesave/internal/server"
)

// pushSinkFlags maps --to values onto message switches.
var pushSinkFlags = map[string]string{
	"local":  "backgroundSave",
	"editor": "openEditor",
	"webdav": "saveWithWebDAV",
	"gdrive": "saveToGDrive",
	"github": "saveToGitHub",
	"s3":     "saveToS3",
}

type pushOptions struct {
	server    string
	name      string
	url       string
	to        string
	action    string
	blob      bool
	forceAuth bool
	timeout   time.Duration
}

func newPushCmd() *cobra.Command {
	opts := &pushOptions{}

	cmd := &cobra.Command{
		Use:   "push <file>",
		Short: "Send a file to a running pagesave serve as a saved page",
		Long: `Encode a file as a page transfer and send it to a running server.

--to picks the destination: local (default), editor, webdav, gdrive, github,
s3, or foreground to have the page handed back and written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "", "server base URL (default http://<transport.listen>)")
	f.StringVar(&opts.name, "name", "", "filename to save as (default: the file's base name)")
	f.StringVar(&opts.url, "url", "", "source URL recorded with the page")
	f.StringVar(&opts.to, "to", "local", "destination sink")
	f.StringVar(&opts.action, "conflict", "", "filename conflict action: uniquify, overwrite, skip, prompt")
	f.BoolVar(&opts.blob, "blob", false, "upload the whole page in one request instead of websocket frames")
	f.BoolVar(&opts.forceAuth, "force-auth", false, "re-run the Google Drive consent flow")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "how long to wait for the delivery")

	return cmd
}

func runPush(cmd *cobra.Command, path string, opts *pushOptions) error {
	cc := mustCLIContext(cmd.Context())

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if opts.name == "" {
		opts.name = filepath.Base(path)
	}

	msg, err := pushMessage(opts, content)
	if err != nil {
		return err
	}

	frameSize, err := config.ParseSize(cc.Cfg.Transport.MaxMessageSize)
	if err != nil {
		return err
	}

	codec, err := frame.NewCodec(int(frameSize))
	if err != nil {
		return err
	}

	base := opts.server
	if base == "" {
		base = "http://" + cc.Cfg.Transport.Listen
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	client, err := server.Dial(ctx, base, codec, server.ClientOptions{
		Foreground: func(v any) { writeForeground(v) },
		HTTPClient: defaultHTTPClient(),
		Logger:     cc.Logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	taskID, _ := msg["taskId"].(string)
	wait := client.Watch(taskID)

	if opts.blob {
		err = client.DownloadBlob(ctx, taskID, msg)
	} else {
		err = client.Download(ctx, taskID, msg)
	}

	if err != nil {
		return err
	}

	out, err := wait(ctx)
	if err != nil {
		return err
	}

	return printOutcome(cc, out)
}

// pushMessage builds the download message the server expects.
func pushMessage(opts *pushOptions, content []byte) (map[string]any, error) {
	msg := map[string]any{
		"filename":         opts.name,
		"taskId":           uuid.NewString(),
		"content":          content,
		"forceWebAuthFlow": opts.forceAuth,
	}

	if opts.url != "" {
		msg["url"] = opts.url
	}

	if opts.action != "" {
		action, err := conflict.ParseAction(opts.action)
		if err != nil {
			return nil, err
		}

		msg["filenameConflictAction"] = string(action)
	}

	if opts.to == "foreground" {
		return msg, nil
	}

	key, ok := pushSinkFlags[opts.to]
	if !ok {
		return nil, fmt.Errorf("unknown destination %q", opts.to)
	}

	msg[key] = true

	return msg, nil
}

func writeForeground(v any) {
	m, _ := v.(map[string]any)
	if content, ok := m["content"].([]byte); ok {
		os.Stdout.Write(content) //nolint:errcheck // best effort to stdout
	}
}

func printOutcome(cc *CLIContext, out *server.Outcome) error {
	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	switch {
	case out.Skipped:
		cc.Statusf("Skipped: an output with this name already exists.\n")
	case out.Locator != "":
		fmt.Println(out.Locator)
	default:
		cc.Statusf("Delivered via %s.\n", out.Sink)
	}

	return nil
}
