package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caffeineduck/wasmshim/wire"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl <artifact>",
	Short: "Send requests to a module interactively",
	Long: `Boot a module and send it requests one line at a time.

Each line is METHOD PATH [BODY], for example:
  GET /
  POST /items {"name":"x"}

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line bodies (end line with \)

Commands:
  :state    Show initializer state
  :reset    Drop the module; the next request boots it again

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.wasmshim_history)")
	replCmd.Flags().Bool("headers", false, "Print response headers")
	addModuleFlags(replCmd.Flags())
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args, moduleKeys)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	historyFile, _ := cmd.Flags().GetString("history")
	showHeaders, _ := cmd.Flags().GetBool("headers")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".wasmshim_history")
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	mod, err := openModule(cfg, log)
	if err != nil {
		return err
	}
	defer mod.Close(context.Background())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "wasmshim %s (type 'exit' to quit, Ctrl+D to exit)\n", mod.loader.Name())

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(out)
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("> ")
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case ":state":
			fmt.Fprintf(out, "%s (attempts: %d)\n", mod.lifecycle.State(), mod.lifecycle.Attempts())
			continue
		case ":reset":
			if err := mod.lifecycle.Reset(cmd.Context()); err != nil {
				fmt.Fprintf(errOut, "Error: %v\n", err)
			}
			continue
		}

		req, err := parseRequestLine(line)
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			continue
		}

		inst, err := mod.lifecycle.EnsureReady(cmd.Context())
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			continue
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Forward.Timeout)
		resp, err := inst.Invoke(ctx, req)
		cancel()
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			continue
		}
		printResponse(out, resp, showHeaders)
	}
	return nil
}

// parseRequestLine reads "METHOD PATH [BODY]". A bare path means GET.
func parseRequestLine(line string) (*wire.Request, error) {
	method, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	if strings.HasPrefix(method, "/") {
		method, rest = http.MethodGet, line
	}
	method = strings.ToUpper(method)

	path, body, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if path == "" {
		return nil, fmt.Errorf("usage: METHOD PATH [BODY]")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req := &wire.Request{
		Method: method,
		URL:    "http://localhost" + path,
		Header: map[string][]string{},
	}
	if body = strings.TrimSpace(body); body != "" {
		req.Body = []byte(body)
		ct := "text/plain; charset=utf-8"
		if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
			ct = "application/json"
		}
		req.Header["Content-Type"] = []string{ct}
	}
	return req, nil
}

func printResponse(w io.Writer, resp *wire.Response, headers bool) {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	fmt.Fprintf(w, "%d %s\n", status, http.StatusText(status))
	if headers {
		names := make([]string, 0, len(resp.Header))
		for name := range resp.Header {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			for _, v := range resp.Header[name] {
				fmt.Fprintf(w, "%s: %s\n", name, v)
			}
		}
	}
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
		if resp.Body[len(resp.Body)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}
