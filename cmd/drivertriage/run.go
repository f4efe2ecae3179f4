package main

import (
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full triage pipeline and write a report",
	Example: `
# Spawn an IDA-side backend over stdio
drivertriage run --backend-exe python --backend-server mcp_server.py

# Attach to a running backend and render the report in the terminal
drivertriage run --url ws://127.0.0.1:13337 --pretty`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		annotate, _ := cmd.Flags().GetBool("annotate")
		doc, err := a.pipeline(annotate).Run(ctx)
		if err != nil {
			return err
		}

		path, err := doc.Write(a.cfg.OutDir)
		if err != nil {
			return err
		}
		a.logger.Info("report written", "path", path, "targets", len(doc.Targets))

		if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
			r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err != nil {
				return err
			}
			out, err := r.Render(doc.Render())
			if err != nil {
				return err
			}
			fmt.Print(out)
		} else {
			fmt.Println(path)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("pretty", false, "Render the report to the terminal")
	runCmd.Flags().Bool("annotate", true, "Rename the IOCTL local and apply the dispatch prototype in the binary")
	rootCmd.AddCommand(runCmd)
}
