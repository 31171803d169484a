package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/liuxd6825/browsercore/common"
)

type targetDetails struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type cmdTargets struct {
	gs     *globalState
	isJSON bool
}

func (c *cmdTargets) run(cmd *cobra.Command, _ []string) error {
	b, err := connectBrowser(c.gs, cmd.Flags())
	if err != nil {
		return err
	}
	defer b.Close()

	available, err := b.TargetManager().AvailableTargets()
	if err != nil {
		return err
	}
	targets := make([]*common.Target, 0, len(available))
	for _, t := range available {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID() < targets[j].ID() })

	details := make([]targetDetails, 0, len(targets))
	for _, t := range targets {
		info := t.Info()
		details = append(details, targetDetails{
			ID:    string(info.TargetID),
			Type:  info.Type,
			URL:   info.URL,
			Title: info.Title,
		})
	}

	if c.isJSON {
		buf, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to produce JSON target details: %w", err)
		}
		_, err = fmt.Fprintln(c.gs.stdOut, string(buf))
		return err
	}

	typeColor := color.New(color.FgCyan)
	if c.gs.flags.noColor {
		typeColor.DisableColor()
	}
	for _, d := range details {
		if _, err := fmt.Fprintf(c.gs.stdOut, "%s  %s  %s\n",
			d.ID, typeColor.Sprintf("%-15s", d.Type), d.URL); err != nil {
			return err
		}
	}

	return nil
}

func getCmdTargets(gs *globalState) *cobra.Command {
	c := &cmdTargets{gs: gs}

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the targets of a browser",
		Long: `List the targets of a running browser.

Every target the browser has, pages, workers and the like, is attached to and
listed with its type and URL.`,
		Example: `
  # List the targets of a local browser
  browsercore targets --ws-url ws://127.0.0.1:9222/devtools/browser/<id>`[1:],
		Args: cobra.NoArgs,
		RunE: c.run,
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(browserOptionFlagSet())
	cmd.Flags().BoolVar(&c.isJSON, "json", false, "if set, output the targets in JSON format")

	return cmd
}
