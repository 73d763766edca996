// Tagging commands: rule management, dry-run preview and application.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casparian/internal/catalog"
)

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Manage tagging rules and apply them to the catalog",
}

var tagLoadCmd = &cobra.Command{
	Use:   "load <rules.yaml>",
	Short: "Load tagging rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTagLoad,
}

var tagRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List tagging rules in priority order",
	Args:  cobra.NoArgs,
	RunE:  runTagRules,
}

var tagPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Dry-run rules against the catalog without writing tags",
	Args:  cobra.NoArgs,
	RunE:  runTagPreview,
}

var tagApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply rules to untagged catalog files, first match wins",
	Args:  cobra.NoArgs,
	RunE:  runTagApply,
}

func init() {
	tagCmd.AddCommand(tagLoadCmd, tagRulesCmd, tagPreviewCmd, tagApplyCmd)
	rootCmd.AddCommand(tagCmd)
}

func runTagLoad(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	n, err := catalog.NewTagger(e.store).LoadRulesFile(e.ws.ID, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("loaded %d rules from %s\n", n, args[0])
	return nil
}

func runTagRules(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	rules, err := e.store.ListRules(e.ws.ID)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Println("no tagging rules")
		return nil
	}
	for _, r := range rules {
		sub := ""
		if r.Subscribed {
			sub = " [subscribed]"
		}
		fmt.Printf("%4d  %-30s -> %s%s\n", r.Priority, r.Pattern, r.Tag, sub)
	}
	return nil
}

func runTagPreview(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	files, err := e.store.ListFiles(e.ws.ID)
	if err != nil {
		return err
	}
	preview, err := catalog.NewTagger(e.store).PreviewRules(e.ws.ID, files)
	if err != nil {
		return err
	}
	for _, ps := range preview.Patterns {
		fmt.Printf("%-30s -> %-15s %5d files  %10d bytes  %d would queue\n",
			ps.Pattern, ps.Tag, ps.Matched, ps.Bytes, ps.WouldQueue)
	}
	fmt.Printf("%d files match no rule\n", preview.Untagged)
	return nil
}

func runTagApply(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	files, err := e.store.ListFiles(e.ws.ID)
	if err != nil {
		return err
	}
	results, err := catalog.NewTagger(e.store).ApplyRules(e.ws.ID, files)
	if err != nil {
		return err
	}
	queued := 0
	for _, r := range results {
		if r.WouldQueue {
			queued++
		}
	}
	fmt.Printf("tagged %d files (%d subscribed)\n", len(results), queued)
	return nil
}
