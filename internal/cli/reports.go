package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gwi.com/report-studio/internal/render"
	"gwi.com/report-studio/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		reports := a.Service.ListReports(ctx)
		if len(reports) == 0 {
			pterm.Info.Println("No saved reports. Run: reportctl seed")
			return nil
		}
		data := pterm.TableData{{"ID", "Title", "Saved"}}
		for _, r := range reports {
			data = append(data, []string{
				strconv.FormatInt(r.ID, 10),
				r.Title,
				time.UnixMilli(r.CreatedAt).Format("2006-01-02 15:04"),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var showOut string

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Render a saved report with its stored data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.Service.ViewReport(ctx, id)
		if err != nil {
			return fmt.Errorf("load report %d: %w", id, err)
		}

		queries, charts := 0, 0
		if r := view.Report.Message.Report; r != nil {
			queries, charts = len(r.Queries), len(r.Charts)
		}
		details := fmt.Sprintf("Saved on %s\nQueries: %d\nCharts: %d",
			time.UnixMilli(view.Report.CreatedAt).Format(time.RFC1123), queries, charts)
		pterm.DefaultBox.
			WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint(view.Report.Title)).
			WithTopPadding(1).WithBottomPadding(1).WithLeftPadding(1).WithRightPadding(1).
			Println(details)

		if len(view.Form) > 0 {
			items := make([]pterm.BulletListItem, 0, len(view.Form))
			for _, f := range view.Form {
				items = append(items, pterm.BulletListItem{Level: 0, Text: fmt.Sprintf("%s (%s) = %v", f.Name, f.Type, f.Value)})
			}
			pterm.Println("Parameters:")
			_ = pterm.DefaultBulletList.WithItems(items).Render()
		}

		return reportRender(view.Render, showOut)
	},
}

var (
	runParams []string
	runOut    string
)

var runCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a saved report's queries with parameter values",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		params, err := parseParams(runParams)
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		spinner, _ := pterm.DefaultSpinner.Start("Running queries...")
		res, err := a.Service.RunReport(ctx, id, params)
		if err != nil {
			if spinner != nil {
				spinner.Fail(err.Error())
			}
			return fmt.Errorf("run report %d: %w", id, err)
		}
		if spinner != nil {
			if res.Activity.Status == "success" {
				spinner.Success("Queries finished")
			} else {
				spinner.Warning("Queries failed; showing stored data")
			}
		}

		data := pterm.TableData{{"Query", "Parameters", "Result"}}
		for _, q := range res.Activity.Queries {
			var bound []string
			for _, p := range q.Params {
				bound = append(bound, fmt.Sprintf("%s=%v", p.Name, res.Activity.ParamValues[p.Name]))
			}
			data = append(data, []string{q.Name, strings.Join(bound, ", "), describeResult(res.Activity.Result[q.Name])})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		return reportRender(res.Render, runOut)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service.DeleteReport(ctx, id); err != nil {
			return fmt.Errorf("delete report %d: %w", id, err)
		}
		pterm.Success.Printfln("Deleted report %d", id)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Install the example reports into an empty store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := store.SeedIfEmpty(ctx, a.Store)
		if err != nil {
			return err
		}
		if n == 0 {
			pterm.Info.Println("Store already has reports; nothing seeded")
			return nil
		}
		pterm.Success.Printfln("Seeded %d example reports", n)
		return nil
	},
}

func init() {
	showCmd.Flags().StringVarP(&showOut, "out", "o", "", "write the rendered report as HTML to this file")
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "parameter value as name=value (repeatable)")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the rendered report as HTML to this file")
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid report id %q", arg)
	}
	return id, nil
}

// parseParams turns name=value pairs into raw form input. Values are
// coerced to each parameter's declared type by the service.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", pair)
		}
		params[name] = value
	}
	return params, nil
}

func describeResult(v any) string {
	switch r := v.(type) {
	case map[string]string:
		return "error: " + r["error"]
	case nil:
		return "-"
	default:
		if rows, ok := v.([]map[string]any); ok {
			return fmt.Sprintf("%d rows", len(rows))
		}
		return fmt.Sprintf("%v", v)
	}
}

// reportRender prints segment problems and optionally writes the HTML.
func reportRender(res render.Result, out string) error {
	errs := res.Errors()
	if len(errs) == 0 {
		pterm.Success.Printfln("All %d segments rendered", len(res.Segments))
	}
	for _, seg := range errs {
		pterm.Warning.Println(seg.Error)
	}
	if len(res.Issues) > 0 {
		msgs := make([]string, 0, len(res.Issues))
		for _, issue := range res.Issues {
			msgs = append(msgs, issue.Message)
		}
		sort.Strings(msgs)
		for _, m := range msgs {
			pterm.Info.Println(m)
		}
	}
	if out == "" {
		return nil
	}
	if err := os.WriteFile(out, []byte(render.HTML(res)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	pterm.Success.Printfln("Wrote %s", out)
	return nil
}
