// Command neoctl is the operator CLI for a running neotrack service. It
// talks to the HTTP API and renders tables for night-time use at the scope.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/preset"
	"github.com/neo/neotrack/internal/session"
	"github.com/neo/neotrack/internal/weather"
)

var (
	flagAddr  string
	flagToken string
	flagJSON  bool
)

var rootCmd = &cobra.Command{
	Use:           "neoctl",
	Short:         "Control a running neotrack scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", envOr("NEOTRACK_ADDR", "http://127.0.0.1:8080"), "neotrack base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("NEOTRACK_AUTH_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(targetsCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(kickoffCmd())
	rootCmd.AddCommand(capturesCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(weatherCmd())
	rootCmd.AddCommand(presetsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func targetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List currently observable targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				AsOf    time.Time                    `json:"as_of"`
				Targets []domain.ObservabilityResult `json:"targets"`
			}
			if err := apiGet("/api/v1/targets/observable", &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Trksub", "Score", "Window Start", "Window End", "Max Alt", "Duration Min"})
			for _, t := range resp.Targets {
				tw.AppendRow(table.Row{
					t.Trksub,
					fmt.Sprintf("%.1f", t.Score),
					formatTimePtr(t.WindowStart),
					formatTimePtr(t.WindowEnd),
					fmt.Sprintf("%.0f", t.MaxAltitudeDeg),
					fmt.Sprintf("%.0f", t.DurationMinutes),
				})
			}
			tw.Render()
			return nil
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [trksub...]",
		Short: "Recompute observability windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if len(args) > 0 {
				body["trksubs"] = args
			}
			var resp struct {
				Count   int                          `json:"count"`
				Results []domain.ObservabilityResult `json:"results"`
			}
			if err := apiPost("/api/v1/observability/refresh", body, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Trksub", "Observable", "Score", "Limiting Factors"})
			for _, r := range resp.Results {
				tw.AppendRow(table.Row{r.Trksub, r.IsObservable, fmt.Sprintf("%.1f", r.Score), fmt.Sprint(r.LimitingFactors)})
			}
			tw.Render()
			return nil
		},
	}
}

func predictCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "predict <trksub>",
		Short: "Predict a candidate's current position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/predict/" + args[0]
			if at != "" {
				path += "?at=" + at
			}
			var resp struct {
				Trksub   string          `json:"trksub"`
				At       time.Time       `json:"at"`
				Position domain.Position `json:"position"`
			}
			if err := apiGet(path, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			fmt.Printf("%s at %s: RA %.5f  Dec %+.5f\n",
				resp.Trksub, resp.At.Format(time.RFC3339), resp.Position.RADeg, resp.Position.DecDeg)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "prediction time (RFC3339, default now)")
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{
		Use:   "session",
		Short: "Manage the observing session",
	}
	sess.AddCommand(sessionStartCmd())
	sess.AddCommand(sessionSimpleCmd("pause", "Pause the session"))
	sess.AddCommand(sessionSimpleCmd("resume", "Resume a paused session"))
	sess.AddCommand(sessionSimpleCmd("end", "End the session"))
	sess.AddCommand(sessionStatusCmd())
	sess.AddCommand(sessionModeCmd())
	sess.AddCommand(sessionTargetCmd())
	return sess
}

func sessionStartCmd() *cobra.Command {
	var filter string
	var darkExposure float64
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an observing session",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess domain.Session
			err := apiPost("/api/v1/session/start", map[string]any{
				"calibration_filter":    filter,
				"dark_exposure_seconds": darkExposure,
			}, &sess)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(sess)
			}
			fmt.Printf("session %s started at %s\n", sess.ID, sess.StartedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "L", "flat calibration filter")
	cmd.Flags().Float64Var(&darkExposure, "dark-exposure", 0, "dark frame exposure seconds (0 skips darks)")
	return cmd
}

func sessionSimpleCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess domain.Session
			if err := apiPost("/api/v1/session/"+verb, nil, &sess); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(sess)
			}
			fmt.Printf("session %s is %s\n", sess.ID, sess.Status)
			return nil
		},
	}
}

func sessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap session.Snapshot
			if err := apiGet("/api/v1/session", &snap); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(snap)
			}

			if snap.Session == nil {
				fmt.Println("no session")
			} else {
				fmt.Printf("session %s: %s (mode %s", snap.Session.ID, snap.Session.Status, snap.TargetMode)
				if snap.SelectedTarget != "" {
					fmt.Printf(", target %s", snap.SelectedTarget)
				}
				fmt.Println(")")
			}
			if len(snap.Calibrations) > 0 {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Calibration", "Completed", "Required"})
				for _, c := range snap.Calibrations {
					tw.AppendRow(table.Row{c.Type, c.Completed, c.Required})
				}
				tw.Render()
			}
			fmt.Printf("captures tonight: %d\n", len(snap.Captures))
			return nil
		},
	}
}

func sessionModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <auto|manual>",
		Short: "Set the target selection mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := apiPost("/api/v1/session/target-mode", map[string]any{"mode": args[0]}, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func sessionTargetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "target <trksub>",
		Short: "Pin the next target (switches to manual mode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := apiPost("/api/v1/session/target", map[string]any{"trksub": args[0]}, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func kickoffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kickoff",
		Short: "Start the auto-pilot capture sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Plan struct {
					Trksub   string          `json:"trksub"`
					Position domain.Position `json:"position"`
					Score    float64         `json:"score"`
					Preset   preset.Preset   `json:"preset"`
				} `json:"plan"`
				Running bool `json:"running"`
			}
			if err := apiPost("/api/v1/kickoff", nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			p := resp.Plan
			fmt.Printf("sequencing %s (score %.1f) at RA %.5f Dec %+.5f\n", p.Trksub, p.Score, p.Position.RADeg, p.Position.DecDeg)
			fmt.Printf("preset %s: %d x %.0fs bin%d filter %s\n", p.Preset.Name, p.Preset.Count, p.Preset.ExposureSeconds, p.Preset.Binning, p.Preset.Filter)
			return nil
		},
	}
}

func capturesCmd() *cobra.Command {
	var target string
	var limit int
	cmd := &cobra.Command{
		Use:   "captures",
		Short: "List recent capture attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/captures?limit=" + strconv.Itoa(limit)
			if target != "" {
				path += "&target=" + target
			}
			var resp struct {
				Captures []domain.CaptureLog `json:"captures"`
			}
			if err := apiGet(path, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Time", "Target", "Kind", "#", "Outcome", "Path"})
			for _, c := range resp.Captures {
				tw.AppendRow(table.Row{c.CreatedAt.Format("15:04:05"), c.Target, c.Kind, c.Index, c.Outcome, c.Path})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "filter by target name")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func notificationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show recent alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Notifications []domain.Notification `json:"notifications"`
			}
			if err := apiGet("/api/v1/notifications?limit="+strconv.Itoa(limit), &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			for _, n := range resp.Notifications {
				fmt.Printf("%s [%s] %s\n", n.CreatedAt.Format("15:04:05"), n.Level, n.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func weatherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "weather",
		Short: "Show the current weather gate verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status weather.Status
			if err := apiGet("/api/v1/weather", &status); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(status)
			}
			verdict := "SAFE"
			if !status.IsSafe {
				verdict = "UNSAFE " + fmt.Sprint(status.Reasons)
			}
			fmt.Println(verdict)
			if status.WindSpeedMps != nil {
				fmt.Printf("wind %.1f m/s\n", *status.WindSpeedMps)
			}
			if status.CloudCoverPct != nil {
				fmt.Printf("clouds %.0f%%\n", *status.CloudCoverPct)
			}
			if status.HumidityPct != nil {
				fmt.Printf("humidity %.0f%%\n", *status.HumidityPct)
			}
			return nil
		},
	}
}

func presetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the exposure preset tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Presets []preset.Preset `json:"presets"`
			}
			if err := apiGet("/api/v1/presets", &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Max Vmag", "Exposure", "Count", "Filter", "Bin", "Delay"})
			for _, p := range resp.Presets {
				tw.AppendRow(table.Row{p.Name, p.MaxVmag, fmt.Sprintf("%.0fs", p.ExposureSeconds), p.Count, p.Filter, p.Binning, fmt.Sprintf("%.0fs", p.DelaySeconds)})
			}
			tw.Render()
			return nil
		},
	}
}

// --- HTTP helpers ---

var httpClient = &http.Client{Timeout: 30 * time.Second}

func apiGet(path string, out any) error {
	return apiDo(http.MethodGet, path, nil, out)
}

func apiPost(path string, body, out any) error {
	return apiDo(http.MethodPost, path, body, out)
}

func apiDo(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, flagAddr+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if flagToken != "" {
		req.Header.Set("Authorization", "Bearer "+flagToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("15:04")
}
