package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ai-auditor/internal/audit"
	"ai-auditor/internal/executor"
	"ai-auditor/internal/server"
)

// auditor-cli runs a one-shot audit against a model endpoint without the API
// server, printing the full report to stdout.
func main() {
	endpoint := flag.String("endpoint", envOr("AUDITOR_ENDPOINT", ""), "Model inference endpoint URL")
	method := flag.String("method", "POST", "HTTP method: POST|GET")
	headers := flag.String("headers", envOr("AUDITOR_HEADERS", ""), "Comma-separated request headers, e.g. 'Authorization: Bearer sk-..,X-Org: acme'")
	templatePath := flag.String("template", "", "Path to JSON request template containing the {{PROMPT}} placeholder")
	templateInline := flag.String("template-json", "", "Inline JSON request template (overrides -template)")
	responsePath := flag.String("response-path", envOr("AUDITOR_RESPONSE_PATH", ""), "Dotted path to the generated text, e.g. choices[0].message.content")
	categories := flag.String("categories", "all", "Comma-separated categories: compliance,pii,bias,hallucination,drift,phi,all")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-prompt HTTP timeout")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full report JSON to this file")
	snapshotPath := flag.String("snapshot", "", "Optional store snapshot file to persist run artifacts")
	strict := flag.Bool("strict", false, "Exit non-zero when the audit result is AUDIT_FAIL")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if strings.TrimSpace(*endpoint) == "" {
		exitWith("AUDITOR_ENDPOINT or -endpoint is required")
	}
	if strings.TrimSpace(*responsePath) == "" {
		exitWith("AUDITOR_RESPONSE_PATH or -response-path is required")
	}

	template, err := loadTemplate(*templatePath, *templateInline)
	if err != nil {
		exitWith("failed to load request template: " + err.Error())
	}

	connector := executor.Config{
		Endpoint:        *endpoint,
		Method:          *method,
		Headers:         parseHeaders(*headers),
		RequestTemplate: template,
		ResponsePath:    *responsePath,
		TimeoutSec:      int(timeout.Seconds()),
	}
	exec, err := executor.New(connector)
	if err != nil {
		exitWith(err.Error())
	}

	selected := resolveCategories(*categories)
	store, err := server.NewMemoryFileStore(*snapshotPath)
	if err != nil {
		exitWith("failed to open store snapshot: " + err.Error())
	}

	runID := "audit_local"
	if err := store.CreateRun(server.RunMeta{
		RunID:       runID,
		TargetID:    "cli",
		Status:      audit.StatusPending,
		Result:      audit.ResultPending,
		Categories:  selected,
		CreatorType: "cli",
		Source:      "cli",
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		exitWith("failed to create run: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := audit.NewEngine(store, logger)
	runErr := engine.Run(ctx, runID, exec, selected)
	if runErr != nil && !errors.Is(runErr, audit.ErrCancelled) {
		exitWith("audit run failed: " + runErr.Error())
	}

	meta, _ := store.GetRun(runID)
	var global *audit.GlobalRisk
	if summary, ok := store.GetSummary(runID); ok {
		global = &audit.GlobalRisk{
			S:        summary.RiskScore / 100,
			Score100: summary.RiskScore,
			Band:     audit.SeverityBandFromScore100(summary.RiskScore),
		}
	}
	report := audit.BuildReport(map[string]any{
		"audit_id":         meta.RunID,
		"execution_status": meta.Status,
		"audit_result":     meta.Result,
		"endpoint":         *endpoint,
		"categories":       selected,
	}, store.GetFindings(runID), store.GetInteractions(runID), store.GetMetricScores(runID), global)

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(report)
	default:
		printText(meta, report)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeReport(*outputPath, report); err != nil {
			exitWith("failed to write report: " + err.Error())
		}
	}

	if errors.Is(runErr, audit.ErrCancelled) {
		os.Exit(130)
	}
	if *strict && meta.Result == audit.ResultFail {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func resolveCategories(raw string) []string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "all" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name != "" {
			headers[name] = value
		}
	}
	return headers
}

func loadTemplate(path, inline string) (map[string]any, error) {
	var data []byte
	switch {
	case strings.TrimSpace(inline) != "":
		data = []byte(inline)
	case strings.TrimSpace(path) != "":
		raw, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, err
		}
		data = raw
	default:
		return nil, nil
	}
	var template map[string]any
	if err := json.Unmarshal(data, &template); err != nil {
		return nil, err
	}
	return template, nil
}

func printText(meta server.RunMeta, report audit.Report) {
	fmt.Printf("Audit: %s\n", meta.RunID)
	fmt.Printf("Status: %s\n", meta.Status)
	fmt.Printf("Result: %s\n\n", meta.Result)

	for _, line := range report.ExecutiveSummary {
		fmt.Println(line)
	}
	fmt.Println()

	if report.GlobalRisk != nil {
		fmt.Printf("Global risk score: %.2f (%s)\n\n", report.GlobalRisk.Score100, report.GlobalRisk.Band)
	}

	fmt.Println("Metric scores:")
	for _, score := range report.MetricScores {
		fmt.Printf("  %-14s %6.2f  %s\n", score.Metric, score.Score100, score.Band)
	}
	fmt.Println()

	fmt.Printf("Issues (%d unique from %d raw findings):\n", report.UniqueIssueCount, report.Summary.TotalFindingsRaw)
	for _, issue := range report.GroupedFindings {
		fmt.Printf("  [%s] %s/%s x%d - %s\n", issue.Severity, issue.Category, issue.MetricName, issue.Occurrences, issue.Description)
	}
}

func printJSON(report audit.Report) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		exitWith("failed to encode report JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeReport(path string, report audit.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
