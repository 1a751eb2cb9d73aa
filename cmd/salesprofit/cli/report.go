package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/salesprofit/internal/profit"
)

const dateLayout = "2006-01-02"

// Exit codes of the report command.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitPartial signals a report that left orders out.
	ExitPartial = 10
)

// ReportRunner builds period reports.
type ReportRunner interface {
	CalculatePeriodProfit(ctx context.Context, q profit.ReportQuery) (profit.PeriodProfitReport, error)
}

// ReportCLI prints period profit reports.
type ReportCLI struct {
	runner ReportRunner
}

// NewReportCLI constructs the command helper.
func NewReportCLI(runner ReportRunner) (*ReportCLI, error) {
	if runner == nil {
		return nil, errors.New("report cli: runner is required")
	}
	return &ReportCLI{runner: runner}, nil
}

// ReportOptions defines the flags of the report command.
type ReportOptions struct {
	TenantID   string
	From       string
	To         string
	Period     string
	ProductID  string
	UserID     string
	Status     string
	Locale     string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RunCommand executes the report and prints it. The end date is inclusive.
func (c *ReportCLI) RunCommand(ctx context.Context, opts ReportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if strings.TrimSpace(opts.TenantID) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "report: --tenant is required")
		return ExitFailure
	}
	from, err := time.Parse(dateLayout, strings.TrimSpace(opts.From))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "report: invalid --from %q (expected YYYY-MM-DD)\n", opts.From)
		return ExitFailure
	}
	to, err := time.Parse(dateLayout, strings.TrimSpace(opts.To))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "report: invalid --to %q (expected YYYY-MM-DD)\n", opts.To)
		return ExitFailure
	}
	period, ok := profit.ParsePeriod(opts.Period)
	if !ok {
		_, _ = fmt.Fprintf(opts.Stderr, "report: invalid --period %q (daily, weekly or monthly)\n", opts.Period)
		return ExitFailure
	}
	var status profit.OrderStatus
	if opts.Status != "" {
		if status, ok = profit.ParseStatus(opts.Status); !ok {
			_, _ = fmt.Fprintf(opts.Stderr, "report: unknown --status %q\n", opts.Status)
			return ExitFailure
		}
	}

	report, err := c.runner.CalculatePeriodProfit(ctx, profit.ReportQuery{
		TenantID: strings.TrimSpace(opts.TenantID),
		Range:    profit.DateRange{From: from, To: to.AddDate(0, 0, 1)},
		Period:   period,
		Filters:  profit.OrderFilters{ProductID: opts.ProductID, UserID: opts.UserID, Status: status},
	})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "report: %s\n", profit.UserMessage(err))
		return ExitFailure
	}

	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "report: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderReportHuman(opts.Stdout, report, opts.Locale)
	}
	if report.Summary.SkippedCount > 0 {
		return ExitPartial
	}
	return ExitOK
}

func printerFor(locale string) *message.Printer {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil || locale == "" {
		tag = language.AmericanEnglish
	}
	return message.NewPrinter(tag)
}

func renderReportHuman(out io.Writer, r profit.PeriodProfitReport, locale string) {
	p := printerFor(locale)
	last := r.Range.To.AddDate(0, 0, -1)
	_, _ = p.Fprintf(out, "Profit report for tenant %s, %s to %s (%s)\n",
		r.TenantID, r.Range.From.Format(dateLayout), last.Format(dateLayout), r.Period)

	s := r.Summary
	_, _ = p.Fprintf(out, "Orders:        %d (%d returned, %d estimated, %d skipped)\n",
		s.OrderCount, s.ReturnCount, s.EstimatedCount, s.SkippedCount)
	_, _ = p.Fprintf(out, "Revenue:       %.2f\n", s.TotalRevenue)
	_, _ = p.Fprintf(out, "Costs:         %.2f\n", s.TotalCosts)
	_, _ = p.Fprintf(out, "Gross profit:  %.2f\n", s.GrossProfit)
	_, _ = p.Fprintf(out, "Net profit:    %.2f\n", s.NetProfit)
	_, _ = p.Fprintf(out, "Margin:        %.2f%%\n", s.ProfitMargin)

	b := r.Breakdown
	_, _ = p.Fprintf(out, "\nCosts by category: product %.2f, lead %.2f, packaging %.2f, printing %.2f, return %.2f\n",
		b.Product, b.Lead, b.Packaging, b.Printing, b.Return)

	if len(r.Trend) > 0 {
		_, _ = fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
		_, _ = fmt.Fprintln(tw, "Bucket\tOrders\tRevenue\tCosts\tProfit\t")
		for _, pt := range r.Trend {
			_, _ = fmt.Fprintln(tw, p.Sprintf("%s\t%d\t%.2f\t%.2f\t%.2f\t",
				pt.Bucket, pt.OrderCount, pt.Revenue, pt.Costs, pt.Profit))
		}
		_ = tw.Flush()
	}
	if len(r.Warnings) > 0 {
		_, _ = fmt.Fprintf(out, "\n%d warning(s):\n", len(r.Warnings))
		for _, w := range r.Warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}
}
