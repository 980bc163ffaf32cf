package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"

	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/store"
)

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "Query stored receipts",
	Long:  "Commands for listing, searching, summarizing, deleting and exporting stored receipts.",
}

// -- receipts list --

var receiptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List receipts, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listReceipts(cmd, "receipts list")
	},
}

// -- receipts search --

var receiptsSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search receipts by location, date and amount",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listReceipts(cmd, "receipts search")
	},
}

func listReceipts(cmd *cobra.Command, op string) error {
	ctx := cmd.Context()

	filter, err := receiptFilter(cmd)
	if err != nil {
		return err
	}
	filter.WithItems = true

	st, err := openQueryStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	receipts, err := st.ListReceipts(ctx, filter)
	if err != nil {
		return eris.Wrap(err, op)
	}
	if len(receipts) == 0 {
		fmt.Fprintln(os.Stderr, "No receipts found.")
		return nil
	}

	formatReceiptsList(os.Stdout, receipts)
	return nil
}

// -- receipts show --

var receiptsShowCmd = &cobra.Command{
	Use:   "show <natural-key>",
	Short: "Show one receipt with its line items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r, err := st.GetReceipt(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "receipts show")
		}
		return writeJSON(os.Stdout, r)
	},
}

// -- receipts stats --

var receiptsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show spending statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := receiptFilter(cmd)
		if err != nil {
			return err
		}

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.ReceiptStats(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "receipts stats")
		}

		formatReceiptStats(os.Stdout, stats)
		return nil
	},
}

// -- receipts delete --

var receiptsDeleteCmd = &cobra.Command{
	Use:   "delete <natural-key>",
	Short: "Delete one receipt and its line items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteReceipt(ctx, args[0]); err != nil {
			return eris.Wrap(err, "receipts delete")
		}
		fmt.Fprintf(os.Stderr, "Deleted %s\n", args[0])
		return nil
	},
}

// -- receipts export --

var receiptsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export receipts and line items to an xlsx workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := receiptFilter(cmd)
		if err != nil {
			return err
		}
		filter.WithItems = true
		out, _ := cmd.Flags().GetString("out")

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		receipts, err := st.ListReceipts(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "receipts export")
		}

		wb, err := buildWorkbook(receipts)
		if err != nil {
			return err
		}
		if err := wb.Save(out); err != nil {
			return eris.Wrapf(err, "receipts export: save %s", out)
		}
		fmt.Fprintf(os.Stderr, "Exported %d receipts to %s\n", len(receipts), out)
		return nil
	},
}

func addFilterFlags(c *cobra.Command, search bool, limit int) {
	c.Flags().Int("limit", limit, "max number of receipts")
	c.Flags().Int("offset", 0, "skip this many receipts")
	c.Flags().Bool("partial", false, "only receipts with missing fields")
	c.Flags().Bool("flagged", false, "only receipts with validation flags")
	if !search {
		return
	}
	c.Flags().String("location", "", "location substring (case-insensitive)")
	c.Flags().String("since", "", "oldest receipt date (YYYY-MM-DD)")
	c.Flags().String("until", "", "newest receipt date (YYYY-MM-DD)")
	c.Flags().String("min", "", "minimum total, e.g. 25.00")
	c.Flags().String("max", "", "maximum total, e.g. 250.00")
}

// receiptFilter builds a filter from whichever filter flags c defines.
func receiptFilter(c *cobra.Command) (store.ReceiptFilter, error) {
	var f store.ReceiptFilter
	f.Limit, _ = c.Flags().GetInt("limit")
	f.Offset, _ = c.Flags().GetInt("offset")
	f.PartialOnly, _ = c.Flags().GetBool("partial")
	f.FlaggedOnly, _ = c.Flags().GetBool("flagged")
	f.Location, _ = c.Flags().GetString("location")

	date := func(name string) (time.Time, error) {
		v, _ := c.Flags().GetString(name)
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(model.DateLayout, v)
		return t, eris.Wrapf(err, "parse --%s %q", name, v)
	}
	amount := func(name string) (*model.Cents, error) {
		v, _ := c.Flags().GetString(name)
		if v == "" {
			return nil, nil
		}
		cents, err := model.ParseCents(v)
		if err != nil {
			return nil, eris.Wrapf(err, "parse --%s", name)
		}
		return &cents, nil
	}

	var err error
	if f.Since, err = date("since"); err != nil {
		return f, err
	}
	if f.Until, err = date("until"); err != nil {
		return f, err
	}
	if f.MinCents, err = amount("min"); err != nil {
		return f, err
	}
	if f.MaxCents, err = amount("max"); err != nil {
		return f, err
	}
	return f, nil
}

func init() {
	addFilterFlags(receiptsListCmd, false, 100)
	addFilterFlags(receiptsSearchCmd, true, 100)
	addFilterFlags(receiptsStatsCmd, true, 0)
	addFilterFlags(receiptsExportCmd, true, 100000)
	receiptsExportCmd.Flags().String("out", "receipts.xlsx", "output workbook path")

	receiptsCmd.AddCommand(receiptsListCmd)
	receiptsCmd.AddCommand(receiptsSearchCmd)
	receiptsCmd.AddCommand(receiptsShowCmd)
	receiptsCmd.AddCommand(receiptsStatsCmd)
	receiptsCmd.AddCommand(receiptsDeleteCmd)
	receiptsCmd.AddCommand(receiptsExportCmd)
	rootCmd.AddCommand(receiptsCmd)
}

func centsCell(c *model.Cents) string {
	if c == nil {
		return ""
	}
	return c.String()
}

// formatReceiptsList writes a table of receipts to out.
func formatReceiptsList(out io.Writer, receipts []model.Receipt) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"DATE", "LOCATION", "TOTAL", "ITEMS", "STATUS", "FLAGS", "KEY"})

	var sum model.Cents
	for _, r := range receipts {
		if r.Total != nil {
			sum += *r.Total
		}
		date := ""
		if !r.Date.IsZero() {
			date = r.Date.Format(model.DateLayout)
		}
		t.AppendRow(table.Row{
			date,
			r.Location,
			centsCell(r.Total),
			len(r.Items),
			r.Completeness(),
			strings.Join(r.Flags, ","),
			r.NaturalKey,
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d receipts", len(receipts)), sum.String()})
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// formatReceiptStats writes aggregate statistics to out.
func formatReceiptStats(out io.Writer, s *store.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendRows([]table.Row{
		{"Receipts", s.Receipts},
		{"Line items", s.Items},
		{"Total spent", s.Sum.String()},
		{"Average", s.Avg.String()},
		{"Smallest", s.Min.String()},
		{"Largest", s.Max.String()},
	})
	if !s.First.IsZero() {
		t.AppendRow(table.Row{"Date range", s.First.Format(model.DateLayout) + " .. " + s.Last.Format(model.DateLayout)})
	}
	t.AppendRows([]table.Row{
		{"Partial", s.Partial},
		{"Flagged", s.Flagged},
	})
	t.SetStyle(table.StyleLight)
	t.Render()

	if len(s.TopLocations) == 0 {
		return
	}
	lt := table.NewWriter()
	lt.SetOutputMirror(out)
	lt.AppendHeader(table.Row{"LOCATION", "RECEIPTS", "TOTAL"})
	for _, l := range s.TopLocations {
		lt.AppendRow(table.Row{l.Location, l.Receipts, l.Total.String()})
	}
	lt.SetStyle(table.StyleLight)
	lt.Render()
}

// buildWorkbook lays receipts out on a "Receipts" sheet and their line items
// on an "Items" sheet keyed by natural key.
func buildWorkbook(receipts []model.Receipt) (*xlsx.File, error) {
	wb := xlsx.NewFile()
	rs, err := wb.AddSheet("Receipts")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add receipts sheet")
	}
	is, err := wb.AddSheet("Items")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add items sheet")
	}

	writeRow(rs, "Key", "Date", "Location", "Total", "Subtotal", "Tax", "Receipt #", "Status", "Missing", "Flags")
	writeRow(is, "Key", "Position", "Name", "Item #", "Department", "Price", "Quantity")

	for _, r := range receipts {
		date := ""
		if !r.Date.IsZero() {
			date = r.Date.Format(model.DateLayout)
		}
		row := rs.AddRow()
		row.AddCell().SetString(r.NaturalKey)
		row.AddCell().SetString(date)
		row.AddCell().SetString(r.Location)
		amountCell(row, r.Total)
		amountCell(row, r.Subtotal)
		amountCell(row, r.Tax)
		row.AddCell().SetString(r.ReceiptNumber)
		row.AddCell().SetString(string(r.Completeness()))
		row.AddCell().SetString(strings.Join(r.Missing, ","))
		row.AddCell().SetString(strings.Join(r.Flags, ","))

		for i, li := range r.Items {
			ir := is.AddRow()
			ir.AddCell().SetString(r.NaturalKey)
			ir.AddCell().SetInt(i + 1)
			ir.AddCell().SetString(li.Name)
			ir.AddCell().SetString(li.ItemNumber)
			ir.AddCell().SetString(li.Department)
			ir.AddCell().SetFloat(li.Price.Float())
			ir.AddCell().SetInt(li.Quantity)
		}
	}
	return wb, nil
}

func writeRow(s *xlsx.Sheet, values ...string) {
	row := s.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func amountCell(row *xlsx.Row, c *model.Cents) {
	cell := row.AddCell()
	if c != nil {
		cell.SetFloat(c.Float())
	}
}
