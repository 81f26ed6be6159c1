package connectors

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Console prints committed rows to stdout as formatted tables.
type Console struct {
	maxRows int
	writer  io.Writer
	count   int64
}

// NewConsole creates a Console sink. maxRows <= 0 prints every row.
func NewConsole(maxRows int) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

func (c *Console) Name() string { return "console" }

func (c *Console) WriteCommitted(_ context.Context, cm Committed) error {
	names := cm.Schema.Names()
	numRows := len(cm.Rows)
	if c.maxRows > 0 && numRows > c.maxRows {
		numRows = c.maxRows
	}

	fmt.Fprintf(c.writer, "%s @ version %d (batch %d)\n", cm.Table, cm.Version, cm.BatchID)

	// Calculate column widths.
	widths := make([]int, len(names))
	for i, n := range names {
		widths[i] = len(n)
	}
	cells := make([][]string, numRows)
	for row := 0; row < numRows; row++ {
		cells[row] = make([]string, len(names))
		for col, n := range names {
			val := formatValue(cm.Rows[row][n])
			cells[row][col] = val
			if len(val) > widths[col] {
				widths[col] = len(val)
			}
		}
	}

	c.printRow(names, widths)
	c.printSeparator(widths)
	for _, row := range cells {
		c.printRow(row, widths)
	}

	if len(cm.Rows) > numRows {
		fmt.Fprintf(c.writer, "... (%d more rows)\n", len(cm.Rows)-numRows)
	}
	fmt.Fprintln(c.writer)

	c.count += int64(len(cm.Rows))
	return nil
}

// Count returns the number of rows received.
func (c *Console) Count() int64 { return c.count }

func (c *Console) Close() error { return nil }

func (c *Console) printRow(vals []string, widths []int) {
	var sb strings.Builder
	sb.WriteString("| ")
	for i, v := range vals {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(v, widths[i]))
	}
	sb.WriteString(" |")
	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) printSeparator(widths []int) {
	var sb strings.Builder
	sb.WriteString("|-")
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("-|-")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("-|")
	fmt.Fprintln(c.writer, sb.String())
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return fmt.Sprintf("%.4f", x)
	case float32:
		return fmt.Sprintf("%.4f", x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
