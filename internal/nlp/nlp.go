// Package nlp defines the seams to the natural-language collaborators: a
// Translator that turns a question into a SQL statement and a Formatter
// that renders result rows back into prose. Both are CPU-bound in the
// original deployment and are always dispatched through the runtime task
// pool, never on a request-handling goroutine.
//
// The bundled implementations are deterministic and rule-based — enough to
// exercise the fabric end to end and to keep tests hermetic. Deployments
// with a real language model swap in their own implementation of the two
// interfaces.
package nlp

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Translator produces a SQL statement answering a natural-language
// question about the sales dataset.
type Translator interface {
	Translate(ctx context.Context, question string) (string, error)
}

// Formatter renders the rows a query produced into a natural-language
// answer to the original question.
type Formatter interface {
	Format(ctx context.Context, question string, rows []map[string]any) (string, error)
}

// Metadata supplies the dataset facts the translator grounds its output
// in: the product vocabulary and the covered date range.
type Metadata interface {
	Products(ctx context.Context) ([]string, error)
	DateRange(ctx context.Context) (min, max string, err error)
}

// RuleTranslator is the deterministic Translator: keyword patterns over
// the question select an aggregate, and a product mention narrows the
// statement with a WHERE clause.
type RuleTranslator struct {
	meta Metadata
}

// NewRuleTranslator creates a RuleTranslator grounded in meta.
// meta may be nil; product matching is then skipped.
func NewRuleTranslator(meta Metadata) *RuleTranslator {
	return &RuleTranslator{meta: meta}
}

// Translate builds a SELECT over the ventas table.
func (t *RuleTranslator) Translate(ctx context.Context, question string) (string, error) {
	q := strings.ToLower(question)

	var products []string
	if t.meta != nil {
		if p, err := t.meta.Products(ctx); err == nil {
			products = p
		}
	}

	where := ""
	for _, p := range products {
		if strings.Contains(q, strings.ToLower(p)) {
			where = fmt.Sprintf(" WHERE producto = '%s'", strings.ReplaceAll(p, "'", "''"))
			break
		}
	}

	switch {
	case containsAny(q, "ingreso", "revenue", "facturación", "facturacion", "importe"):
		return "SELECT SUM(cantidad * precio) AS total FROM ventas" + where + ";", nil
	case containsAny(q, "cuánt", "cuant", "total", "suma", "sum", "how many", "how much"):
		return "SELECT SUM(cantidad) AS total FROM ventas" + where + ";", nil
	case containsAny(q, "precio", "price"):
		return "SELECT producto, precio FROM ventas" + where + " GROUP BY producto, precio;", nil
	default:
		return "SELECT producto, SUM(cantidad) AS cantidad FROM ventas" + where + " GROUP BY producto;", nil
	}
}

// TemplateFormatter is the deterministic Formatter: a single sentence
// listing every row, rows separated by "; " and each row's column values
// rendered in sorted column order.
type TemplateFormatter struct{}

// NewTemplateFormatter creates a TemplateFormatter.
func NewTemplateFormatter() *TemplateFormatter {
	return &TemplateFormatter{}
}

// Format renders rows into prose.
func (f *TemplateFormatter) Format(ctx context.Context, question string, rows []map[string]any) (string, error) {
	if len(rows) == 0 {
		return "No se encontraron resultados para la consulta.", nil
	}

	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for col := range row {
			cols = append(cols, col)
		}
		sort.Strings(cols)

		fields := make([]string, 0, len(cols))
		for _, col := range cols {
			fields = append(fields, fmt.Sprintf("%s=%v", col, row[col]))
		}
		parts = append(parts, strings.Join(fields, ", "))
	}

	return fmt.Sprintf("La consulta devolvió %d resultado(s): %s.", len(rows), strings.Join(parts, "; ")), nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
