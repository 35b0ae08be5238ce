package nlp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticMetadata serves a fixed product vocabulary and date range.
type staticMetadata struct {
	products []string
}

func (m staticMetadata) Products(ctx context.Context) ([]string, error) {
	return m.products, nil
}

func (m staticMetadata) DateRange(ctx context.Context) (string, string, error) {
	return "2024-04-01", "2024-04-03", nil
}

func TestTranslateSumPattern(t *testing.T) {
	tr := NewRuleTranslator(nil)

	sql, err := tr.Translate(context.Background(), "¿Cuántas unidades se vendieron en total?")
	require.NoError(t, err)
	assert.Equal(t, "SELECT SUM(cantidad) AS total FROM ventas;", sql)
}

func TestTranslateRevenuePattern(t *testing.T) {
	tr := NewRuleTranslator(nil)

	sql, err := tr.Translate(context.Background(), "dame los ingresos totales")
	require.NoError(t, err)
	assert.Equal(t, "SELECT SUM(cantidad * precio) AS total FROM ventas;", sql)
}

func TestTranslateProductFilter(t *testing.T) {
	tr := NewRuleTranslator(staticMetadata{products: []string{"Router X", "Switch Y"}})

	sql, err := tr.Translate(context.Background(), "¿cuántos Router X se vendieron?")
	require.NoError(t, err)
	assert.Equal(t, "SELECT SUM(cantidad) AS total FROM ventas WHERE producto = 'Router X';", sql)
}

func TestTranslateDefaultGroupBy(t *testing.T) {
	tr := NewRuleTranslator(nil)

	sql, err := tr.Translate(context.Background(), "ventas por producto")
	require.NoError(t, err)
	assert.Equal(t, "SELECT producto, SUM(cantidad) AS cantidad FROM ventas GROUP BY producto;", sql)
}

func TestTranslateEscapesQuotes(t *testing.T) {
	tr := NewRuleTranslator(staticMetadata{products: []string{"O'Brien"}})

	sql, err := tr.Translate(context.Background(), "total de o'brien")
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE producto = 'O''Brien'")
}

func TestFormatEmptyRows(t *testing.T) {
	f := NewTemplateFormatter()

	out, err := f.Format(context.Background(), "pregunta", nil)
	require.NoError(t, err)
	assert.Equal(t, "No se encontraron resultados para la consulta.", out)
}

func TestFormatRendersRowsDeterministically(t *testing.T) {
	f := NewTemplateFormatter()

	rows := []map[string]any{
		{"producto": "Router X", "cantidad": 17},
		{"producto": "Switch Y", "cantidad": 7},
	}
	out, err := f.Format(context.Background(), "pregunta", rows)
	require.NoError(t, err)

	assert.Contains(t, out, "2 resultado(s)")
	assert.Contains(t, out, "cantidad=17, producto=Router X")
	assert.Contains(t, out, "cantidad=7, producto=Switch Y")
}
