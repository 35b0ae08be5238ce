package salesdata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrNotSelect is returned when a submitted statement is anything other
// than a single SELECT. The tool surface is read-only.
var ErrNotSelect = errors.New("salesdata: only SELECT statements are accepted")

// Venta is one row of the sales dataset.
type Venta struct {
	Fecha    string  `gorm:"column:fecha" json:"fecha"`
	Producto string  `gorm:"column:producto" json:"producto"`
	Cantidad int     `gorm:"column:cantidad" json:"cantidad"`
	Precio   float64 `gorm:"column:precio" json:"precio"`
}

// TableName maps Venta onto the ventas table.
func (Venta) TableName() string { return "ventas" }

// Store evaluates read-only queries over the sales dataset.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over an open database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// seedRows is the sample dataset inserted when the table is empty, so a
// fresh deployment answers queries out of the box.
var seedRows = []Venta{
	{Fecha: "2024-04-01", Producto: "Router X", Cantidad: 10, Precio: 120.0},
	{Fecha: "2024-04-01", Producto: "Switch Y", Cantidad: 5, Precio: 85.5},
	{Fecha: "2024-04-02", Producto: "Router X", Cantidad: 7, Precio: 120.0},
	{Fecha: "2024-04-03", Producto: "Switch Y", Cantidad: 2, Precio: 85.5},
	{Fecha: "2024-04-03", Producto: "Firewall Z", Cantidad: 3, Precio: 300.0},
}

// Seed inserts the sample dataset if the table is empty. Idempotent.
func (s *Store) Seed(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Venta{}).Count(&count).Error; err != nil {
		return fmt.Errorf("salesdata: counting rows: %w", err)
	}
	if count > 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&seedRows).Error; err != nil {
		return fmt.Errorf("salesdata: seeding sample rows: %w", err)
	}
	return nil
}

// Query evaluates a SELECT statement and returns the rows as generic
// column→value mappings, the shape the A2A response body carries.
func (s *Store) Query(ctx context.Context, query string) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return nil, ErrNotSelect
	}
	// A second statement smuggled behind the SELECT is rejected too.
	if strings.Contains(trimmed, ";") {
		return nil, ErrNotSelect
	}

	rows, err := s.db.WithContext(ctx).Raw(trimmed).Rows()
	if err != nil {
		return nil, fmt.Errorf("salesdata: executing query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("salesdata: reading columns: %w", err)
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("salesdata: scanning row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			// Drivers hand back []byte for text columns; JSON encoding
			// would base64 those, so normalize to string.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("salesdata: iterating rows: %w", err)
	}
	return out, nil
}

// Products returns the distinct product names in the dataset.
func (s *Store) Products(ctx context.Context) ([]string, error) {
	var products []string
	err := s.db.WithContext(ctx).
		Model(&Venta{}).
		Distinct("producto").
		Order("producto").
		Pluck("producto", &products).Error
	if err != nil {
		return nil, fmt.Errorf("salesdata: listing products: %w", err)
	}
	return products, nil
}

// DateRange returns the earliest and latest sale dates as ISO strings.
// Empty strings when the table has no rows.
func (s *Store) DateRange(ctx context.Context) (min, max string, err error) {
	var bounds struct {
		MinFecha *string
		MaxFecha *string
	}
	err = s.db.WithContext(ctx).
		Model(&Venta{}).
		Select("MIN(fecha) AS min_fecha, MAX(fecha) AS max_fecha").
		Scan(&bounds).Error
	if err != nil {
		return "", "", fmt.Errorf("salesdata: reading date range: %w", err)
	}
	if bounds.MinFecha != nil {
		min = *bounds.MinFecha
	}
	if bounds.MaxFecha != nil {
		max = *bounds.MaxFecha
	}
	return min, max, nil
}
