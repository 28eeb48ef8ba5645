package leadpool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // snowflake driver

	"github.com/agencyos/dispatch/internal/domain"
)

// Source supplies raw lead candidates matching an ICP.
type Source interface {
	Query(ctx context.Context, icp domain.ICP, limit int) ([]domain.Lead, error)
}

// SnowflakeConfig locates the lead warehouse.
type SnowflakeConfig struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
	Table     string `yaml:"table"`
}

// SnowflakeSource queries the contact warehouse for ICP matches.
type SnowflakeSource struct {
	db    *sql.DB
	table string
}

// NewSnowflakeSource opens a pooled connection to the warehouse.
func NewSnowflakeSource(cfg SnowflakeConfig) (*SnowflakeSource, error) {
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s", cfg.User, cfg.Password, cfg.Account, cfg.Database, cfg.Schema)
	if cfg.Warehouse != "" {
		dsn += "?warehouse=" + cfg.Warehouse
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snowflake: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	table := cfg.Table
	if table == "" {
		table = "CONTACT_RECORDS"
	}
	return &SnowflakeSource{db: db, table: table}, nil
}

// Close releases the warehouse connection pool.
func (s *SnowflakeSource) Close() error { return s.db.Close() }

// Ping tests warehouse connectivity.
func (s *SnowflakeSource) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Query pulls candidates matching the ICP's industries and titles. The
// warehouse filter is coarse; suppression and allocation scoring happen
// downstream.
func (s *SnowflakeSource) Query(ctx context.Context, icp domain.ICP, limit int) ([]domain.Lead, error) {
	var conds []string
	var args []interface{}

	if len(icp.Industries) > 0 {
		conds = append(conds, "LOWER(INDUSTRY) IN ("+placeholders(len(icp.Industries))+")")
		for _, ind := range icp.Industries {
			args = append(args, strings.ToLower(ind))
		}
	}
	if len(icp.Titles) > 0 {
		var titleConds []string
		for _, title := range icp.Titles {
			titleConds = append(titleConds, "LOWER(TITLE) LIKE ?")
			args = append(args, "%"+strings.ToLower(title)+"%")
		}
		conds = append(conds, "("+strings.Join(titleConds, " OR ")+")")
	}
	if len(icp.CompanySizes) > 0 {
		conds = append(conds, "COMPANY_SIZE IN ("+placeholders(len(icp.CompanySizes))+")")
		for _, size := range icp.CompanySizes {
			args = append(args, size)
		}
	}

	query := `SELECT EMAIL, FIRST_NAME, LAST_NAME, TITLE, PHONE, LINKEDIN_URL,
		CONTACT_ID, COMPANY_NAME, COMPANY_DOMAIN, COMPANY_SIZE, INDUSTRY, LOCATION
		FROM ` + s.table + `
		WHERE EMAIL IS NOT NULL`
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("source query: %w", err)
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		var l domain.Lead
		var title, phone, linkedin, external sql.NullString
		var company, compDomain, size, industry, location sql.NullString
		if err := rows.Scan(&l.Email, &l.FirstName, &l.LastName, &title, &phone, &linkedin,
			&external, &company, &compDomain, &size, &industry, &location); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		l.Title = title.String
		l.Phone = phone.String
		l.LinkedInURL = linkedin.String
		l.ExternalID = external.String
		l.EmailStatus = domain.EmailGuessed
		l.Firmographics = domain.Firmographics{
			CompanyName:   company.String,
			CompanyDomain: compDomain.String,
			CompanySize:   size.String,
			Industry:      industry.String,
			Location:      location.String,
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
